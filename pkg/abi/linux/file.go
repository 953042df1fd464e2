// Copyright 2023 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linux contains the constants and types needed to interface with
// a Linux kernel on x86-64: the tracee register layout, open(2) flags,
// fcntl(2) commands and the getdents(2) directory entry format.
package linux

// Flags for open(2), from include/uapi/asm-generic/fcntl.h.
const (
	O_ACCMODE   = 000000003
	O_RDONLY    = 000000000
	O_WRONLY    = 000000001
	O_RDWR      = 000000002
	O_CREAT     = 000000100
	O_EXCL      = 000000200
	O_NOCTTY    = 000000400
	O_TRUNC     = 000001000
	O_APPEND    = 000002000
	O_NONBLOCK  = 000004000
	O_DSYNC     = 000010000
	O_ASYNC     = 000020000
	O_DIRECT    = 000040000
	O_LARGEFILE = 000100000
	O_DIRECTORY = 000200000
	O_NOFOLLOW  = 000400000
	O_NOATIME   = 001000000
	O_CLOEXEC   = 002000000
)

// AT_FDCWD is the sentinel dir-fd of the *at syscalls meaning "resolve
// relative to the current working directory".
const AT_FDCWD = -100
