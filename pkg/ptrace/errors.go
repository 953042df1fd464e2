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

package ptrace

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	// ErrChildGone indicates that the tracee exited, was killed, or was
	// detached while an operation was in flight.
	ErrChildGone = errors.New("tracee is gone")

	// ErrTracerDenied indicates that the kernel refused a tracing
	// operation, typically for lack of CAP_SYS_PTRACE or a Yama policy.
	ErrTracerDenied = errors.New("tracing operation denied")

	// ErrStringTooLong indicates that no NUL terminator was found within
	// the read limit.
	ErrStringTooLong = errors.New("string exceeds read limit")
)

// translateErrno maps kernel errnos from ptrace requests to the package
// sentinels so callers can test with errors.Is.
func translateErrno(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ESRCH), errors.Is(err, unix.ECHILD):
		return ErrChildGone
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return ErrTracerDenied
	}
	return err
}
