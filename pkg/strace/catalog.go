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

package strace

import (
	"bufio"
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// UnknownName is returned for syscall numbers absent from the table.
// Observations of unknown syscalls carry no decoded arguments and their
// return is treated as a plain error word.
const UnknownName = "N/A"

//go:embed syscall_amd64.tbl
var defaultTable []byte

// syscallNames maps syscall numbers to names. Populated once before
// tracing starts and read-shared without locking afterwards.
var syscallNames = mustParseTable(bytes.NewReader(defaultTable))

// Name resolves a syscall number to its name.
func Name(num uint64) string {
	if name, ok := syscallNames[num]; ok {
		return name
	}
	return UnknownName
}

// Numbers returns the numbers present in the table.
func Numbers() []uint64 {
	nums := make([]uint64, 0, len(syscallNames))
	for num := range syscallNames {
		nums = append(nums, num)
	}
	return nums
}

// LoadTable replaces the built-in syscall table with one parsed from the
// file at path. It must be called before any tracing starts; the table is
// immutable once observations are being constructed.
func LoadTable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	m, err := parseTable(f)
	if err != nil {
		return fmt.Errorf("parsing syscall table %q: %w", path, err)
	}
	syscallNames = m
	return nil
}

// parseTable reads a kernel syscall.tbl: '#' introduces a comment, blank
// lines are skipped, and each data line carries at least "number abi
// name". Only the number and the name are consumed; duplicate numbers
// overwrite.
func parseTable(r io.Reader) (map[uint64]string, error) {
	m := make(map[uint64]string)
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("malformed table line %q", line)
		}
		num, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad syscall number in %q: %w", line, err)
		}
		m[num] = fields[2]
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func mustParseTable(r io.Reader) map[uint64]string {
	m, err := parseTable(r)
	if err != nil {
		panic(fmt.Sprintf("built-in syscall table: %v", err))
	}
	return m
}

// syscallArgs describes, per syscall name, the return descriptor followed
// by the argument descriptors. A descriptor is "type" or "name:type"; a
// bare type derives its name from the part after the first underscore.
var syscallArgs = map[string][]string{
	"open":       {"f_fd", "f_path", "f_flag", "f_mode"},
	"openat":     {"f_fd", "dirfd:at_fd", "f_path", "f_flag", "f_mode"},
	"close":      {"err", "f_fd"},
	"getdents":   {"f_len", "f_fd", "f_dirp", "f_size"},
	"stat":       {"err", "f_path", "f_statp"},
	"fstat":      {"err", "f_fd", "f_statp"},
	"fstatat":    {"err", "dirfd:at_fd", "f_path", "f_statp", "f_int"},
	"lstat":      {"err", "f_path", "f_statp"},
	"unlink":     {"err", "f_path"},
	"unlinkat":   {"err", "dirfd:at_fd", "f_path", "f_int"},
	"getxattr":   {"serr", "f_path", "f_cstr", "f_ptr", "f_int"},
	"access":     {"err", "f_path", "f_int"},
	"faccessat":  {"err", "dirfd:at_fd", "f_path", "f_int"},
	"chdir":      {"err", "f_path"},
	"fchdir":     {"err", "dirfd:at_fd"},
	"rename":     {"err", "old:f_path", "new:f_path"},
	"renameat":   {"err", "oldfd:f_fd", "old:f_path", "newfd:f_fd", "new:f_path"},
	"fcntl":      {"err", "f_fd", "f_fcntlcmd"},
	"readlink":   {"f_len", "f_path", "f_ptr", "f_int"},
	"readlinkat": {"f_len", "dirfd:at_fd", "f_path", "f_ptr", "f_int"},
	"mkdir":      {"err", "f_path", "f_mode"},
	"mkdirat":    {"err", "dirfd:at_fd", "f_path", "f_mode"},
	"chmod":      {"err", "f_path", "f_mode"},
	"fchmodat":   {"err", "dirfd:at_fd", "f_path", "f_mode"},
	"creat":      {"err", "f_path", "f_mode"},
	"chown":      {"err", "f_path", "o:f_int", "g:f_int"},
	"fchownat":   {"err", "dirfd:at_fd", "f_path", "o:f_int", "g:f_int"},
	"truncate":   {"err", "f_path", "f_int"},
	"rmdir":      {"err", "f_path"},
	"utimensat":  {"err", "dirfd:at_fd", "f_path", "f_ptr", "f_int"},
}

// schemas is syscallArgs with every descriptor parsed, plus the stat
// family "new" aliases. Immutable after init.
var schemas = func() map[string][]Descriptor {
	for _, sc := range []string{"stat", "fstat", "lstat", "fstatat"} {
		syscallArgs["new"+sc] = syscallArgs[sc]
	}
	m := make(map[string][]Descriptor, len(syscallArgs))
	for name, descs := range syscallArgs {
		parsed := make([]Descriptor, len(descs))
		for i, d := range descs {
			p, err := parseDescriptor(d)
			if err != nil {
				panic(fmt.Sprintf("schema for %s: %v", name, err))
			}
			parsed[i] = p
		}
		m[name] = parsed
	}
	return m
}()

// Schema returns the descriptor list for a syscall name: element 0 is the
// return descriptor, elements 1..N the arguments. Unknown names get nil.
func Schema(name string) []Descriptor {
	return schemas[name]
}

// Descriptor is one element of a syscall schema.
type Descriptor struct {
	// Name is the local name the decoded argument is exposed under.
	Name string

	// Kind selects the argument variant.
	Kind Kind
}

func parseDescriptor(s string) (Descriptor, error) {
	name, tag := "", s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		name, tag = s[:i], s[i+1:]
	}
	kind, ok := kindByTag[tag]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown type tag %q", tag)
	}
	if name == "" {
		name = tag
		if i := strings.IndexByte(tag, '_'); i >= 0 {
			name = tag[i+1:]
		}
	}
	return Descriptor{Name: name, Kind: kind}, nil
}
