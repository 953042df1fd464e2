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
	"testing"

	"github.com/talismancer/sandtrap/pkg/abi/linux"
	"golang.org/x/sys/unix"
)

func TestErrDisplay(t *testing.T) {
	// Every decodable errno in the classic range renders as its symbol.
	for v := int64(-1); v >= -133; v-- {
		want := unix.ErrnoName(unix.Errno(-v))
		if want == "" {
			continue
		}
		e := &Err{intArg{baseArg{raw: uint64(v), seq: -1}}}
		if got := e.String(); got != want {
			t.Errorf("err(%d) = %q, want %q", v, got, want)
		}
	}

	for _, tc := range []struct {
		raw  uint64
		want string
	}{
		{0, "ok"},
		{1 << 20, "0x100000"},
		{77, "77"},
	} {
		e := &Err{intArg{baseArg{raw: tc.raw, seq: -1}}}
		if got := e.String(); got != tc.want {
			t.Errorf("err(%#x) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestSErrOK(t *testing.T) {
	for raw, ok := range map[uint64]bool{
		0:                        true,
		4096:                     true,
		^uint64(unix.EPERM) + 1:  false,
		^uint64(unix.ENOENT) + 1: false,
	} {
		e := &SErr{Err{intArg{baseArg{raw: raw, seq: -1}}}}
		if got := e.OK(); got != ok {
			t.Errorf("serr(%#x).OK() = %t, want %t", raw, got, ok)
		}
	}
}

func TestErrRestoreIdempotent(t *testing.T) {
	task := newFakeTask()
	task.regs.Rax = ^uint64(unix.ENOENT) + 1
	e := &Err{intArg{baseArg{raw: task.regs.Rax, seq: -1}}}

	// Same value: the register is left alone.
	if err := e.Restore(task, task.regs.Rax); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := task.regs.Rax; got != ^uint64(unix.ENOENT)+1 {
		t.Errorf("rax changed on idempotent restore: %#x", got)
	}

	// New value: written through and stored.
	if err := e.Restore(task, 0); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := task.regs.Rax; got != 0 {
		t.Errorf("rax = %#x, want 0", got)
	}
	if !e.OK() {
		t.Error("stored error word not replaced")
	}
}

func TestFDDisplay(t *testing.T) {
	if got := (&FD{intArg{baseArg{raw: 5}}}).String(); got != "5" {
		t.Errorf("fd(5) = %q", got)
	}
	bad := &FD{intArg{baseArg{raw: ^uint64(unix.EBADF) + 1}}}
	if got := bad.String(); got != "EBADF" {
		t.Errorf("fd(-EBADF) = %q, want EBADF", got)
	}
}

func TestAtFDDisplay(t *testing.T) {
	cwd := &AtFD{FD{intArg{baseArg{raw: uint64(int64(linux.AT_FDCWD))}}}}
	if got := cwd.String(); got != "AT_FDCWD" {
		t.Errorf("at_fd(-100) = %q, want AT_FDCWD", got)
	}
	if got := (&AtFD{FD{intArg{baseArg{raw: 3}}}}).String(); got != "3" {
		t.Errorf("at_fd(3) = %q, want 3", got)
	}
}

func TestFlagDisplay(t *testing.T) {
	for _, tc := range []struct {
		raw  uint64
		want string
	}{
		{linux.O_RDONLY, "O_RDONLY"},
		{linux.O_WRONLY | linux.O_CREAT | linux.O_TRUNC, "O_WRONLY|O_CREAT|O_TRUNC"},
		{linux.O_RDWR | linux.O_CLOEXEC, "O_RDWR|O_CLOEXEC"},
	} {
		f := &Flag{intArg{baseArg{raw: tc.raw}}}
		if got := f.String(); got != tc.want {
			t.Errorf("flag(%#o) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestFlagPredicates(t *testing.T) {
	f := &Flag{intArg{baseArg{raw: linux.O_WRONLY | linux.O_TRUNC}}}
	if !f.IsWronly() || !f.IsWr() || !f.IsTrunc() {
		t.Errorf("predicates wrong for O_WRONLY|O_TRUNC: %+v", f)
	}
	if f.IsRdonly() || f.IsRdwr() || f.IsDir() {
		t.Errorf("predicates wrong for O_WRONLY|O_TRUNC: %+v", f)
	}
}

func TestModeDisplay(t *testing.T) {
	set := &Mode{intArg{baseArg{raw: 0o644}}, true}
	if got := set.String(); got != "0644" {
		t.Errorf("mode(0644) = %q", got)
	}
	unset := &Mode{intArg{baseArg{raw: 0o644}}, false}
	if got := unset.String(); got != "-" {
		t.Errorf("undecoded mode = %q, want -", got)
	}
}

func TestModeDecodeRule(t *testing.T) {
	// open without O_CREAT: mode stays undecoded.
	task := newFakeTask()
	task.setString(0x7000, "/tmp/f")
	task.regs.Orig_rax = 2
	task.regs.Rdi = 0x7000
	task.regs.Rsi = linux.O_RDONLY
	task.regs.Rdx = 0o644
	sc, err := NewSyscall(task)
	if err != nil {
		t.Fatalf("NewSyscall: %v", err)
	}
	if sc.ArgName("mode").(*Mode).Set() {
		t.Error("mode decoded without O_CREAT")
	}

	// open with O_CREAT: mode decodes.
	task.regs.Rsi = linux.O_WRONLY | linux.O_CREAT
	sc, err = NewSyscall(task)
	if err != nil {
		t.Fatalf("NewSyscall: %v", err)
	}
	if !sc.ArgName("mode").(*Mode).Set() {
		t.Error("mode not decoded despite O_CREAT")
	}

	// mkdir has no flag sibling: mode always decodes.
	task.regs.Orig_rax = 83
	task.regs.Rsi = 0o755
	sc, err = NewSyscall(task)
	if err != nil {
		t.Fatalf("NewSyscall: %v", err)
	}
	if got := sc.ArgName("mode").String(); got != "0755" {
		t.Errorf("mkdir mode = %q, want 0755", got)
	}
}

func TestFcntlCmdDisplay(t *testing.T) {
	if got := (&FcntlCmd{intArg{baseArg{raw: linux.F_GETFL}}}).String(); got != "F_GETFL" {
		t.Errorf("fcntlcmd(F_GETFL) = %q", got)
	}
	if got := (&FcntlCmd{intArg{baseArg{raw: 999}}}).String(); got != UnknownName {
		t.Errorf("fcntlcmd(999) = %q, want %q", got, UnknownName)
	}
}

func TestPathNormpath(t *testing.T) {
	for _, tc := range []struct {
		path, cwd, want string
	}{
		{"/etc/hosts", "/home", "/etc/hosts"},
		{"hosts", "/etc", "/etc/hosts"},
		{"../etc/./hosts", "/var", "/etc/hosts"},
	} {
		p := &Path{path: tc.path}
		if got := p.Normpath(tc.cwd); got != tc.want {
			t.Errorf("normpath(%q, cwd %q) = %q, want %q", tc.path, tc.cwd, got, tc.want)
		}
	}
}

func TestPathChroot(t *testing.T) {
	for _, tc := range []struct {
		path, cwd, want string
	}{
		{"/etc/hosts", "/", "/shadow/etc/hosts"},
		{"hosts", "/etc", "/shadow/etc/hosts"},
		{"../../../etc", "/", "/shadow/etc"},
	} {
		p := &Path{path: tc.path}
		got, err := p.Chroot("/shadow", tc.cwd)
		if err != nil {
			t.Errorf("chroot(%q, cwd %q): %v", tc.path, tc.cwd, err)
			continue
		}
		if got != tc.want {
			t.Errorf("chroot(%q, cwd %q) = %q, want %q", tc.path, tc.cwd, got, tc.want)
		}
	}

	p := &Path{path: "relative"}
	if _, err := p.Chroot("/shadow", "not-absolute"); err == nil {
		t.Error("chroot with relative cwd did not fail")
	}
}

func TestRestoreWithoutHijack(t *testing.T) {
	task := newFakeTask()
	fd := &FD{intArg{baseArg{raw: 3, seq: 0}}}
	if err := fd.Restore(task); err == nil {
		t.Error("restore without hijack did not fail")
	}
}

func TestSyscallNumHijack(t *testing.T) {
	task := newFakeTask()
	task.regs.Orig_rax = 2
	nr := NewSyscallNum(2)
	if err := nr.Hijack(task, ^uint64(0)); err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	if got := task.regs.Orig_rax; got != ^uint64(0) {
		t.Errorf("orig_rax = %#x after hijack", got)
	}
	if err := nr.Restore(task); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	// Restore is a no-op: rax carries the return value by then.
	if got := task.regs.Orig_rax; got != ^uint64(0) {
		t.Errorf("orig_rax = %#x after restore, want unchanged", got)
	}
}
