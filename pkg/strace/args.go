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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/talismancer/sandtrap/pkg/abi/linux"
	"golang.org/x/sys/unix"
)

// MaxPath bounds hijacked path payloads and sizes the per-argument
// scratch region below the tracee stack pointer.
const MaxPath = 256

// Task is the tracer collaborator an observation is bound to. It is the
// read/write surface over one tracee; operations are synchronous and the
// caller serializes them per tracee.
type Task interface {
	Pid() int
	GetRegs() (linux.PtraceRegs, error)
	SetRegs(regs *linux.PtraceRegs) error
	GetReg(name string) (uint64, error)
	SetReg(name string, v uint64) error
	ReadWord(addr uint64) (uint64, error)
	WriteWord(addr, word uint64) error
	ReadString(addr uint64) (string, error)
	ReadBytes(addr uint64, n int) ([]byte, error)
	WriteBytes(addr uint64, b []byte) error
}

// Kind selects an argument variant.
type Kind int

const (
	KindErr Kind = iota
	KindSErr
	KindPtr
	KindInt
	KindCStr
	KindDirp
	KindFD
	KindPath
	KindFlag
	KindMode
	KindAtFD
	KindStatP
	KindFcntlCmd
	KindSysc
)

// kindByTag maps schema type tags to kinds. f_int, f_size and f_len are
// one variant; ptr, f_ptr and f_statp share the pointer decode.
var kindByTag = map[string]Kind{
	"err":        KindErr,
	"serr":       KindSErr,
	"ptr":        KindPtr,
	"f_ptr":      KindPtr,
	"f_int":      KindInt,
	"f_size":     KindInt,
	"f_len":      KindInt,
	"f_cstr":     KindCStr,
	"f_dirp":     KindDirp,
	"f_fd":       KindFD,
	"f_path":     KindPath,
	"f_flag":     KindFlag,
	"f_mode":     KindMode,
	"at_fd":      KindAtFD,
	"f_statp":    KindStatP,
	"f_fcntlcmd": KindFcntlCmd,
	"f_sysc":     KindSysc,
}

// isStrKind reports whether the variant decodes by dereferencing a
// tracee pointer rather than by value.
func isStrKind(k Kind) bool {
	return k == KindCStr || k == KindPath
}

// Arg is one decoded syscall argument or return value.
type Arg interface {
	fmt.Stringer

	// Raw is the machine word read from the source register.
	Raw() uint64

	// Seq is the 0-based argument position, or -1 for the return slot.
	Seq() int
}

// baseArg carries the raw word, the position, and the pre-hijack register
// value.
type baseArg struct {
	raw      uint64
	seq      int
	old      uint64
	hijacked bool
}

func (a *baseArg) Raw() uint64 { return a.raw }
func (a *baseArg) Seq() int    { return a.seq }

// hijackReg saves the source register and writes v in its place. Exactly
// one restore must balance it.
func (a *baseArg) hijackReg(t Task, v uint64) error {
	reg, ok := linux.ArgReg(a.seq)
	if !ok {
		return fmt.Errorf("hijack: no source register for seq %d", a.seq)
	}
	cur, err := t.GetReg(reg)
	if err != nil {
		return err
	}
	if err := t.SetReg(reg, v); err != nil {
		return err
	}
	a.old = cur
	a.hijacked = true
	return nil
}

// hijackStr materializes s in the tracee's stack red zone and points the
// source register at it. Scratch regions for distinct positions never
// overlap: argument seq uses [rsp - MaxPath*(seq+1), rsp - MaxPath*seq).
func (a *baseArg) hijackStr(t Task, s string) error {
	if len(s) >= MaxPath-1 {
		return fmt.Errorf("hijack: payload %d bytes, limit %d", len(s), MaxPath-1)
	}
	if a.seq < 0 {
		return fmt.Errorf("hijack: string hijack of the return slot")
	}
	rsp, err := t.GetReg("rsp")
	if err != nil {
		return err
	}
	ptr := rsp - uint64(MaxPath*(a.seq+1))
	if err := t.WriteBytes(ptr, append([]byte(s), 0)); err != nil {
		return err
	}
	return a.hijackReg(t, ptr)
}

// restoreReg writes the saved pre-hijack value back to the source
// register.
func (a *baseArg) restoreReg(t Task) error {
	if !a.hijacked {
		return fmt.Errorf("restore: seq %d was not hijacked", a.seq)
	}
	reg, _ := linux.ArgReg(a.seq)
	if err := t.SetReg(reg, a.old); err != nil {
		return err
	}
	a.hijacked = false
	return nil
}

// Old returns the pre-hijack register value; meaningful only while the
// argument is hijacked.
func (a *baseArg) Old() uint64 { return a.old }

// intArg is the shared hijack surface of by-value arguments.
type intArg struct{ baseArg }

// Hijack replaces the source register with v for the duration of the
// syscall.
func (a *intArg) Hijack(t Task, v uint64) error { return a.hijackReg(t, v) }

// Restore writes the pre-hijack register value back.
func (a *intArg) Restore(t Task) error { return a.restoreReg(t) }

// strArg is the shared hijack surface of pointer-to-string arguments.
type strArg struct{ baseArg }

// Hijack materializes s in tracee memory and redirects the source
// register to it for the duration of the syscall.
func (a *strArg) Hijack(t Task, s string) error { return a.hijackStr(t, s) }

// Restore writes the pre-hijack register value back.
func (a *strArg) Restore(t Task) error { return a.restoreReg(t) }

// errString renders an error word the way strace does: "ok" on success,
// hex for values above 1<<16, the errno symbol for known negative errnos,
// and the decimal value otherwise.
func errString(v int64, ok bool) string {
	if ok {
		return "ok"
	}
	if v > 1<<16 {
		return fmt.Sprintf("0x%x", v)
	}
	if v < 0 {
		if name := unix.ErrnoName(unix.Errno(-v)); name != "" {
			return name
		}
	}
	return strconv.FormatInt(v, 10)
}

// Err is a signed error word; zero means success.
type Err struct{ intArg }

// Val returns the word as a signed value.
func (e *Err) Val() int64 { return int64(e.raw) }

// OK reports success.
func (e *Err) OK() bool { return e.Val() == 0 }

// Failed reports failure.
func (e *Err) Failed() bool { return !e.OK() }

// Restore replaces the stored error word and writes it to the return
// register. It is idempotent: the register is only touched when v differs
// from the current value.
func (e *Err) Restore(t Task, v uint64) error {
	if e.raw == v {
		return nil
	}
	reg, _ := linux.ArgReg(e.seq)
	if err := t.SetReg(reg, v); err != nil {
		return err
	}
	e.old = e.raw
	e.raw = v
	return nil
}

func (e *Err) String() string { return errString(e.Val(), e.OK()) }

// SErr is a signed size-or-error return; negative means failure.
type SErr struct{ Err }

// OK reports success.
func (e *SErr) OK() bool { return e.Val() >= 0 }

// Failed reports failure.
func (e *SErr) Failed() bool { return !e.OK() }

func (e *SErr) String() string { return errString(e.Val(), e.OK()) }

// Ptr is an opaque pointer carried by value.
type Ptr struct{ intArg }

func (p *Ptr) String() string { return fmt.Sprintf("0x%x", p.raw) }

// StatP is a pointer to a stat buffer.
type StatP struct{ Ptr }

// Int is a plain integer argument.
type Int struct{ intArg }

// Val returns the argument value.
func (i *Int) Val() uint64 { return i.raw }

func (i *Int) String() string { return strconv.FormatUint(i.raw, 10) }

// CStr is a NUL-terminated string read from the tracee.
type CStr struct {
	strArg
	str string
}

// Str returns the decoded string.
func (c *CStr) Str() string { return c.str }

func (c *CStr) String() string { return c.str }

// FD is a file descriptor; negative values carry an errno.
type FD struct{ intArg }

// Val returns the descriptor as a signed value.
func (f *FD) Val() int64 { return int64(f.raw) }

// Failed reports whether the descriptor is an error.
func (f *FD) Failed() bool { return f.Val() < 0 }

func (f *FD) String() string {
	v := f.Val()
	if v >= 0 {
		return strconv.FormatInt(v, 10)
	}
	if name := unix.ErrnoName(unix.Errno(-v)); name != "" {
		return name
	}
	return strconv.FormatInt(v, 10)
}

// AtFD is the dir-fd of the *at syscalls.
type AtFD struct{ FD }

func (f *AtFD) String() string {
	if f.Val() == linux.AT_FDCWD {
		return "AT_FDCWD"
	}
	return f.FD.String()
}

// Path is a pathname argument.
type Path struct {
	strArg
	path string
}

// Path returns the decoded pathname.
func (p *Path) Path() string { return p.path }

// Exists reports whether the pathname exists on the host.
func (p *Path) Exists() bool {
	_, err := os.Lstat(p.path)
	return err == nil
}

// IsDir reports whether the pathname is a host directory.
func (p *Path) IsDir() bool {
	fi, err := os.Stat(p.path)
	return err == nil && fi.IsDir()
}

// Normpath returns the cleaned absolute form of the pathname, resolving
// relative paths against cwd.
func (p *Path) Normpath(cwd string) string {
	pn := filepath.Clean(p.path)
	if filepath.IsAbs(pn) {
		return pn
	}
	return filepath.Clean(filepath.Join(cwd, pn))
}

// Chroot maps the pathname into the shadow tree rooted at root,
// resolving relative paths against cwd. cwd must be absolute. The result
// never escapes root.
func (p *Path) Chroot(root, cwd string) (string, error) {
	pn := filepath.Clean(p.path)
	if !filepath.IsAbs(pn) {
		if !filepath.IsAbs(cwd) {
			return "", fmt.Errorf("chroot of %q: cwd %q is not absolute", p.path, cwd)
		}
		pn = filepath.Join(cwd, pn)
	}
	out := filepath.Join(root, strings.TrimPrefix(pn, "/"))
	if out != root && !strings.HasPrefix(out, root+string(filepath.Separator)) {
		return "", fmt.Errorf("chroot of %q escapes root %q", p.path, root)
	}
	return out, nil
}

func (p *Path) String() string {
	if p.Exists() {
		return p.path
	}
	return p.path + "(N)"
}

// openFlagNames is the symbolic display order for open(2) flags.
var openFlagNames = []struct {
	flag uint64
	name string
}{
	{linux.O_CREAT, "O_CREAT"},
	{linux.O_EXCL, "O_EXCL"},
	{linux.O_NOCTTY, "O_NOCTTY"},
	{linux.O_TRUNC, "O_TRUNC"},
	{linux.O_APPEND, "O_APPEND"},
	{linux.O_NONBLOCK, "O_NONBLOCK"},
	{linux.O_DSYNC, "O_DSYNC"},
	{linux.O_DIRECT, "O_DIRECT"},
	{linux.O_LARGEFILE, "O_LARGEFILE"},
	{linux.O_DIRECTORY, "O_DIRECTORY"},
	{linux.O_NOFOLLOW, "O_NOFOLLOW"},
	{linux.O_NOATIME, "O_NOATIME"},
	{linux.O_CLOEXEC, "O_CLOEXEC"},
}

// Flag is an open(2) flags bitset.
type Flag struct{ intArg }

// IsRdonly reports O_RDONLY access mode.
func (f *Flag) IsRdonly() bool { return f.raw&linux.O_ACCMODE == linux.O_RDONLY }

// IsWronly reports O_WRONLY access mode.
func (f *Flag) IsWronly() bool { return f.raw&linux.O_ACCMODE == linux.O_WRONLY }

// IsRdwr reports O_RDWR access mode.
func (f *Flag) IsRdwr() bool { return f.raw&linux.O_ACCMODE == linux.O_RDWR }

// IsWr reports any writable access mode.
func (f *Flag) IsWr() bool { return f.IsWronly() || f.IsRdwr() }

// IsTrunc reports O_TRUNC.
func (f *Flag) IsTrunc() bool { return f.raw&linux.O_TRUNC != 0 }

// IsDir reports O_DIRECTORY.
func (f *Flag) IsDir() bool { return f.raw&linux.O_DIRECTORY != 0 }

// Chk reports whether all bits of mask are set.
func (f *Flag) Chk(mask uint64) bool { return f.raw&mask == mask }

func (f *Flag) String() string {
	var parts []string
	switch f.raw & linux.O_ACCMODE {
	case linux.O_RDONLY:
		parts = append(parts, "O_RDONLY")
	case linux.O_WRONLY:
		parts = append(parts, "O_WRONLY")
	case linux.O_RDWR:
		parts = append(parts, "O_RDWR")
	}
	for _, fn := range openFlagNames {
		if f.raw&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

// Mode is a file mode. It is decoded only when the sibling flag argument
// carries O_CREAT, or when the syscall has no flag argument at all.
type Mode struct {
	intArg
	set bool
}

// Set reports whether the mode was decoded.
func (m *Mode) Set() bool { return m.set }

// Val returns the decoded mode; zero when not decoded.
func (m *Mode) Val() uint64 {
	if !m.set {
		return 0
	}
	return m.raw
}

func (m *Mode) String() string {
	if !m.set {
		return "-"
	}
	return "0" + strconv.FormatUint(m.raw, 8)
}

// fcntlCmdNames maps fcntl(2) command values to their symbols.
var fcntlCmdNames = map[uint64]string{
	linux.F_DUPFD:         "F_DUPFD",
	linux.F_GETFD:         "F_GETFD",
	linux.F_SETFD:         "F_SETFD",
	linux.F_GETFL:         "F_GETFL",
	linux.F_SETFL:         "F_SETFL",
	linux.F_GETLK:         "F_GETLK",
	linux.F_SETLK:         "F_SETLK",
	linux.F_SETLKW:        "F_SETLKW",
	linux.F_SETOWN:        "F_SETOWN",
	linux.F_GETOWN:        "F_GETOWN",
	linux.F_SETSIG:        "F_SETSIG",
	linux.F_GETSIG:        "F_GETSIG",
	linux.F_GETLK64:       "F_GETLK64",
	linux.F_SETLK64:       "F_SETLK64",
	linux.F_SETLKW64:      "F_SETLKW64",
	linux.F_SETOWN_EX:     "F_SETOWN_EX",
	linux.F_GETOWN_EX:     "F_GETOWN_EX",
	linux.F_GETOWNER_UIDS: "F_GETOWNER_UIDS",
}

// FcntlCmd is an fcntl(2) command.
type FcntlCmd struct{ intArg }

func (c *FcntlCmd) String() string {
	if name, ok := fcntlCmdNames[c.raw]; ok {
		return name
	}
	return UnknownName
}

// Dirp is a pointer to a getdents(2) output buffer. Its capacity is the
// sibling size argument.
type Dirp struct {
	Ptr
	sc *Syscall
}

// Bytes reads the buffer contents as reported by the return value.
// The observation must be exiting.
func (d *Dirp) Bytes(t Task) ([]byte, error) {
	ret := d.sc.Ret()
	if ret == nil {
		return nil, fmt.Errorf("dirp read before syscall exit")
	}
	n := int(int64(ret.Raw()))
	if n <= 0 {
		return nil, nil
	}
	return t.ReadBytes(d.raw, n)
}

// Restore overwrites the buffer with blob and adjusts the return value to
// its length. blob must fit the buffer's declared capacity.
func (d *Dirp) Restore(t Task, blob []byte) error {
	size, ok := d.sc.ArgName("size").(*Int)
	if !ok {
		return fmt.Errorf("dirp restore: no sibling size argument")
	}
	if uint64(len(blob)) > size.Val() {
		return fmt.Errorf("dirp restore: %d bytes exceed buffer capacity %d", len(blob), size.Val())
	}
	if len(blob) > 0 {
		if err := t.WriteBytes(d.raw, blob); err != nil {
			return err
		}
	}
	if err := t.SetReg("rax", uint64(len(blob))); err != nil {
		return err
	}
	d.sc.refreshRet(uint64(len(blob)))
	return nil
}

// SyscallNum is the pseudo-argument overriding the syscall number itself.
// Hijacking it before the kernel executes the call rewrites orig_rax,
// which is how a syscall is neutralized (point it at an invalid number).
// Restore is a no-op: by exit time rax carries the return value and
// orig_rax no longer matters.
type SyscallNum struct{ baseArg }

// NewSyscallNum returns the pseudo-argument for the current syscall
// number.
func NewSyscallNum(nr uint64) *SyscallNum {
	return &SyscallNum{baseArg{raw: nr, seq: -1}}
}

// Hijack rewrites the syscall number before the kernel executes it.
func (s *SyscallNum) Hijack(t Task, nr uint64) error {
	cur, err := t.GetReg("orig_rax")
	if err != nil {
		return err
	}
	if err := t.SetReg("orig_rax", nr); err != nil {
		return err
	}
	s.old = cur
	s.hijacked = true
	return nil
}

// Restore implements the balancing call of the hijack protocol.
func (s *SyscallNum) Restore(t Task) error {
	return nil
}

func (s *SyscallNum) String() string { return Name(s.raw) }
