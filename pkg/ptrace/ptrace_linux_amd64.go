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

//go:build linux && amd64
// +build linux,amd64

// Package ptrace provides the tracer primitives: thin, typed operations
// over the kernel tracing interface. A Tracee is one traced process; all
// operations on it are synchronous and must be serialized by the caller.
package ptrace

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"github.com/talismancer/sandtrap/pkg/abi/linux"
	"golang.org/x/sys/unix"
)

// syscallEvent is the stop signal reported for syscall stops once
// PTRACE_O_TRACESYSGOOD is set.
const syscallEvent = unix.SIGTRAP | 0x80

// maxStringLen bounds the NUL scan of ReadString.
const maxStringLen = 4096

// hostEndian is the byte order words take in tracee memory; this file is
// amd64 only.
var hostEndian = binary.LittleEndian

// The register blob exchanged with the kernel must be the exact
// user_regs_struct layout.
var (
	_ [unsafe.Sizeof(unix.PtraceRegs{}) - unsafe.Sizeof(linux.PtraceRegs{})]byte
	_ [unsafe.Sizeof(linux.PtraceRegs{}) - unsafe.Sizeof(unix.PtraceRegs{})]byte
)

// Tracee is a process under observation.
//
// The kernel ties a tracing relationship to the attaching thread: every
// operation on a Tracee must run on the OS thread that called Start or
// Attach. Both lock the calling goroutine to its thread; keep using that
// goroutine.
type Tracee struct {
	pid int
	cmd *exec.Cmd
}

// Pid returns the tracee's process id.
func (t *Tracee) Pid() int {
	return t.pid
}

// Start forks and execs bin as a stopped, traced child and waits for it
// to reach its first stop. The child inherits the parent's stdio.
func Start(bin string, args []string, env []string) (*Tracee, error) {
	runtime.LockOSThread()

	cmd := exec.Command(bin, args...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", bin, err)
	}

	t := &Tracee{pid: cmd.Process.Pid, cmd: cmd}
	// The child receives SIGTRAP once execve completes.
	if err := t.waitStop(); err != nil {
		return nil, fmt.Errorf("waiting for %q to stop: %w", bin, err)
	}
	if err := unix.PtraceSetOptions(t.pid, unix.PTRACE_O_TRACESYSGOOD); err != nil {
		return nil, translateErrno(err)
	}
	logrus.WithFields(logrus.Fields{"pid": t.pid, "bin": bin}).Debug("tracee started")
	return t, nil
}

// Attach attaches to a running process and waits for the attach stop.
func Attach(pid int) (*Tracee, error) {
	runtime.LockOSThread()

	if err := unix.PtraceAttach(pid); err != nil {
		return nil, fmt.Errorf("attaching to %d: %w", pid, translateErrno(err))
	}
	t := &Tracee{pid: pid}

	// The attach stop is delivered asynchronously; poll for it rather
	// than blocking forever on a process that never stops.
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 500)
	op := func() error {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if err != nil {
			return backoff.Permanent(translateErrno(err))
		}
		if wpid == 0 {
			return fmt.Errorf("tracee %d not stopped yet", pid)
		}
		if !ws.Stopped() {
			return backoff.Permanent(ErrChildGone)
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		unix.PtraceDetach(pid)
		return nil, fmt.Errorf("waiting for attach stop: %w", err)
	}
	if err := unix.PtraceSetOptions(pid, unix.PTRACE_O_TRACESYSGOOD); err != nil {
		return nil, translateErrno(err)
	}
	logrus.WithField("pid", pid).Debug("tracee attached")
	return t, nil
}

// waitStop blocks until the tracee stops, returning ErrChildGone if it
// exits or is killed instead.
func (t *Tracee) waitStop() error {
	var ws unix.WaitStatus
	if _, err := unix.Wait4(t.pid, &ws, 0, nil); err != nil {
		return translateErrno(err)
	}
	if ws.Exited() || ws.Signaled() {
		logrus.WithFields(logrus.Fields{"pid": t.pid, "status": ws}).Debug("tracee exited")
		return ErrChildGone
	}
	return nil
}

// StepToSyscall resumes the tracee until the next syscall-entry or
// syscall-exit stop. Signals delivered in between are passed back to the
// tracee.
func (t *Tracee) StepToSyscall() error {
	sig := 0
	for {
		if err := unix.PtraceSyscall(t.pid, sig); err != nil {
			return translateErrno(err)
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(t.pid, &ws, 0, nil); err != nil {
			return translateErrno(err)
		}
		switch {
		case ws.Exited(), ws.Signaled():
			logrus.WithFields(logrus.Fields{"pid": t.pid, "status": ws}).Debug("tracee exited")
			return ErrChildGone
		case ws.Stopped():
			ssig := ws.StopSignal()
			if ssig == syscallEvent {
				return nil
			}
			// Re-deliver the signal on the next resume. SIGSTOP
			// is swallowed; it was aimed at the stop itself.
			if ssig == unix.SIGSTOP {
				sig = 0
			} else {
				sig = int(ssig)
			}
		default:
			return fmt.Errorf("unexpected wait status %#x for tracee %d", ws, t.pid)
		}
	}
}

// GetRegs returns a snapshot of the tracee's general purpose registers.
func (t *Tracee) GetRegs() (linux.PtraceRegs, error) {
	var uregs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &uregs); err != nil {
		return linux.PtraceRegs{}, translateErrno(err)
	}
	return *(*linux.PtraceRegs)(unsafe.Pointer(&uregs)), nil
}

// SetRegs installs a full register snapshot.
func (t *Tracee) SetRegs(regs *linux.PtraceRegs) error {
	return translateErrno(unix.PtraceSetRegs(t.pid, (*unix.PtraceRegs)(unsafe.Pointer(regs))))
}

// GetReg reads a single register by kernel name.
func (t *Tracee) GetReg(name string) (uint64, error) {
	regs, err := t.GetRegs()
	if err != nil {
		return 0, err
	}
	v, ok := regs.Reg(name)
	if !ok {
		return 0, fmt.Errorf("unknown register %q", name)
	}
	return v, nil
}

// SetReg writes a single register by kernel name via a read-modify-write
// of the full register file.
func (t *Tracee) SetReg(name string, v uint64) error {
	regs, err := t.GetRegs()
	if err != nil {
		return err
	}
	if !regs.SetReg(name, v) {
		return fmt.Errorf("unknown register %q", name)
	}
	return t.SetRegs(&regs)
}

// ReadWord reads the 8-byte word at addr in the tracee's address space.
func (t *Tracee) ReadWord(addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := unix.PtracePeekData(t.pid, uintptr(addr), buf[:]); err != nil {
		return 0, translateErrno(err)
	}
	return hostEndian.Uint64(buf[:]), nil
}

// WriteWord writes the 8-byte word at addr in the tracee's address space.
func (t *Tracee) WriteWord(addr uint64, word uint64) error {
	var buf [8]byte
	hostEndian.PutUint64(buf[:], word)
	_, err := unix.PtracePokeData(t.pid, uintptr(addr), buf[:])
	return translateErrno(err)
}

// ReadBytes reads n bytes starting at addr.
func (t *Tracee) ReadBytes(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := unix.PtracePeekData(t.pid, uintptr(addr), buf); err != nil {
		return nil, translateErrno(err)
	}
	return buf, nil
}

// WriteBytes writes b starting at addr. The write is composed of word
// operations; a failure mid-buffer leaves the tracee memory in an
// arbitrary state.
func (t *Tracee) WriteBytes(addr uint64, b []byte) error {
	if _, err := unix.PtracePokeData(t.pid, uintptr(addr), b); err != nil {
		return translateErrno(err)
	}
	return nil
}

// ReadString reads the NUL-terminated string at addr, scanning word by
// word. The scan is bounded; past the bound the read fails with
// ErrStringTooLong.
func (t *Tracee) ReadString(addr uint64) (string, error) {
	var out []byte
	var buf [8]byte
	for len(out) < maxStringLen {
		word, err := t.ReadWord(addr + uint64(len(out)))
		if err != nil {
			return "", err
		}
		hostEndian.PutUint64(buf[:], word)
		for _, c := range buf {
			if c == 0 {
				return string(out), nil
			}
			out = append(out, c)
		}
	}
	return "", ErrStringTooLong
}

// Detach detaches from the tracee, letting it run freely.
func (t *Tracee) Detach() error {
	return translateErrno(unix.PtraceDetach(t.pid))
}

// Kill terminates the tracee.
func (t *Tracee) Kill() error {
	return translateErrno(unix.Kill(t.pid, unix.SIGKILL))
}
