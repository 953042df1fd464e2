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

// Package strace decodes syscall stops into typed observations: the
// syscall catalog, the typed argument model with its hijack/restore
// protocol, and the observation object pairing one syscall entry with its
// exit.
package strace

import (
	"fmt"
	"strings"

	"github.com/talismancer/sandtrap/pkg/abi/linux"
)

// State is the lifecycle position of an observation. It moves from
// Entering to Exiting exactly once and never reverts.
type State int

const (
	// Entering is the state between the syscall-entry stop and the
	// matching exit stop.
	Entering State = iota

	// Exiting is the state after Update has decoded the exit stop.
	Exiting
)

func (s State) String() string {
	switch s {
	case Entering:
		return "entering"
	case Exiting:
		return "exiting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// errDesc is the return descriptor used when a syscall has no schema.
var errDesc = Descriptor{Name: "err", Kind: KindErr}

// Inconsistency is the advisory produced when the syscall number at the
// exit stop differs from the one observed at entry. Signal delivery
// between the paired stops can restart a different syscall; the exit-time
// registers stay authoritative for the return value, so the observation
// completes. Advisory only, never fatal.
type Inconsistency struct {
	Name     string
	EntryNum uint64
	ExitNum  uint64
}

func (i *Inconsistency) String() string {
	return fmt.Sprintf("%s: entry sysno %d, exit sysno %d", i.Name, i.EntryNum, i.ExitNum)
}

// Syscall is one observed syscall on a tracee: constructed at the entry
// stop, updated exactly once at the matching exit stop, then discarded.
type Syscall struct {
	task    Task
	regs    linux.PtraceRegs
	name    string
	state   State
	args    []Arg
	byName  map[string]Arg
	ret     Arg
	retDesc Descriptor
}

// NewSyscall snapshots the tracee's registers at a syscall-entry stop and
// decodes the arguments per the syscall's schema. Unknown syscalls
// produce an observation with no arguments.
func NewSyscall(t Task) (*Syscall, error) {
	regs, err := t.GetRegs()
	if err != nil {
		return nil, err
	}
	s := &Syscall{
		task:    t,
		regs:    regs,
		name:    Name(regs.Orig_rax),
		state:   Entering,
		byName:  make(map[string]Arg),
		retDesc: errDesc,
	}
	schema := Schema(s.name)
	if len(schema) > 0 {
		s.retDesc = schema[0]
	}
	for i, d := range schemaArgs(schema) {
		arg, err := s.decodeArg(&regs, d, i)
		if err != nil {
			return nil, fmt.Errorf("decoding %s arg %d (%s): %w", s.name, i, d.Name, err)
		}
		s.args = append(s.args, arg)
		s.byName[d.Name] = arg
	}
	return s, nil
}

func schemaArgs(schema []Descriptor) []Descriptor {
	if len(schema) == 0 {
		return nil
	}
	return schema[1:]
}

// decodeArg fetches the source register for seq and applies the variant
// constructor. String variants dereference the word through the tracee.
func (s *Syscall) decodeArg(regs *linux.PtraceRegs, d Descriptor, seq int) (Arg, error) {
	reg, ok := linux.ArgReg(seq)
	if !ok {
		return nil, fmt.Errorf("no source register for seq %d", seq)
	}
	raw, _ := regs.Reg(reg)
	var str string
	if isStrKind(d.Kind) {
		v, err := s.task.ReadString(raw)
		if err != nil {
			return nil, err
		}
		str = v
	}
	return s.newArg(d.Kind, raw, str, seq), nil
}

// newArg constructs the variant for kind. The observation is threaded
// through for variants whose decode depends on a sibling (Mode) or whose
// restore does (Dirp).
func (s *Syscall) newArg(kind Kind, raw uint64, str string, seq int) Arg {
	base := baseArg{raw: raw, seq: seq}
	switch kind {
	case KindErr:
		return &Err{intArg{base}}
	case KindSErr:
		return &SErr{Err{intArg{base}}}
	case KindPtr:
		return &Ptr{intArg{base}}
	case KindInt:
		return &Int{intArg{base}}
	case KindCStr:
		return &CStr{strArg{base}, str}
	case KindDirp:
		return &Dirp{Ptr{intArg{base}}, s}
	case KindFD:
		return &FD{intArg{base}}
	case KindPath:
		return &Path{strArg{base}, str}
	case KindFlag:
		return &Flag{intArg{base}}
	case KindMode:
		flag, hasFlag := s.byName["flag"].(*Flag)
		return &Mode{intArg{base}, !hasFlag || flag.Chk(linux.O_CREAT)}
	case KindAtFD:
		return &AtFD{FD{intArg{base}}}
	case KindStatP:
		return &StatP{Ptr{intArg{base}}}
	case KindFcntlCmd:
		return &FcntlCmd{intArg{base}}
	case KindSysc:
		return &SyscallNum{base}
	}
	return &Int{intArg{base}}
}

// Name returns the resolved syscall name, or "N/A".
func (s *Syscall) Name() string { return s.name }

// State returns the lifecycle state.
func (s *Syscall) State() State { return s.state }

// Entering reports whether the exit stop has not been decoded yet.
func (s *Syscall) Entering() bool { return s.state == Entering }

// Exiting reports whether Update has run.
func (s *Syscall) Exiting() bool { return s.state == Exiting }

// Regs returns the entry-time register snapshot.
func (s *Syscall) Regs() linux.PtraceRegs { return s.regs }

// Task returns the tracee the observation is bound to.
func (s *Syscall) Task() Task { return s.task }

// Args returns the decoded arguments in schema order.
func (s *Syscall) Args() []Arg { return s.args }

// Arg returns the argument at position i, or nil.
func (s *Syscall) Arg(i int) Arg {
	if i < 0 || i >= len(s.args) {
		return nil
	}
	return s.args[i]
}

// ArgName returns the argument exposed under the schema local name, or
// nil. After Update the return value is also reachable here under the
// return descriptor's name; on a collision with an argument name the
// return wins.
func (s *Syscall) ArgName(name string) Arg { return s.byName[name] }

// Ret returns the decoded return value; nil while entering.
func (s *Syscall) Ret() Arg { return s.ret }

// Update decodes the matching syscall-exit stop. It must be called
// exactly once, while the observation is entering. A differing syscall
// number at exit yields a non-nil advisory; the observation still
// completes from the exit-time registers.
func (s *Syscall) Update() (*Inconsistency, error) {
	if s.state != Entering {
		return nil, fmt.Errorf("update of %s observation", s.state)
	}
	regs, err := s.task.GetRegs()
	if err != nil {
		return nil, err
	}
	var adv *Inconsistency
	if regs.Orig_rax != s.regs.Orig_rax {
		adv = &Inconsistency{Name: s.name, EntryNum: s.regs.Orig_rax, ExitNum: regs.Orig_rax}
	}
	ret, err := s.decodeRet(&regs)
	if err != nil {
		return nil, err
	}
	s.ret = ret
	s.byName[s.retDesc.Name] = ret
	s.state = Exiting
	return adv, nil
}

func (s *Syscall) decodeRet(regs *linux.PtraceRegs) (Arg, error) {
	raw := regs.Rax
	var str string
	if isStrKind(s.retDesc.Kind) {
		v, err := s.task.ReadString(raw)
		if err != nil {
			return nil, err
		}
		str = v
	}
	return s.newArg(s.retDesc.Kind, raw, str, -1), nil
}

// refreshRet re-decodes the return value after an output buffer rewrite
// changed it.
func (s *Syscall) refreshRet(raw uint64) {
	if s.state != Exiting {
		return
	}
	ret := s.newArg(s.retDesc.Kind, raw, "", -1)
	s.ret = ret
	s.byName[s.retDesc.Name] = ret
}

// String renders the observation strace style:
// "[pid]> open(/etc/hosts,O_RDONLY,-)" entering; once exiting the marker
// becomes "<" and " = ret" is appended.
func (s *Syscall) String() string {
	dir := ">"
	if s.Exiting() {
		dir = "<"
	}
	parts := make([]string, len(s.args))
	for i, a := range s.args {
		parts[i] = a.String()
	}
	out := fmt.Sprintf("[%d]%s %s(%s)", s.task.Pid(), dir, s.name, strings.Join(parts, ","))
	if s.Exiting() {
		out += " = " + s.ret.String()
	}
	return out
}
