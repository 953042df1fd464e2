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

package linux

// PtraceRegs is the set of general purpose registers exposed by
// PTRACE_GETREGS on x86-64. The field order matches the kernel's
// user_regs_struct exactly; the same blob is exchanged with the kernel on
// both the get and the set path, so it must never be reordered.
type PtraceRegs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// reg returns a pointer to the field with the given kernel name.
func (r *PtraceRegs) reg(name string) *uint64 {
	switch name {
	case "r15":
		return &r.R15
	case "r14":
		return &r.R14
	case "r13":
		return &r.R13
	case "r12":
		return &r.R12
	case "rbp":
		return &r.Rbp
	case "rbx":
		return &r.Rbx
	case "r11":
		return &r.R11
	case "r10":
		return &r.R10
	case "r9":
		return &r.R9
	case "r8":
		return &r.R8
	case "rax":
		return &r.Rax
	case "rcx":
		return &r.Rcx
	case "rdx":
		return &r.Rdx
	case "rsi":
		return &r.Rsi
	case "rdi":
		return &r.Rdi
	case "orig_rax":
		return &r.Orig_rax
	case "rip":
		return &r.Rip
	case "cs":
		return &r.Cs
	case "eflags":
		return &r.Eflags
	case "rsp":
		return &r.Rsp
	case "ss":
		return &r.Ss
	case "fs_base":
		return &r.Fs_base
	case "gs_base":
		return &r.Gs_base
	case "ds":
		return &r.Ds
	case "es":
		return &r.Es
	case "fs":
		return &r.Fs
	case "gs":
		return &r.Gs
	}
	return nil
}

// Reg returns the value of the register with the given kernel name.
func (r *PtraceRegs) Reg(name string) (uint64, bool) {
	p := r.reg(name)
	if p == nil {
		return 0, false
	}
	return *p, true
}

// SetReg sets the register with the given kernel name. It reports whether
// the name was known.
func (r *PtraceRegs) SetReg(name string, v uint64) bool {
	p := r.reg(name)
	if p == nil {
		return false
	}
	*p = v
	return true
}

// syscallArgRegs is the x86-64 syscall argument register order.
var syscallArgRegs = [...]string{"rdi", "rsi", "rdx", "r10", "r8", "r9"}

// ArgReg returns the name of the register carrying the positional syscall
// argument seq. Seq -1 designates the return slot (rax).
func ArgReg(seq int) (string, bool) {
	if seq == -1 {
		return "rax", true
	}
	if seq < 0 || seq >= len(syscallArgRegs) {
		return "", false
	}
	return syscallArgRegs[seq], true
}
