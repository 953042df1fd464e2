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
	"encoding/binary"
	"fmt"

	"github.com/talismancer/sandtrap/pkg/abi/linux"
)

// fakeTask implements Task over an in-memory register file and a sparse
// byte-addressed memory. Unmapped memory reads as zero, like a fresh
// stack page.
type fakeTask struct {
	pid  int
	regs linux.PtraceRegs
	mem  map[uint64]byte
}

func newFakeTask() *fakeTask {
	return &fakeTask{pid: 1234, mem: make(map[uint64]byte)}
}

func (t *fakeTask) Pid() int { return t.pid }

func (t *fakeTask) GetRegs() (linux.PtraceRegs, error) { return t.regs, nil }

func (t *fakeTask) SetRegs(regs *linux.PtraceRegs) error {
	t.regs = *regs
	return nil
}

func (t *fakeTask) GetReg(name string) (uint64, error) {
	v, ok := t.regs.Reg(name)
	if !ok {
		return 0, fmt.Errorf("unknown register %q", name)
	}
	return v, nil
}

func (t *fakeTask) SetReg(name string, v uint64) error {
	if !t.regs.SetReg(name, v) {
		return fmt.Errorf("unknown register %q", name)
	}
	return nil
}

func (t *fakeTask) ReadWord(addr uint64) (uint64, error) {
	b, _ := t.ReadBytes(addr, 8)
	return binary.LittleEndian.Uint64(b), nil
}

func (t *fakeTask) WriteWord(addr, word uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], word)
	return t.WriteBytes(addr, b[:])
}

func (t *fakeTask) ReadString(addr uint64) (string, error) {
	var out []byte
	for i := uint64(0); ; i++ {
		c := t.mem[addr+i]
		if c == 0 {
			return string(out), nil
		}
		out = append(out, c)
	}
}

func (t *fakeTask) ReadBytes(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		out[i] = t.mem[addr+uint64(i)]
	}
	return out, nil
}

func (t *fakeTask) WriteBytes(addr uint64, b []byte) error {
	for i, c := range b {
		t.mem[addr+uint64(i)] = c
	}
	return nil
}

// setString materializes a NUL-terminated string in fake memory.
func (t *fakeTask) setString(addr uint64, s string) {
	t.WriteBytes(addr, append([]byte(s), 0))
}
