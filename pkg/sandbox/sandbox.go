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

// Package sandbox drives one tracee through paired syscall stops and
// hands each observation to a policy. Policies rewrite arguments on entry
// and returns or output buffers on exit through the typed argument
// interface; the driver itself never inspects their decisions.
package sandbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/talismancer/sandtrap/pkg/ptrace"
	"github.com/talismancer/sandtrap/pkg/strace"
	"golang.org/x/time/rate"
)

// Tracee is the process a sandbox drives: the observation surface plus
// stepping and release.
type Tracee interface {
	strace.Task
	StepToSyscall() error
	Detach() error
}

// Policy decides rewrites. OnEnter runs at the syscall-entry stop before
// the kernel executes the call; OnExit runs after the exit stop has been
// decoded. An error from either aborts the run.
type Policy interface {
	OnEnter(sc *strace.Syscall) error
	OnExit(sc *strace.Syscall) error
}

// Sandbox runs the serial trace loop over one tracee. Entry and exit
// observations for distinct syscalls never interleave.
type Sandbox struct {
	tracee Tracee
	policy Policy

	// LogCalls logs every completed observation.
	LogCalls bool

	// advisories throttles entry/exit mismatch warnings; a signal storm
	// can produce them at syscall rate.
	advisories *rate.Limiter
	log        *logrus.Entry
}

// New returns a sandbox driving tracee under policy.
func New(tracee Tracee, policy Policy) *Sandbox {
	return &Sandbox{
		tracee:     tracee,
		policy:     policy,
		advisories: rate.NewLimiter(rate.Every(time.Second), 1),
		log:        logrus.WithField("pid", tracee.Pid()),
	}
}

// Run steps the tracee until it exits. The loop per syscall is: step to
// the entry stop, construct the observation, policy OnEnter, step to the
// exit stop, update the observation, policy OnExit.
func (s *Sandbox) Run() error {
	for {
		if err := s.tracee.StepToSyscall(); err != nil {
			if errors.Is(err, ptrace.ErrChildGone) {
				s.log.Debug("tracee exited")
				return nil
			}
			return err
		}
		sc, err := strace.NewSyscall(s.tracee)
		if err != nil {
			return fmt.Errorf("decoding syscall entry: %w", err)
		}
		if err := s.policy.OnEnter(sc); err != nil {
			return fmt.Errorf("policy on %s entry: %w", sc.Name(), err)
		}

		if err := s.tracee.StepToSyscall(); err != nil {
			if errors.Is(err, ptrace.ErrChildGone) {
				// The final syscall never returns; anything else
				// vanishing mid-pair leaves unrestored hijacks
				// behind.
				if name := sc.Name(); name == "exit" || name == "exit_group" || name == "execve" {
					return nil
				}
				return fmt.Errorf("tracee gone inside %s: %w", sc.Name(), err)
			}
			return err
		}
		adv, err := sc.Update()
		if err != nil {
			return fmt.Errorf("decoding syscall exit: %w", err)
		}
		if adv != nil && s.advisories.Allow() {
			s.log.Warnf("inconsistent syscall pair: %s", adv)
		}
		if err := s.policy.OnExit(sc); err != nil {
			return fmt.Errorf("policy on %s exit: %w", sc.Name(), err)
		}
		if s.LogCalls {
			s.log.Info(sc.String())
		}
	}
}
