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

package sandbox

import (
	"github.com/sirupsen/logrus"
	"github.com/talismancer/sandtrap/pkg/strace"
)

// Logger is the passthrough policy: it rewrites nothing and logs every
// observation.
type Logger struct{}

// OnEnter implements Policy.OnEnter.
func (Logger) OnEnter(sc *strace.Syscall) error {
	logrus.Debug(sc.String())
	return nil
}

// OnExit implements Policy.OnExit.
func (Logger) OnExit(sc *strace.Syscall) error {
	logrus.Info(sc.String())
	return nil
}
