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

package cmd

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"github.com/talismancer/sandtrap/pkg/ptrace"
	"github.com/talismancer/sandtrap/pkg/sandbox"
	"github.com/talismancer/sandtrap/sandtrap/config"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Run implements subcommands.Command for the "run" command.
type Run struct{}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "trace a command, rewriting its syscalls per the configured policy"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <command> [args...] - trace a command
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Run) SetFlags(f *flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	argv := f.Args()
	if len(argv) == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	var policy sandbox.Policy = sandbox.Logger{}
	if conf.Root != "" {
		ch, err := sandbox.NewChroot(conf.Root, conf.Cwd)
		if err != nil {
			logrus.Errorf("configuring shadow root: %v", err)
			return subcommands.ExitFailure
		}
		ch.Deny(conf.Deny...)
		policy = ch
	}

	// Start locks this goroutine to its OS thread; the trace loop must
	// keep running here. Everything else goes through the group.
	tracee, err := ptrace.Start(argv[0], argv[1:], os.Environ())
	if err != nil {
		logrus.Errorf("starting tracee: %v", err)
		return subcommands.ExitFailure
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// Forward termination signals to the tracee; it decides how to die.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigCh)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case sig := <-sigCh:
				unix.Kill(tracee.Pid(), sig.(unix.Signal))
			}
		}
	})

	sb := sandbox.New(tracee, policy)
	sb.LogCalls = conf.Strace
	runErr := sb.Run()
	cancel()
	if err := g.Wait(); err != nil {
		logrus.Warnf("signal forwarder: %v", err)
	}
	if runErr != nil {
		logrus.Errorf("trace loop: %v", runErr)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
