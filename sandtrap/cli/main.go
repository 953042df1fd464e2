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

// Package cli is the main entrypoint for sandtrap.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"github.com/talismancer/sandtrap/pkg/strace"
	"github.com/talismancer/sandtrap/sandtrap/cmd"
	"github.com/talismancer/sandtrap/sandtrap/config"
)

// Main is the main entrypoint.
func Main() {
	// Help and flags commands are generated automatically.
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")

	subcommands.Register(new(cmd.Run), "")
	subcommands.Register(new(cmd.Syscalls), "")

	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandtrap: %v\n", err)
		os.Exit(128)
	}

	// Set up logging. Stdout and stdin belong to the traced
	// application; logs go to stderr or the configured file.
	if conf.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if conf.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	if conf.LogFilename != "" {
		f, err := os.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sandtrap: opening log file %q: %v\n", conf.LogFilename, err)
			os.Exit(128)
		}
		logrus.SetOutput(f)
	}

	if conf.SyscallTable != "" {
		if err := strace.LoadTable(conf.SyscallTable); err != nil {
			logrus.Fatalf("loading syscall table: %v", err)
		}
	}

	logrus.Debugf("Args: %s", os.Args)
	logrus.Debugf("GOOS: %s GOARCH: %s PID: %d", runtime.GOOS, runtime.GOARCH, os.Getpid())
	logrus.Debugf("Root: %q Cwd: %q Strace: %t", conf.Root, conf.Cwd, conf.Strace)

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}
