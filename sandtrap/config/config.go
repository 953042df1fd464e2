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

// Package config holds the tool configuration: defaults, overridden by an
// optional TOML file, overridden by flags given on the command line.
package config

import (
	"flag"
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the sandtrap configuration.
type Config struct {
	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	// LogFilename receives the logs; empty means stderr.
	LogFilename string `toml:"log"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log-format"`

	// Strace logs every completed syscall observation.
	Strace bool `toml:"strace"`

	// Root is the shadow tree path-based syscalls are redirected into.
	// Empty disables redirection; syscalls pass through.
	Root string `toml:"root"`

	// Cwd is the working directory the tracee is assumed to start in,
	// used to resolve its relative paths.
	Cwd string `toml:"cwd"`

	// Deny lists syscall names to neutralize; the tracee sees EPERM.
	Deny []string `toml:"deny"`

	// SyscallTable optionally replaces the built-in syscall number
	// table with one read from this path.
	SyscallTable string `toml:"syscall-table"`
}

// RegisterFlags registers the flags that populate Config.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("config", "", "TOML file to load configuration from; flags given on the command line win.")
	fs.Bool("debug", false, "enable debug logging.")
	fs.String("log", "", "file path where logs are written, default is stderr.")
	fs.String("log-format", "text", "log format: text (default) or json.")
	fs.Bool("strace", false, "log every completed syscall observation.")
	fs.String("root", "", "shadow tree to redirect path-based syscalls into. Empty means passthrough.")
	fs.String("cwd", "/", "working directory the tracee starts in.")
	fs.String("syscall-table", "", "path to a syscall table file overriding the built-in one.")
}

// NewFromFlags builds a Config from the parsed flag set.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	conf := &Config{
		LogFormat: "text",
		Cwd:       "/",
	}
	if path := fs.Lookup("config").Value.String(); path != "" {
		if _, err := toml.DecodeFile(path, conf); err != nil {
			return nil, fmt.Errorf("loading config %q: %w", path, err)
		}
	}
	fs.Visit(func(f *flag.Flag) {
		get := func() interface{} { return f.Value.(flag.Getter).Get() }
		switch f.Name {
		case "debug":
			conf.Debug = get().(bool)
		case "log":
			conf.LogFilename = get().(string)
		case "log-format":
			conf.LogFormat = get().(string)
		case "strace":
			conf.Strace = get().(bool)
		case "root":
			conf.Root = get().(string)
		case "cwd":
			conf.Cwd = get().(string)
		case "syscall-table":
			conf.SyscallTable = get().(string)
		}
	})
	switch conf.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("invalid log format %q, must be 'text' or 'json'", conf.LogFormat)
	}
	return conf, nil
}
