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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	return fs
}

func TestDefaults(t *testing.T) {
	fs := newFlagSet()
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	conf, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	if conf.Debug || conf.Strace || conf.Root != "" {
		t.Errorf("unexpected defaults: %+v", conf)
	}
	if conf.Cwd != "/" || conf.LogFormat != "text" {
		t.Errorf("unexpected defaults: %+v", conf)
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.toml")
	if err := os.WriteFile(path, []byte(`
debug = true
root = "/from-file"
cwd = "/srv"
deny = ["unlink", "rename"]
`), 0644); err != nil {
		t.Fatal(err)
	}

	fs := newFlagSet()
	if err := fs.Parse([]string{"-config", path, "-root", "/from-flag"}); err != nil {
		t.Fatal(err)
	}
	conf, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	if !conf.Debug {
		t.Error("debug from file not applied")
	}
	if got, want := conf.Root, "/from-flag"; got != want {
		t.Errorf("root = %q, want the flag to win over the file", got)
	}
	if got, want := conf.Cwd, "/srv"; got != want {
		t.Errorf("cwd = %q, want %q", got, want)
	}
	if len(conf.Deny) != 2 {
		t.Errorf("deny = %v", conf.Deny)
	}
}

func TestBadLogFormat(t *testing.T) {
	fs := newFlagSet()
	if err := fs.Parse([]string{"-log-format", "yaml"}); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFromFlags(fs); err == nil {
		t.Error("bad log format accepted")
	}
}
