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

//go:build linux
// +build linux

package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/talismancer/sandtrap/pkg/abi/linux"
	"golang.org/x/sys/unix"
)

func TestReadDirents(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("a.txt", filepath.Join(dir, "link")); err != nil {
		t.Fatal(err)
	}

	ds := ReadDirents(dir)
	if len(ds) != 3 {
		t.Fatalf("got %d records, want 3", len(ds))
	}
	types := make(map[string]uint8)
	for i, d := range ds {
		if got, want := d.Off, uint64(i+1); got != want {
			t.Errorf("%s: off = %d, want %d", d.Name, got, want)
		}
		if d.Ino == 0 {
			t.Errorf("%s: zero inode", d.Name)
		}
		if d.Reclen%24 != 0 {
			t.Errorf("%s: reclen %d not aligned", d.Name, d.Reclen)
		}
		types[d.Name] = d.Type
	}
	for name, want := range map[string]uint8{
		"a.txt": linux.DT_REG,
		"sub":   linux.DT_DIR,
		"link":  linux.DT_LNK,
	} {
		if got, ok := types[name]; !ok || got != want {
			t.Errorf("type of %q = %d, %t; want %d", name, got, ok, want)
		}
	}
}

func TestReadDirentsMissing(t *testing.T) {
	if ds := ReadDirents("/no/such/directory"); len(ds) != 0 {
		t.Errorf("got %d records for a missing directory", len(ds))
	}
}

func TestModeToDirentType(t *testing.T) {
	for mode, want := range map[uint32]uint8{
		unix.S_IFREG | 0644: linux.DT_REG,
		unix.S_IFDIR | 0755: linux.DT_DIR,
		unix.S_IFLNK | 0777: linux.DT_LNK,
		unix.S_IFSOCK:       linux.DT_SOCK,
		unix.S_IFIFO:        linux.DT_FIFO,
		unix.S_IFBLK:        linux.DT_BLK,
		unix.S_IFCHR:        linux.DT_CHR,
		0:                   linux.DT_UNKNOWN,
	} {
		if got := modeToDirentType(mode); got != want {
			t.Errorf("modeToDirentType(%#o) = %d, want %d", mode, got, want)
		}
	}
}

func TestNewChrootValidation(t *testing.T) {
	if _, err := NewChroot("/no/such/root", "/"); err == nil {
		t.Error("missing root accepted")
	}
	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewChroot(f, "/"); err == nil {
		t.Error("non-directory root accepted")
	}
	if _, err := NewChroot(t.TempDir(), ""); err != nil {
		t.Errorf("valid root rejected: %v", err)
	}
}

func TestNegErrno(t *testing.T) {
	if got := negErrno(unix.EPERM); int64(got) != -1 {
		t.Errorf("negErrno(EPERM) = %d, want -1", int64(got))
	}
	if got := negErrno(unix.ENOENT); int64(got) != -2 {
		t.Errorf("negErrno(ENOENT) = %d, want -2", int64(got))
	}
}
