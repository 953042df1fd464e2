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

	"github.com/talismancer/sandtrap/pkg/abi/linux"
	"golang.org/x/sys/unix"
)

// modeToDirentType maps an S_IFMT file mode to the d_type code.
func modeToDirentType(mode uint32) uint8 {
	switch mode & unix.S_IFMT {
	case unix.S_IFBLK:
		return linux.DT_BLK
	case unix.S_IFCHR:
		return linux.DT_CHR
	case unix.S_IFDIR:
		return linux.DT_DIR
	case unix.S_IFIFO:
		return linux.DT_FIFO
	case unix.S_IFLNK:
		return linux.DT_LNK
	case unix.S_IFREG:
		return linux.DT_REG
	case unix.S_IFSOCK:
		return linux.DT_SOCK
	}
	return linux.DT_UNKNOWN
}

// ReadDirents builds the getdents records for a host directory by
// stat-ing each entry. Offsets start at 1 and increment; inode numbers
// come from the underlying stat. A missing or non-directory path yields
// no records.
func ReadDirents(path string) []linux.Dirent {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil
	}
	var ds []linux.Dirent
	off := uint64(1)
	for _, e := range entries {
		var st unix.Stat_t
		if err := unix.Lstat(filepath.Join(path, e.Name()), &st); err != nil {
			continue
		}
		ds = append(ds, linux.NewDirent(st.Ino, off, e.Name(), modeToDirentType(st.Mode)))
		off++
	}
	return ds
}
