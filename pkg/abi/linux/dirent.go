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

import (
	"encoding/binary"
	"fmt"
)

// File types reported in the d_type field of a dirent, from
// include/dirent.h.
const (
	DT_UNKNOWN = 0
	DT_FIFO    = 1
	DT_CHR     = 2
	DT_DIR     = 4
	DT_BLK     = 6
	DT_REG     = 8
	DT_LNK     = 10
	DT_SOCK    = 14
)

const (
	// direntHdrLen is the packed size of d_ino, d_off and d_reclen.
	direntHdrLen = 18

	// direntAlign is the record alignment getdents(2) buffers use on
	// tmpfs; emitted records abide by it.
	direntAlign = 24
)

// Dirent is one record in the getdents(2) buffer layout (linux_dirent).
// The byte at Reclen-1 within a packed record carries Type; Name occupies
// the bytes between the header and the NUL pad preceding it.
type Dirent struct {
	Ino    uint64
	Off    uint64
	Reclen uint16
	Name   string
	Type   uint8
}

// DirentRecLen returns the record length for a name of the given length:
// header + name + NUL + type byte, rounded up to the record alignment.
func DirentRecLen(nameLen int) uint16 {
	n := direntHdrLen + nameLen + 2
	return uint16((n + direntAlign - 1) / direntAlign * direntAlign)
}

// NewDirent returns a record for name with Reclen computed.
func NewDirent(ino, off uint64, name string, typ uint8) Dirent {
	return Dirent{
		Ino:    ino,
		Off:    off,
		Reclen: DirentRecLen(len(name)),
		Name:   name,
		Type:   typ,
	}
}

// Pack emits the record in the kernel byte layout. It panics if Reclen
// cannot hold the header, the name, the NUL pad and the type byte; records
// built with NewDirent always can.
func (d Dirent) Pack() []byte {
	if int(d.Reclen) < direntHdrLen+len(d.Name)+2 {
		panic(fmt.Sprintf("dirent %q: reclen %d too small", d.Name, d.Reclen))
	}
	b := make([]byte, d.Reclen)
	binary.LittleEndian.PutUint64(b[0:], d.Ino)
	binary.LittleEndian.PutUint64(b[8:], d.Off)
	binary.LittleEndian.PutUint16(b[16:], d.Reclen)
	copy(b[direntHdrLen:], d.Name)
	b[d.Reclen-1] = d.Type
	return b
}

// PackDirents concatenates the packed form of each record.
func PackDirents(ds []Dirent) []byte {
	var b []byte
	for _, d := range ds {
		b = append(b, d.Pack()...)
	}
	return b
}

// ParseDirents decodes a contiguous buffer of records.
func ParseDirents(blob []byte) ([]Dirent, error) {
	var ds []Dirent
	for beg := 0; beg < len(blob); {
		if len(blob)-beg < direntHdrLen {
			return nil, fmt.Errorf("dirent at %#x: %d bytes left, need %d header bytes", beg, len(blob)-beg, direntHdrLen)
		}
		d := Dirent{
			Ino:    binary.LittleEndian.Uint64(blob[beg:]),
			Off:    binary.LittleEndian.Uint64(blob[beg+8:]),
			Reclen: binary.LittleEndian.Uint16(blob[beg+16:]),
		}
		end := beg + int(d.Reclen)
		if int(d.Reclen) < direntHdrLen+2 || end > len(blob) {
			return nil, fmt.Errorf("dirent at %#x: bad reclen %d", beg, d.Reclen)
		}
		name := blob[beg+direntHdrLen : end-1]
		for len(name) > 0 && name[len(name)-1] == 0 {
			name = name[:len(name)-1]
		}
		d.Name = string(name)
		d.Type = blob[end-1]
		ds = append(ds, d)
		beg = end
	}
	return ds, nil
}
