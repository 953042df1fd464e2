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
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/talismancer/sandtrap/pkg/abi/linux"
	"github.com/talismancer/sandtrap/pkg/strace"
	"golang.org/x/sys/unix"
)

// invalidSysno neutralizes a syscall when written to orig_rax: the kernel
// executes nothing and returns ENOSYS.
const invalidSysno = ^uint64(0)

// negErrno returns -e as the raw return word.
func negErrno(e unix.Errno) uint64 {
	return ^uint64(e) + 1
}

// dirFD tracks one open directory for listing synthesis.
type dirFD struct {
	// orig is the pre-redirect absolute path; shadow is the path the
	// kernel actually opened.
	orig   string
	shadow string
	served bool
}

// Chroot is the shadow-tree policy: every pathname the tracee passes is
// redirected under root before the kernel sees it, and directory
// listings are synthesized as the union of the shadow and the original
// tree. Optionally, named syscalls are denied outright.
type Chroot struct {
	root string
	cwd  string
	deny map[string]bool

	dirFDs   map[int64]*dirFD
	restores []func() error
	denied   bool
	log      *logrus.Entry
}

// NewChroot returns the policy for the shadow tree rooted at root. The
// tracee's working directory is assumed to start at cwd ("/" if empty).
func NewChroot(root, cwd string) (*Chroot, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("shadow root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("shadow root %q is not a directory", root)
	}
	if cwd == "" {
		cwd = "/"
	}
	return &Chroot{
		root:   root,
		cwd:    filepath.Clean(cwd),
		deny:   make(map[string]bool),
		dirFDs: make(map[int64]*dirFD),
		log:    logrus.WithField("root", root),
	}, nil
}

// Deny neutralizes every future occurrence of the named syscalls; the
// tracee sees EPERM.
func (c *Chroot) Deny(names ...string) {
	for _, n := range names {
		c.deny[n] = true
	}
}

// OnEnter redirects path arguments into the shadow tree and neutralizes
// denied syscalls.
func (c *Chroot) OnEnter(sc *strace.Syscall) error {
	if c.deny[sc.Name()] {
		nr := strace.NewSyscallNum(sc.Regs().Orig_rax)
		if err := nr.Hijack(sc.Task(), invalidSysno); err != nil {
			return err
		}
		c.denied = true
		return nil
	}

	for _, arg := range sc.Args() {
		p, ok := arg.(*strace.Path)
		if !ok {
			continue
		}
		if c.skipRedirect(sc, p) {
			continue
		}
		shadow, err := p.Chroot(c.root, c.cwd)
		if err != nil {
			return err
		}
		if err := p.Hijack(sc.Task(), shadow); err != nil {
			return err
		}
		c.restores = append(c.restores, func() error { return p.Restore(sc.Task()) })
	}
	return nil
}

// skipRedirect reports whether a path argument must be left alone: a
// relative path resolved against an open dir-fd has no host-visible
// anchor to translate.
func (c *Chroot) skipRedirect(sc *strace.Syscall, p *strace.Path) bool {
	if filepath.IsAbs(p.Path()) {
		return false
	}
	dirfd, ok := sc.ArgName("dirfd").(*strace.AtFD)
	if ok && dirfd.Val() != linux.AT_FDCWD {
		c.log.Debugf("leaving %q alone: relative to fd %d", p.Path(), dirfd.Val())
		return true
	}
	return false
}

// OnExit undoes entry-time hijacks, forces the return of denied calls,
// and maintains the cwd and directory-fd bookkeeping.
func (c *Chroot) OnExit(sc *strace.Syscall) error {
	defer func() {
		for i := len(c.restores) - 1; i >= 0; i-- {
			if err := c.restores[i](); err != nil {
				c.log.Warnf("restore after %s: %v", sc.Name(), err)
			}
		}
		c.restores = c.restores[:0]
	}()

	if c.denied {
		c.denied = false
		ret, ok := sc.Ret().(*strace.Err)
		if !ok {
			return fmt.Errorf("denied %s has no error return", sc.Name())
		}
		return ret.Restore(sc.Task(), negErrno(unix.EPERM))
	}

	switch sc.Name() {
	case "open", "openat", "creat":
		c.trackOpen(sc)
	case "close":
		if fd, ok := sc.ArgName("fd").(*strace.FD); ok {
			delete(c.dirFDs, fd.Val())
		}
	case "chdir":
		if ret, ok := sc.Ret().(*strace.Err); ok && ret.OK() {
			if p, ok := sc.ArgName("path").(*strace.Path); ok {
				c.cwd = p.Normpath(c.cwd)
			}
		}
	case "getdents":
		return c.rewriteDirents(sc)
	}
	return nil
}

// trackOpen records successfully opened directories so their listings can
// be synthesized later.
func (c *Chroot) trackOpen(sc *strace.Syscall) {
	ret, ok := sc.Ret().(*strace.FD)
	if !ok || ret.Failed() {
		return
	}
	p, ok := sc.ArgName("path").(*strace.Path)
	if !ok || c.skipRedirect(sc, p) {
		return
	}
	shadow, err := p.Chroot(c.root, c.cwd)
	if err != nil {
		return
	}
	fi, err := os.Stat(shadow)
	if err != nil || !fi.IsDir() {
		return
	}
	c.dirFDs[ret.Val()] = &dirFD{orig: p.Normpath(c.cwd), shadow: shadow}
}

// rewriteDirents replaces the kernel's listing of a shadow directory with
// the union of the shadow and the original tree. The union is served on
// the first successful call; later calls are truncated to end the
// stream.
func (c *Chroot) rewriteDirents(sc *strace.Syscall) error {
	fd, ok := sc.ArgName("fd").(*strace.FD)
	if !ok {
		return nil
	}
	d, ok := c.dirFDs[fd.Val()]
	if !ok {
		return nil
	}
	ret, ok := sc.Ret().(*strace.Int)
	if !ok || int64(ret.Raw()) < 0 {
		return nil
	}
	dirp, ok := sc.ArgName("dirp").(*strace.Dirp)
	if !ok {
		return nil
	}
	if d.served {
		return dirp.Restore(sc.Task(), nil)
	}
	d.served = true

	ents := ReadDirents(d.shadow)
	seen := make(map[string]bool, len(ents))
	for _, e := range ents {
		seen[e.Name] = true
	}
	for _, e := range ReadDirents(d.orig) {
		if !seen[e.Name] {
			ents = append(ents, e)
		}
	}
	// Renumber offsets after the merge.
	for i := range ents {
		ents[i].Off = uint64(i + 1)
	}

	size, ok := sc.ArgName("size").(*strace.Int)
	if !ok {
		return nil
	}
	blob := linux.PackDirents(ents)
	for len(blob) > 0 && uint64(len(blob)) > size.Val() {
		ents = ents[:len(ents)-1]
		blob = linux.PackDirents(ents)
		c.log.Warnf("directory %q: union listing truncated to %d entries", d.orig, len(ents))
	}
	return dirp.Restore(sc.Task(), blob)
}
