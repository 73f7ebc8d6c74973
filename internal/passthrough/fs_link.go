// Copyright 2025 Google LLC
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

package passthrough

import (
	"context"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

func (fs *FileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parent, ok := fs.table.Lookup(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	symErr := asCaller(fs.DefaultUID, fs.DefaultGID, func() error {
		return unix.Symlinkat(op.Target, parent.fd, op.Name)
	})
	if symErr != nil {
		return symErr
	}

	fs.bumpVersion(parent)

	child, err := fs.lookupChild(parent, op.Name)
	if err != nil {
		return err
	}
	if err := fs.fillEntry(&op.Entry, child); err != nil {
		fs.releaseInode(child, 1)
		return err
	}
	return nil
}

// ReadSymlink performs readlinkat with an empty path, failing with
// ENAMETOOLONG if the buffer fills
// exactly (an ambiguous result -- we cannot tell whether the real target
// was truncated).
func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	in, ok := fs.table.Lookup(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlinkat(in.fd, "", buf)
	if err != nil {
		return err
	}
	if n == len(buf) {
		return unix.ENAMETOOLONG
	}

	op.Target = string(buf[:n])
	return nil
}

// CreateLink implements link(2): hardlinking a non-symlink goes through
// the self-fd path with AT_SYMLINK_FOLLOW; a symlink target has no
// race-free variant, so it falls back to linkat with AT_EMPTY_PATH and, if
// that fails, the path resolver unless norace forbids it. The new
// directory entry takes one more kernel reference on the target.
func (fs *FileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	newParent, ok := fs.table.Lookup(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	target, ok := fs.table.Lookup(op.Target)
	if !ok {
		return fuse.ENOENT
	}

	if err := fs.hardlink(target, newParent, op.Name); err != nil {
		return err
	}

	fs.table.AddRef(target)

	fs.bumpVersion(target)
	fs.bumpVersion(newParent)

	if err := fs.fillEntry(&op.Entry, target); err != nil {
		fs.releaseInode(target, 1)
		return err
	}
	return nil
}

func (fs *FileSystem) hardlink(target, newParent *Inode, newName string) error {
	if !target.isSymlink {
		return unix.Linkat(unix.AT_FDCWD, selfFDPath(target.fd), newParent.fd, newName, unix.AT_SYMLINK_FOLLOW)
	}

	// linkat with AT_EMPTY_PATH needs CAP_DAC_READ_SEARCH on most kernels;
	// try it anyway before falling back to the resolver.
	if err := unix.Linkat(target.fd, "", newParent.fd, newName, unix.AT_EMPTY_PATH); err == nil {
		return nil
	}

	if fs.NoRace {
		return unix.EPERM
	}

	parent, leaf, err := resolvePathless(fs.table, target)
	if err != nil {
		return err
	}
	defer fs.table.Unref(parent, 1)

	return unix.Linkat(parent.fd, leaf, newParent.fd, newName, 0)
}

// Rename performs a plain renameat; the transport rejects flagged
// renames itself before they reach this method.
// Every inode whose identity may have changed gets a version bump: the
// source and (if present) the replaced target, plus both parents.
func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, ok := fs.table.Lookup(op.OldParent)
	if !ok {
		return fuse.ENOENT
	}
	newParent, ok := fs.table.Lookup(op.NewParent)
	if !ok {
		return fuse.ENOENT
	}

	source, sourceErr := fs.lookupChild(oldParent, op.OldName)
	target, targetErr := fs.lookupChild(newParent, op.NewName)

	renameErr := unix.Renameat(oldParent.fd, op.OldName, newParent.fd, op.NewName)

	if renameErr == nil {
		if sourceErr == nil {
			fs.bumpVersion(source)
		}
		if targetErr == nil {
			fs.bumpVersion(target)
		}
		fs.bumpVersion(oldParent)
		fs.bumpVersion(newParent)
	}

	if sourceErr == nil {
		fs.releaseInode(source, 1)
	}
	if targetErr == nil {
		fs.releaseInode(target, 1)
	}
	return renameErr
}
