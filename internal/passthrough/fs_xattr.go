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

// xattrPath returns the self-fd path form xattr syscalls need:
// extended-attribute calls have no AT_EMPTY_PATH/fd-only variant
// on Linux, so every xattr op goes through the magic symlink instead of
// the inode's O_PATH fd directly. Symlink targets get EPERM: following
// the self-fd link would race a concurrent rename.
func (fs *FileSystem) xattrPath(in *Inode) (string, error) {
	if !fs.Xattr {
		return "", fuse.ENOSYS
	}
	if in.isSymlink {
		return "", unix.EPERM
	}
	return selfFDPath(in.fd), nil
}

// GetXattr reads one extended attribute. An empty Dst is the
// kernel's size probe; the host syscall returns the attribute size when
// handed a zero-length buffer, which is exactly the reply wanted.
func (fs *FileSystem) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	in, ok := fs.table.Lookup(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	path, err := fs.xattrPath(in)
	if err != nil {
		return err
	}

	n, err := unix.Getxattr(path, op.Name, op.Dst)
	if err != nil {
		return err
	}
	op.BytesRead = n
	return nil
}

// ListXattr lists the attribute names, NUL-separated, the same shape the
// host syscall produces.
func (fs *FileSystem) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	in, ok := fs.table.Lookup(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	path, err := fs.xattrPath(in)
	if err != nil {
		return err
	}

	n, err := unix.Listxattr(path, op.Dst)
	if err != nil {
		return err
	}
	op.BytesRead = n
	return nil
}

// SetXattr writes one extended attribute; a successful mutation bumps
// the inode's version the same as a write or a create.
func (fs *FileSystem) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	in, ok := fs.table.Lookup(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	path, err := fs.xattrPath(in)
	if err != nil {
		return err
	}

	if err := unix.Setxattr(path, op.Name, op.Value, int(op.Flags)); err != nil {
		return err
	}

	fs.bumpVersion(in)
	return nil
}

// RemoveXattr deletes one extended attribute.
func (fs *FileSystem) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	in, ok := fs.table.Lookup(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	path, err := fs.xattrPath(in)
	if err != nil {
		return err
	}

	if err := unix.Removexattr(path, op.Name); err != nil {
		return err
	}

	fs.bumpVersion(in)
	return nil
}
