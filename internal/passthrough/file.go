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

// openByInode reopens the inode's current target through the self-fd
// directory. The transport does not forward the caller's access mode, and
// the kernel's mmap write-back path reads through whatever descriptor we
// keep, so the open is attempted read-write first and degrades to
// read-only, then write-only, when the host refuses access.
func openByInode(in *Inode) (int, error) {
	path := selfFDPath(in.fd)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != unix.EACCES {
		return fd, err
	}
	fd, err = unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != unix.EACCES {
		return fd, err
	}
	return unix.Open(path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
}

func (fs *FileSystem) registerFile(fd int) fuseops.HandleID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextHandle++
	fs.files[fs.nextHandle] = &fileHandle{fd: fd}
	return fs.nextHandle
}

func (fs *FileSystem) lookupFile(h fuseops.HandleID) (*fileHandle, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fh, ok := fs.files[h]
	return fh, ok
}

// OpenFile reopens the inode through the self-fd symlink, applies the
// cache-mode hints, and stashes the resulting fd on a new open handle.
func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	in, ok := fs.table.Lookup(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	fd, err := openByInode(in)
	if err != nil {
		return err
	}

	op.Handle = fs.registerFile(fd)
	op.UseDirectIO = fs.DirectIO
	op.KeepPageCache = fs.KeepPageCache
	return nil
}

// CreateFile adopts the configured credentials for the create, opens
// read-write under the parent, bumps the parent's version, then looks the
// child up to produce the returned entry the way MkDir and CreateSymlink
// do.
func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent, ok := fs.table.Lookup(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	var fd int
	createErr := asCaller(fs.DefaultUID, fs.DefaultGID, func() error {
		var openErr error
		fd, openErr = unix.Openat(parent.fd, op.Name,
			unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, sysPermBits(op.Mode))
		return openErr
	})
	if createErr != nil {
		return createErr
	}

	fs.bumpVersion(parent)

	child, err := fs.lookupChild(parent, op.Name)
	if err != nil {
		unix.Close(fd)
		return err
	}
	if err := fs.fillEntry(&op.Entry, child); err != nil {
		unix.Close(fd)
		fs.releaseInode(child, 1)
		return err
	}

	op.Handle = fs.registerFile(fd)
	return nil
}

// MkNode creates FIFOs, sockets and regular files: same
// credential-shim-then-lookup shape as MkDir and CreateSymlink, using
// mknodat in place of mkdirat/symlinkat. The transport does not carry a
// device number, so device nodes get rdev 0.
func (fs *FileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	parent, ok := fs.table.Lookup(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	mkErr := asCaller(fs.DefaultUID, fs.DefaultGID, func() error {
		return unix.Mknodat(parent.fd, op.Name, sysMode(op.Mode), 0)
	})
	if mkErr != nil {
		return mkErr
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

// ReadFile preads from the open's fd straight into the reply buffer's
// Dst slice.
func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fh, ok := fs.lookupFile(op.Handle)
	if !ok {
		return fuse.EIO
	}

	n, err := unix.Pread(fh.fd, op.Dst, op.Offset)
	if err != nil {
		return err
	}
	op.BytesRead = n
	return nil
}

// WriteFile pwrites the incoming buffer to the open's fd at the given
// offset, then bumps the inode's version since the write mutates file
// content.
func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fh, ok := fs.lookupFile(op.Handle)
	if !ok {
		return fuse.EIO
	}

	if _, err := unix.Pwrite(fh.fd, op.Data, op.Offset); err != nil {
		return err
	}

	if in, ok := fs.table.Lookup(op.Inode); ok {
		fs.bumpVersion(in)
	}
	return nil
}

// FlushFile dups the open fd and closes the dup, which drains any pending
// state for the descriptor without invalidating the open handle itself
// (the handle may still be read from or written to after a flush).
func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	fh, ok := fs.lookupFile(op.Handle)
	if !ok {
		return nil
	}

	dup, err := unix.Dup(fh.fd)
	if err != nil {
		return err
	}
	return unix.Close(dup)
}

// SyncFile fdatasyncs the open's fd, or, when no open handle was
// supplied, reopens through the self-fd directory, syncs that descriptor
// and closes it again.
func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	if fh, ok := fs.lookupFile(op.Handle); ok {
		return unix.Fdatasync(fh.fd)
	}

	in, ok := fs.table.Lookup(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	fd, err := openByInode(in)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Fdatasync(fd)
}

// ReleaseFileHandle closes the fd that OpenFile or CreateFile stashed on
// this handle.
func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	fh, ok := fs.files[op.Handle]
	if ok {
		delete(fs.files, op.Handle)
	}
	fs.mu.Unlock()

	if ok {
		unix.Close(fh.fd)
	}
	return nil
}

// Fallocate rejects nonzero modes (punch a hole, collapse a range, and so
// on) with EOPNOTSUPP, since they have no single portable posix_fallocate
// equivalent; a plain zero-and-extend allocation bumps the inode's
// version the same as a write.
func (fs *FileSystem) Fallocate(ctx context.Context, op *fuseops.FallocateOp) error {
	if op.Mode != 0 {
		return unix.EOPNOTSUPP
	}

	fh, ok := fs.lookupFile(op.Handle)
	if !ok {
		return fuse.EIO
	}

	if err := unix.Fallocate(fh.fd, 0, int64(op.Offset), int64(op.Length)); err != nil {
		return err
	}

	if in, ok := fs.table.Lookup(op.Inode); ok {
		fs.bumpVersion(in)
	}
	return nil
}
