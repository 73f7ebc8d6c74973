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
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"
)

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	in, ok := fs.table.Lookup(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	stream, err := newDirStream(in.fd)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	fs.nextHandle++
	handle := fs.nextHandle
	fs.dirs[handle] = stream
	fs.mu.Unlock()

	op.Handle = handle
	return nil
}

func (fs *FileSystem) lookupDir(h fuseops.HandleID) (*dirStream, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	stream, ok := fs.dirs[h]
	return stream, ok
}

// direntFuseType maps a raw d_type byte to the fuseutil.DT_* space the
// transport's on-wire dirent format expects.
func direntFuseType(raw uint8) fuseutil.DirentType {
	switch direntType(raw) {
	case unix.DT_DIR:
		return fuseutil.DT_Directory
	case unix.DT_LNK:
		return fuseutil.DT_Link
	case unix.DT_REG, unix.DT_BLK, unix.DT_CHR, unix.DT_FIFO, unix.DT_SOCK:
		return fuseutil.DT_File
	default:
		return fuseutil.DT_Unknown
	}
}

// suppressAfterFirst implements the partial-page error policy: an error with the
// reply buffer still empty is surfaced, but once entries have been placed
// the page is returned as-is, because rolling an accepted entry back would
// misalign the kernel's lookup counts.
func suppressAfterFirst(bytesRead int, err error) error {
	if bytesRead > 0 {
		return nil
	}
	return err
}

// ReadDir drives the directory stream: seek if the client's offset
// moved, then repeatedly fetch-or-reuse the cached entry and ask
// fuseutil to append it to the reply buffer, stopping before the first
// entry that does not fit.
func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	stream, ok := fs.lookupDir(op.Handle)
	if !ok {
		return fuse.ENOENT
	}

	if err := stream.seekIfNeeded(op.Offset); err != nil {
		return err
	}

	for {
		raw, has, err := stream.next()
		if err != nil {
			return suppressAfterFirst(op.BytesRead, err)
		}
		if !has {
			return nil
		}

		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(raw.off),
			Inode:  fuseops.InodeID(raw.ino),
			Name:   raw.name,
			Type:   direntFuseType(raw.typ),
		})
		if n == 0 {
			return nil
		}
		op.BytesRead += n
		stream.advance()
	}
}

// ReadDirPlus is the readdirplus driver: every entry except "." and
// ".." is resolved through a full LOOKUP (taking one reference the
// kernel will later FORGET), and if the completed entry no longer fits in
// the reply buffer that reference is undone before returning, so an
// uncommitted entry leaves no net refcount change.
func (fs *FileSystem) ReadDirPlus(ctx context.Context, op *fuseops.ReadDirPlusOp) error {
	stream, ok := fs.lookupDir(op.Handle)
	if !ok {
		return fuse.ENOENT
	}
	parent, ok := fs.table.Lookup(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	if err := stream.seekIfNeeded(op.Offset); err != nil {
		return err
	}

	for {
		raw, has, err := stream.next()
		if err != nil {
			return suppressAfterFirst(op.BytesRead, err)
		}
		if !has {
			return nil
		}

		plus := fuseutil.DirentPlus{
			Dirent: fuseutil.Dirent{
				Offset: fuseops.DirOffset(raw.off),
				Name:   raw.name,
				Type:   direntFuseType(raw.typ),
			},
		}

		var child *Inode
		if raw.name == "." || raw.name == ".." {
			// Synthesized without a LOOKUP: a zero inode tells the kernel
			// not to cache an entry for it.
			plus.Entry.Attributes = fuseops.InodeAttributes{
				Nlink: 1,
				Mode:  os.ModeDir | 0755,
			}
		} else {
			child, err = fs.lookupChild(parent, raw.name)
			if err != nil {
				return suppressAfterFirst(op.BytesRead, err)
			}
			if err = fs.fillEntry(&plus.Entry, child); err != nil {
				fs.releaseInode(child, 1)
				return suppressAfterFirst(op.BytesRead, err)
			}
			plus.Dirent.Inode = plus.Entry.Child
		}

		n := fuseutil.WriteDirentPlus(op.Dst[op.BytesRead:], plus)
		if n == 0 {
			if child != nil {
				fs.releaseInode(child, 1)
			}
			return nil
		}
		op.BytesRead += n
		stream.advance()
	}
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	stream, ok := fs.dirs[op.Handle]
	if ok {
		delete(fs.dirs, op.Handle)
	}
	fs.mu.Unlock()

	if ok {
		stream.Close()
	}
	return nil
}
