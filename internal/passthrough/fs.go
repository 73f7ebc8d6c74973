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
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"

	"github.com/hostreflect/passthroughfs/clock"
	"github.com/hostreflect/passthroughfs/internal/passthrough/registry"
)

// FileSystem implements the jacobsa/fuse request-handler surface,
// composing the inode table, path resolver, credential shim,
// shared-version client and directory streams to reflect every operation
// onto the Source tree.
//
// Errors from host syscalls are returned to the transport as-is: they are
// errno values, and the kernel should see exactly the code the host
// produced. Only core-originated failures get a synthetic code.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	Source string

	Clock clock.Clock

	AttrTimeout  time.Duration
	EntryTimeout time.Duration

	Xattr  bool
	NoRace bool

	// DirectIO and KeepPageCache are the per-open cache hints handed to the
	// kernel: cache=none asks for direct I/O, cache=always asks the kernel
	// to keep its page cache across opens.
	DirectIO      bool
	KeepPageCache bool

	// DefaultUID and DefaultGID are the credentials the server adopts for
	// create-type syscalls. The transport's op types carry no per-call
	// caller identity, so every create runs as this configured identity
	// rather than the kernel request's original caller.
	DefaultUID uint32
	DefaultGID uint32

	table    *Table
	registry *registry.Client
	versions *registry.VersionTable

	mu         sync.Mutex
	dirs       map[fuseops.HandleID]*dirStream
	files      map[fuseops.HandleID]*fileHandle
	nextHandle fuseops.HandleID
}

type fileHandle struct {
	fd int
}

// Config bundles the constructor arguments for New.
type Config struct {
	Source        string
	Clock         clock.Clock
	AttrTimeout   time.Duration
	EntryTimeout  time.Duration
	Xattr         bool
	NoRace        bool
	DirectIO      bool
	KeepPageCache bool
	DefaultUID    uint32
	DefaultGID    uint32
	Registry      *registry.Client
	Versions      *registry.VersionTable
}

// New opens Source as an O_PATH anchor and builds the inode table rooted
// there, ready for the transport to take over dispatch.
func New(cfg Config) (*FileSystem, error) {
	rootFD, err := unix.Open(cfg.Source, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open source root %s: %w", cfg.Source, err)
	}

	key, isDir, _, err := keyAndModeAt(rootFD, "", 0)
	if err != nil {
		unix.Close(rootFD)
		return nil, fmt.Errorf("stat source root %s: %w", cfg.Source, err)
	}
	if !isDir {
		unix.Close(rootFD)
		return nil, fmt.Errorf("source root %s is not a directory", cfg.Source)
	}

	table := NewTable(rootFD, key, true)

	if cfg.Registry != nil {
		if offset, refid, ok := cfg.Registry.Register(key.Dev, key.Ino); ok {
			table.Root().versionOffset = offset
			table.Root().registryRefID = refid
		}
	}

	return &FileSystem{
		Source:        cfg.Source,
		Clock:         cfg.Clock,
		AttrTimeout:   cfg.AttrTimeout,
		EntryTimeout:  cfg.EntryTimeout,
		Xattr:         cfg.Xattr,
		NoRace:        cfg.NoRace,
		DirectIO:      cfg.DirectIO,
		KeepPageCache: cfg.KeepPageCache,
		DefaultUID:    cfg.DefaultUID,
		DefaultGID:    cfg.DefaultGID,
		table:         table,
		registry:      cfg.Registry,
		versions:      cfg.Versions,
		dirs:          make(map[fuseops.HandleID]*dirStream),
		files:         make(map[fuseops.HandleID]*fileHandle),
	}, nil
}

// Table exposes the inode table for tests asserting the refcount-balance
// properties.
func (fs *FileSystem) Table() *Table { return fs.table }

// attributesFor fstats in.fd through the empty-path form and fills out a
// fuseops.InodeAttributes.
func (fs *FileSystem) attributesFor(in *Inode) (fuseops.InodeAttributes, error) {
	var st unix.Stat_t
	if err := unix.Fstatat(in.fd, "", &st, unix.AT_EMPTY_PATH); err != nil {
		return fuseops.InodeAttributes{}, err
	}
	return statToAttr(st), nil
}

func statToAttr(st unix.Stat_t) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(st.Size),
		Nlink: uint32(st.Nlink),
		Mode:  fileModeFromStat(st.Mode),
		Atime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Ctime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		Uid:   st.Uid,
		Gid:   st.Gid,
	}
}

func fileModeFromStat(raw uint32) os.FileMode {
	mode := os.FileMode(raw & 0777)
	switch raw & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= os.ModeDir
	case unix.S_IFLNK:
		mode |= os.ModeSymlink
	case unix.S_IFSOCK:
		mode |= os.ModeSocket
	case unix.S_IFBLK:
		mode |= os.ModeDevice
	case unix.S_IFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case unix.S_IFIFO:
		mode |= os.ModeNamedPipe
	}
	if raw&unix.S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if raw&unix.S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if raw&unix.S_ISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// sysPermBits converts the permission and suid/sgid/sticky bits of an
// os.FileMode into the host's mode bit layout.
func sysPermBits(m os.FileMode) uint32 {
	out := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		out |= unix.S_ISUID
	}
	if m&os.ModeSetgid != 0 {
		out |= unix.S_ISGID
	}
	if m&os.ModeSticky != 0 {
		out |= unix.S_ISVTX
	}
	return out
}

// sysMode converts a full os.FileMode, type bits included, for mknodat.
func sysMode(m os.FileMode) uint32 {
	out := sysPermBits(m)
	switch {
	case m&os.ModeNamedPipe != 0:
		out |= unix.S_IFIFO
	case m&os.ModeSocket != 0:
		out |= unix.S_IFSOCK
	case m&os.ModeCharDevice != 0:
		out |= unix.S_IFCHR
	case m&os.ModeDevice != 0:
		out |= unix.S_IFBLK
	case m&os.ModeDir != 0:
		out |= unix.S_IFDIR
	case m&os.ModeSymlink != 0:
		out |= unix.S_IFLNK
	default:
		out |= unix.S_IFREG
	}
	return out
}

func (fs *FileSystem) attrExpiration() time.Time {
	if fs.AttrTimeout <= 0 {
		return time.Time{}
	}
	return fs.Clock.Now().Add(fs.AttrTimeout)
}

func (fs *FileSystem) entryExpiration() time.Time {
	if fs.EntryTimeout <= 0 {
		return time.Time{}
	}
	return fs.Clock.Now().Add(fs.EntryTimeout)
}

func (fs *FileSystem) bumpVersion(in *Inode) {
	if in.versionOffset != 0 {
		fs.versions.Bump(in.versionOffset)
	}
}

// fillEntry completes a ChildInodeEntry for in. The caller holds one
// reference on in and keeps holding it on success; on error the caller is
// responsible for undoing that reference.
func (fs *FileSystem) fillEntry(e *fuseops.ChildInodeEntry, in *Inode) error {
	attr, err := fs.attributesFor(in)
	if err != nil {
		return err
	}
	e.Child = fs.table.Handle(in)
	e.Generation = fuseops.GenerationNumber(in.generation)
	e.Attributes = attr
	e.AttributesExpiration = fs.attrExpiration()
	e.EntryExpiration = fs.entryExpiration()
	return nil
}

// lookupChild performs the shared core of LookUpInode and every create-type
// operation's final lookup-for-entry step: openat(parent.fd, name,
// path-only|no-follow), stat, then find-or-intern. On success the caller
// owns one reference on the returned Inode.
func (fs *FileSystem) lookupChild(parent *Inode, name string) (*Inode, error) {
	childFD, err := unix.Openat(parent.fd, name, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	key, isDir, isSymlink, err := keyAndModeAt(childFD, "", 0)
	if err != nil {
		unix.Close(childFD)
		return nil, err
	}

	if existing, ok := fs.table.Find(key); ok {
		unix.Close(childFD)
		return existing, nil
	}

	candidate := &Inode{key: key, fd: childFD, isDir: isDir, isSymlink: isSymlink, refcount: 1}
	if fs.registry != nil {
		if offset, refid, ok := fs.registry.Register(key.Dev, key.Ino); ok {
			candidate.versionOffset = offset
			candidate.registryRefID = refid
		}
	}

	in, inserted := fs.table.Intern(candidate)
	if !inserted {
		// Lost the race; drop our candidate's resources and use the winner.
		if candidate.versionOffset != 0 {
			fs.registry.Release(candidate.registryRefID)
		}
		unix.Close(candidate.fd)
	}
	return in, nil
}

// releaseInode drops n references from in, closing its fd and releasing
// its registry slot once the refcount reaches zero.
func (fs *FileSystem) releaseInode(in *Inode, n uint64) {
	evicted := fs.table.Unref(in, n)
	if evicted == nil {
		return
	}
	if evicted.versionOffset != 0 {
		fs.registry.Release(evicted.registryRefID)
	}
	unix.Close(evicted.fd)
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, ok := fs.table.Lookup(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

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

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	in, ok := fs.table.Lookup(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	attr, err := fs.attributesFor(in)
	if err != nil {
		return err
	}
	op.Attributes = attr
	op.AttributesExpiration = fs.attrExpiration()
	return nil
}

func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	in, ok := fs.table.Lookup(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	// Prefer the open handle's fd when the kernel supplied one; the O_PATH
	// anchor cannot be used for fchmod/ftruncate directly, so handle-less
	// requests go through the self-fd path form instead.
	var fh *fileHandle
	if op.Handle != nil {
		fh, _ = fs.lookupFile(*op.Handle)
	}

	if op.Mode != nil {
		if err := chmodInode(in, fh, *op.Mode); err != nil {
			return err
		}
	}
	if op.Size != nil {
		if err := truncateInode(in, fh, int64(*op.Size)); err != nil {
			return err
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		if err := fs.setTimes(in, fh, op.Atime, op.Mtime); err != nil {
			return err
		}
	}

	fs.bumpVersion(in)

	attr, err := fs.attributesFor(in)
	if err != nil {
		return err
	}
	op.Attributes = attr
	op.AttributesExpiration = fs.attrExpiration()
	return nil
}

func chmodInode(in *Inode, fh *fileHandle, mode os.FileMode) error {
	if fh != nil {
		return unix.Fchmod(fh.fd, sysPermBits(mode))
	}
	return unix.Chmod(selfFDPath(in.fd), sysPermBits(mode))
}

func truncateInode(in *Inode, fh *fileHandle, size int64) error {
	if fh != nil {
		return unix.Ftruncate(fh.fd, size)
	}
	return unix.Truncate(selfFDPath(in.fd), size)
}

// setTimes updates atime/mtime on in. Regular files and directories go
// through the self-fd path form (or the open handle's fd when supplied);
// symlinks have no race-free variant, so they fall back to the path
// resolver unless norace is set, in which case the request fails with
// EPERM rather than risk racing a rename.
func (fs *FileSystem) setTimes(in *Inode, fh *fileHandle, atime, mtime *time.Time) error {
	times := []unix.Timespec{timespecOrOmit(atime), timespecOrOmit(mtime)}

	if fh != nil {
		return unix.UtimesNanoAt(unix.AT_FDCWD, selfFDPath(fh.fd), times, 0)
	}
	if !in.isSymlink {
		return unix.UtimesNanoAt(unix.AT_FDCWD, selfFDPath(in.fd), times, 0)
	}

	if fs.NoRace {
		return unix.EPERM
	}

	parent, leaf, err := resolvePathless(fs.table, in)
	if err != nil {
		return err
	}
	defer fs.table.Unref(parent, 1)

	return unix.UtimesNanoAt(parent.fd, leaf, times, unix.AT_SYMLINK_NOFOLLOW)
}

func timespecOrOmit(t *time.Time) unix.Timespec {
	if t == nil {
		return unix.Timespec{Nsec: unix.UTIME_OMIT}
	}
	return unix.NsecToTimespec(t.UnixNano())
}

func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.forget(op.Inode, op.N)
	return nil
}

func (fs *FileSystem) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) error {
	for _, e := range op.Entries {
		fs.forget(e.Inode, e.N)
	}
	return nil
}

// forget drops n references from the inode id names. The protocol forbids
// forgetting the root, so the sentinel is ignored rather than unref'd.
func (fs *FileSystem) forget(id fuseops.InodeID, n uint64) {
	if id == fuseops.RootInodeID {
		return
	}
	if in, ok := fs.table.Lookup(id); ok {
		fs.releaseInode(in, n)
	}
}

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent, ok := fs.table.Lookup(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	mkErr := asCaller(fs.DefaultUID, fs.DefaultGID, func() error {
		return unix.Mkdirat(parent.fd, op.Name, sysPermBits(op.Mode))
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

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent, ok := fs.table.Lookup(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	// Look the child up first so its own version can be bumped after the
	// removal succeeds.
	child, lookupErr := fs.lookupChild(parent, op.Name)

	if rmErr := unix.Unlinkat(parent.fd, op.Name, unix.AT_REMOVEDIR); rmErr != nil {
		if lookupErr == nil {
			fs.releaseInode(child, 1)
		}
		return rmErr
	}

	fs.bumpVersion(parent)
	if lookupErr == nil {
		fs.bumpVersion(child)
		fs.releaseInode(child, 1)
	}
	return nil
}

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent, ok := fs.table.Lookup(op.Parent)
	if !ok {
		return fuse.ENOENT
	}

	child, lookupErr := fs.lookupChild(parent, op.Name)

	if unlinkErr := unix.Unlinkat(parent.fd, op.Name, 0); unlinkErr != nil {
		if lookupErr == nil {
			fs.releaseInode(child, 1)
		}
		return unlinkErr
	}

	fs.bumpVersion(parent)
	if lookupErr == nil {
		fs.bumpVersion(child)
		fs.releaseInode(child, 1)
	}
	return nil
}

func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	var st unix.Statfs_t
	if err := unix.Fstatfs(fs.table.Root().fd, &st); err != nil {
		return err
	}

	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = uint32(st.Frsize)
	op.Inodes = st.Files
	op.InodesFree = st.Ffree
	return nil
}

// SyncFS flushes the whole source filesystem. The root's O_PATH anchor
// cannot be synced directly, so a real directory fd is opened for the call.
func (fs *FileSystem) SyncFS(ctx context.Context, op *fuseops.SyncFSOp) error {
	fd, err := unix.Openat(fs.table.Root().fd, ".", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Syncfs(fd)
}

// Destroy releases every open handle and the registry connection when the
// transport tears the session down.
func (fs *FileSystem) Destroy() {
	fs.mu.Lock()
	for h, fh := range fs.files {
		unix.Close(fh.fd)
		delete(fs.files, h)
	}
	for h, stream := range fs.dirs {
		stream.Close()
		delete(fs.dirs, h)
	}
	fs.mu.Unlock()

	fs.registry.Close()
}
