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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"

	"github.com/hostreflect/passthroughfs/clock"
	"github.com/hostreflect/passthroughfs/internal/perms"
)

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type FSTest struct {
	suite.Suite
	ctx    context.Context
	dir    string
	fs     *FileSystem
	noRace bool
}

func TestFSSuite(t *testing.T) {
	suite.Run(t, new(FSTest))
}

func (ts *FSTest) SetupTest() {
	ts.ctx = context.Background()
	ts.dir = ts.T().TempDir()

	uid, gid, err := perms.MyUserAndGroup()
	ts.Require().NoError(err)

	fs, err := New(Config{
		Source:       ts.dir,
		Clock:        clock.RealClock{},
		AttrTimeout:  time.Second,
		EntryTimeout: time.Second,
		Xattr:        true,
		NoRace:       ts.noRace,
		DefaultUID:   uid,
		DefaultGID:   gid,
	})
	ts.Require().NoError(err)
	ts.fs = fs
}

func (ts *FSTest) hostPath(name string) string {
	return filepath.Join(ts.dir, name)
}

// lookUp drives a LookUpInode op against the root and returns it.
func (ts *FSTest) lookUp(name string) (*fuseops.LookUpInodeOp, error) {
	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: name}
	err := ts.fs.LookUpInode(ts.ctx, op)
	return op, err
}

func (ts *FSTest) mustLookUp(name string) *fuseops.LookUpInodeOp {
	op, err := ts.lookUp(name)
	ts.Require().NoError(err)
	return op
}

func (ts *FSTest) forget(id fuseops.InodeID, n uint64) {
	ts.Require().NoError(ts.fs.ForgetInode(ts.ctx, &fuseops.ForgetInodeOp{Inode: id, N: n}))
}

////////////////////////////////////////////////////////////////////////
// Lookup and refcounts
////////////////////////////////////////////////////////////////////////

// Canonicality: repeated lookups of the same host object return the
// same handle, and the balanced forget evicts the inode.
func (ts *FSTest) TestLookUpIsCanonical() {
	ts.Require().NoError(os.WriteFile(ts.hostPath("a"), []byte("hello"), 0644))

	const n = 32
	ids := make(map[fuseops.InodeID]struct{})
	for i := 0; i < n; i++ {
		op := ts.mustLookUp("a")
		ids[op.Entry.Child] = struct{}{}
	}
	ts.Require().Len(ids, 1)
	ts.Equal(1, ts.fs.Table().Len())

	for id := range ids {
		ts.forget(id, n)
	}
	ts.Equal(0, ts.fs.Table().Len())
}

func (ts *FSTest) TestLookUpMissingIsENOENT() {
	_, err := ts.lookUp("missing")
	ts.Equal(unix.ENOENT, err)
}

func (ts *FSTest) TestLookUpReportsAttributes() {
	ts.Require().NoError(os.WriteFile(ts.hostPath("a"), []byte("hello"), 0640))

	op := ts.mustLookUp("a")
	ts.Equal(uint64(5), op.Entry.Attributes.Size)
	ts.Equal(os.FileMode(0640), op.Entry.Attributes.Mode)
	ts.False(op.Entry.AttributesExpiration.IsZero())

	ts.forget(op.Entry.Child, 1)
}

func (ts *FSTest) TestBatchForgetDropsEverything() {
	ts.Require().NoError(os.WriteFile(ts.hostPath("a"), nil, 0644))
	ts.Require().NoError(os.WriteFile(ts.hostPath("b"), nil, 0644))

	a := ts.mustLookUp("a")
	b := ts.mustLookUp("b")
	ts.Equal(2, ts.fs.Table().Len())

	err := ts.fs.BatchForget(ts.ctx, &fuseops.BatchForgetOp{
		Entries: []fuseops.BatchForgetEntry{
			{Inode: a.Entry.Child, N: 1},
			{Inode: b.Entry.Child, N: 1},
		},
	})
	ts.Require().NoError(err)
	ts.Equal(0, ts.fs.Table().Len())
}

////////////////////////////////////////////////////////////////////////
// Attributes
////////////////////////////////////////////////////////////////////////

func (ts *FSTest) TestGetInodeAttributes() {
	ts.Require().NoError(os.WriteFile(ts.hostPath("a"), []byte("xyz"), 0644))
	look := ts.mustLookUp("a")
	defer ts.forget(look.Entry.Child, 1)

	op := &fuseops.GetInodeAttributesOp{Inode: look.Entry.Child}
	ts.Require().NoError(ts.fs.GetInodeAttributes(ts.ctx, op))
	ts.Equal(uint64(3), op.Attributes.Size)
}

func (ts *FSTest) TestSetAttributesChmodAndTruncate() {
	ts.Require().NoError(os.WriteFile(ts.hostPath("a"), []byte("truncate me"), 0644))
	look := ts.mustLookUp("a")
	defer ts.forget(look.Entry.Child, 1)

	mode := os.FileMode(0600)
	size := uint64(4)
	op := &fuseops.SetInodeAttributesOp{Inode: look.Entry.Child, Mode: &mode, Size: &size}
	ts.Require().NoError(ts.fs.SetInodeAttributes(ts.ctx, op))
	ts.Equal(uint64(4), op.Attributes.Size)
	ts.Equal(os.FileMode(0600), op.Attributes.Mode)

	fi, err := os.Stat(ts.hostPath("a"))
	ts.Require().NoError(err)
	ts.Equal(int64(4), fi.Size())
	ts.Equal(os.FileMode(0600), fi.Mode().Perm())
}

func (ts *FSTest) TestSetAttributesTimes() {
	ts.Require().NoError(os.WriteFile(ts.hostPath("a"), nil, 0644))
	look := ts.mustLookUp("a")
	defer ts.forget(look.Entry.Child, 1)

	when := time.Unix(1_600_000_000, 0)
	op := &fuseops.SetInodeAttributesOp{Inode: look.Entry.Child, Mtime: &when}
	ts.Require().NoError(ts.fs.SetInodeAttributes(ts.ctx, op))
	ts.True(op.Attributes.Mtime.Equal(when))
}

////////////////////////////////////////////////////////////////////////
// Creates, links, renames, removals
////////////////////////////////////////////////////////////////////////

func (ts *FSTest) TestMkDirThenRmDir() {
	mk := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "d", Mode: os.ModeDir | 0755}
	ts.Require().NoError(ts.fs.MkDir(ts.ctx, mk))

	fi, err := os.Stat(ts.hostPath("d"))
	ts.Require().NoError(err)
	ts.True(fi.IsDir())
	ts.Equal(os.FileMode(0755), fi.Mode().Perm())

	ts.forget(mk.Entry.Child, 1)

	ts.Require().NoError(ts.fs.RmDir(ts.ctx, &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "d"}))
	_, err = os.Stat(ts.hostPath("d"))
	ts.True(os.IsNotExist(err))
}

func (ts *FSTest) TestRmDirNotEmpty() {
	ts.Require().NoError(os.MkdirAll(ts.hostPath("d/sub"), 0755))
	err := ts.fs.RmDir(ts.ctx, &fuseops.RmDirOp{Parent: fuseops.RootInodeID, Name: "d"})
	ts.Equal(unix.ENOTEMPTY, err)
}

func (ts *FSTest) TestCreateWriteReadRoundTrip() {
	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "f", Mode: 0644}
	ts.Require().NoError(ts.fs.CreateFile(ts.ctx, create))
	defer ts.forget(create.Entry.Child, 1)

	write := &fuseops.WriteFileOp{Inode: create.Entry.Child, Handle: create.Handle, Data: []byte("xyz")}
	ts.Require().NoError(ts.fs.WriteFile(ts.ctx, write))

	read := &fuseops.ReadFileOp{Inode: create.Entry.Child, Handle: create.Handle, Dst: make([]byte, 16)}
	ts.Require().NoError(ts.fs.ReadFile(ts.ctx, read))
	ts.Equal(3, read.BytesRead)
	ts.Equal("xyz", string(read.Dst[:read.BytesRead]))

	ts.Require().NoError(ts.fs.FlushFile(ts.ctx, &fuseops.FlushFileOp{Handle: create.Handle}))
	ts.Require().NoError(ts.fs.SyncFile(ts.ctx, &fuseops.SyncFileOp{Inode: create.Entry.Child, Handle: create.Handle}))
	ts.Require().NoError(ts.fs.ReleaseFileHandle(ts.ctx, &fuseops.ReleaseFileHandleOp{Handle: create.Handle}))

	// Round trip against the host's own view of the file.
	contents, err := os.ReadFile(ts.hostPath("f"))
	ts.Require().NoError(err)
	ts.Equal("xyz", string(contents))

	fi, err := os.Stat(ts.hostPath("f"))
	ts.Require().NoError(err)
	ts.Equal(os.FileMode(0644), fi.Mode().Perm())
}

func (ts *FSTest) TestCreateExistingFails() {
	ts.Require().NoError(os.WriteFile(ts.hostPath("f"), nil, 0644))
	err := ts.fs.CreateFile(ts.ctx, &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "f", Mode: 0644})
	ts.Equal(unix.EEXIST, err)
}

func (ts *FSTest) TestMkNodeFifo() {
	op := &fuseops.MkNodeOp{Parent: fuseops.RootInodeID, Name: "pipe", Mode: os.ModeNamedPipe | 0600}
	ts.Require().NoError(ts.fs.MkNode(ts.ctx, op))
	defer ts.forget(op.Entry.Child, 1)

	fi, err := os.Stat(ts.hostPath("pipe"))
	ts.Require().NoError(err)
	ts.NotZero(fi.Mode() & os.ModeNamedPipe)
}

func (ts *FSTest) TestSymlinkRoundTrip() {
	create := &fuseops.CreateSymlinkOp{Parent: fuseops.RootInodeID, Name: "s", Target: "somewhere/else"}
	ts.Require().NoError(ts.fs.CreateSymlink(ts.ctx, create))
	defer ts.forget(create.Entry.Child, 1)

	read := &fuseops.ReadSymlinkOp{Inode: create.Entry.Child}
	ts.Require().NoError(ts.fs.ReadSymlink(ts.ctx, read))
	ts.Equal("somewhere/else", read.Target)
}

func (ts *FSTest) TestHardLink() {
	ts.Require().NoError(os.WriteFile(ts.hostPath("a"), []byte("x"), 0644))
	look := ts.mustLookUp("a")

	link := &fuseops.CreateLinkOp{Parent: fuseops.RootInodeID, Name: "b", Target: look.Entry.Child}
	ts.Require().NoError(ts.fs.CreateLink(ts.ctx, link))

	// Same canonical inode, one extra kernel reference.
	ts.Equal(look.Entry.Child, link.Entry.Child)
	ts.Equal(uint32(2), link.Entry.Attributes.Nlink)

	var st unix.Stat_t
	ts.Require().NoError(unix.Stat(ts.hostPath("b"), &st))
	ts.Equal(uint64(2), uint64(st.Nlink))

	ts.forget(look.Entry.Child, 2)
	ts.Equal(0, ts.fs.Table().Len())
}

func (ts *FSTest) TestRename() {
	ts.Require().NoError(os.WriteFile(ts.hostPath("old"), []byte("x"), 0644))

	op := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID, OldName: "old",
		NewParent: fuseops.RootInodeID, NewName: "new",
	}
	ts.Require().NoError(ts.fs.Rename(ts.ctx, op))

	_, err := os.Stat(ts.hostPath("old"))
	ts.True(os.IsNotExist(err))
	_, err = os.Stat(ts.hostPath("new"))
	ts.NoError(err)

	// The transient lookups rename takes must all be balanced out.
	ts.Equal(0, ts.fs.Table().Len())
}

func (ts *FSTest) TestUnlink() {
	ts.Require().NoError(os.WriteFile(ts.hostPath("a"), nil, 0644))
	ts.Require().NoError(ts.fs.Unlink(ts.ctx, &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: "a"}))
	_, err := os.Stat(ts.hostPath("a"))
	ts.True(os.IsNotExist(err))
	ts.Equal(0, ts.fs.Table().Len())
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

// parseWireDirents decodes the fuse_dirent records fuseutil.WriteDirent
// produced, so resumption can be driven through the real reply format.
func parseWireDirents(buf []byte) (names []string, lastOff uint64) {
	for len(buf) >= 24 {
		off := binary.NativeEndian.Uint64(buf[8:16])
		namelen := int(binary.NativeEndian.Uint32(buf[16:20]))
		total := 24 + namelen
		if total > len(buf) {
			break
		}
		names = append(names, string(buf[24:total]))
		lastOff = off
		pad := (8 - total%8) % 8
		if total+pad > len(buf) {
			break
		}
		buf = buf[total+pad:]
	}
	return names, lastOff
}

// Readdir resumption: driving ReadDir with a reply buffer far smaller
// than the directory, feeding each page's last offset back in, enumerates
// every entry exactly once.
func (ts *FSTest) TestReadDirResumesAcrossSmallBuffers() {
	want := make(map[string]int)
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("file%02d", i)
		ts.Require().NoError(os.WriteFile(ts.hostPath(name), nil, 0644))
		want[name] = 0
	}

	open := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	ts.Require().NoError(ts.fs.OpenDir(ts.ctx, open))
	defer ts.fs.ReleaseDirHandle(ts.ctx, &fuseops.ReleaseDirHandleOp{Handle: open.Handle})

	offset := fuseops.DirOffset(0)
	for {
		op := &fuseops.ReadDirOp{
			Inode:  fuseops.RootInodeID,
			Handle: open.Handle,
			Offset: offset,
			Dst:    make([]byte, 160),
		}
		ts.Require().NoError(ts.fs.ReadDir(ts.ctx, op))
		if op.BytesRead == 0 {
			break
		}
		names, lastOff := parseWireDirents(op.Dst[:op.BytesRead])
		ts.Require().NotEmpty(names)
		for _, name := range names {
			if name == "." || name == ".." {
				continue
			}
			want[name]++
		}
		offset = fuseops.DirOffset(lastOff)
	}

	for name, count := range want {
		ts.Equal(1, count, "entry %q", name)
	}
}

// Readdirplus refcount conservation: an entry that was resolved but
// does not fit in the reply buffer must leave no net refcount behind.
func (ts *FSTest) TestReadDirPlusOverflowConservesRefcounts() {
	// Measure the size of the synthesized "." and ".." entries alone.
	open := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	ts.Require().NoError(ts.fs.OpenDir(ts.ctx, open))
	probe := &fuseops.ReadDirPlusOp{ReadDirOp: fuseops.ReadDirOp{
		Inode:  fuseops.RootInodeID,
		Handle: open.Handle,
		Dst:    make([]byte, 64*1024),
	}}
	ts.Require().NoError(ts.fs.ReadDirPlus(ts.ctx, probe))
	dotsLen := probe.BytesRead
	ts.Require().NotZero(dotsLen)
	ts.Require().NoError(ts.fs.ReleaseDirHandle(ts.ctx, &fuseops.ReleaseDirHandleOp{Handle: open.Handle}))

	ts.Require().NoError(os.WriteFile(ts.hostPath("f"), nil, 0644))

	// Entries come back in the host's getdents order, which need not put
	// the dot entries first. Count the dot entries ahead of "f"; "." and
	// ".." encode to the same size, so each takes half of dotsLen.
	order, err := newDirStream(ts.fs.Table().Root().FD())
	ts.Require().NoError(err)
	dotsBefore := 0
	for _, name := range collect(ts.T(), order) {
		if name == "f" {
			break
		}
		dotsBefore++
	}
	ts.Require().NoError(order.Close())
	roomLen := dotsLen / 2 * dotsBefore

	// Now give the driver just enough room for the dot entries ahead of
	// "f": "f" is resolved, fails to fit, and its reference must be undone.
	open = &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	ts.Require().NoError(ts.fs.OpenDir(ts.ctx, open))
	defer ts.fs.ReleaseDirHandle(ts.ctx, &fuseops.ReleaseDirHandleOp{Handle: open.Handle})

	op := &fuseops.ReadDirPlusOp{ReadDirOp: fuseops.ReadDirOp{
		Inode:  fuseops.RootInodeID,
		Handle: open.Handle,
		Dst:    make([]byte, roomLen+8),
	}}
	ts.Require().NoError(ts.fs.ReadDirPlus(ts.ctx, op))
	ts.Equal(roomLen, op.BytesRead)
	ts.Equal(0, ts.fs.Table().Len())
}

func (ts *FSTest) TestReadDirPlusResolvesEntries() {
	ts.Require().NoError(os.WriteFile(ts.hostPath("a"), []byte("abc"), 0644))

	open := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	ts.Require().NoError(ts.fs.OpenDir(ts.ctx, open))
	defer ts.fs.ReleaseDirHandle(ts.ctx, &fuseops.ReleaseDirHandleOp{Handle: open.Handle})

	op := &fuseops.ReadDirPlusOp{ReadDirOp: fuseops.ReadDirOp{
		Inode:  fuseops.RootInodeID,
		Handle: open.Handle,
		Dst:    make([]byte, 64*1024),
	}}
	ts.Require().NoError(ts.fs.ReadDirPlus(ts.ctx, op))
	ts.NotZero(op.BytesRead)

	// The one real entry holds exactly one reference until it is forgotten.
	ts.Equal(1, ts.fs.Table().Len())
}

////////////////////////////////////////////////////////////////////////
// Symlink race policy and xattr gating
////////////////////////////////////////////////////////////////////////

func (ts *FSTest) TestNoRaceSymlinkTimesIsEPERM() {
	ts.Require().NoError(os.Symlink("target", ts.hostPath("s")))
	look := ts.mustLookUp("s")
	defer ts.forget(look.Entry.Child, 1)

	ts.fs.NoRace = true
	when := time.Now()
	err := ts.fs.SetInodeAttributes(ts.ctx, &fuseops.SetInodeAttributesOp{
		Inode: look.Entry.Child,
		Atime: &when,
	})
	ts.Equal(unix.EPERM, err)
}

func (ts *FSTest) TestXattrDisabledIsENOSYS() {
	ts.Require().NoError(os.WriteFile(ts.hostPath("a"), nil, 0644))
	look := ts.mustLookUp("a")
	defer ts.forget(look.Entry.Child, 1)

	ts.fs.Xattr = false
	err := ts.fs.GetXattr(ts.ctx, &fuseops.GetXattrOp{Inode: look.Entry.Child, Name: "user.k"})
	ts.Equal(unix.ENOSYS, err)
}

func (ts *FSTest) TestXattrOnSymlinkIsEPERM() {
	ts.Require().NoError(os.Symlink("target", ts.hostPath("s")))
	look := ts.mustLookUp("s")
	defer ts.forget(look.Entry.Child, 1)

	err := ts.fs.GetXattr(ts.ctx, &fuseops.GetXattrOp{Inode: look.Entry.Child, Name: "user.k"})
	ts.Equal(unix.EPERM, err)
}

////////////////////////////////////////////////////////////////////////
// Misc handlers
////////////////////////////////////////////////////////////////////////

func (ts *FSTest) TestStatFS() {
	op := &fuseops.StatFSOp{}
	ts.Require().NoError(ts.fs.StatFS(ts.ctx, op))
	ts.NotZero(op.BlockSize)
	ts.NotZero(op.Blocks)
}

func (ts *FSTest) TestFallocateNonzeroModeUnsupported() {
	create := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "f", Mode: 0644}
	ts.Require().NoError(ts.fs.CreateFile(ts.ctx, create))
	defer ts.forget(create.Entry.Child, 1)
	defer ts.fs.ReleaseFileHandle(ts.ctx, &fuseops.ReleaseFileHandleOp{Handle: create.Handle})

	err := ts.fs.Fallocate(ts.ctx, &fuseops.FallocateOp{
		Inode:  create.Entry.Child,
		Handle: create.Handle,
		Length: 16,
		Mode:   unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE,
	})
	ts.Equal(unix.EOPNOTSUPP, err)
}

func (ts *FSTest) TestOpenFileReadOnlyTarget() {
	ts.Require().NoError(os.WriteFile(ts.hostPath("ro"), []byte("data"), 0400))
	look := ts.mustLookUp("ro")
	defer ts.forget(look.Entry.Child, 1)

	open := &fuseops.OpenFileOp{Inode: look.Entry.Child}
	ts.Require().NoError(ts.fs.OpenFile(ts.ctx, open))
	defer ts.fs.ReleaseFileHandle(ts.ctx, &fuseops.ReleaseFileHandleOp{Handle: open.Handle})

	read := &fuseops.ReadFileOp{Inode: look.Entry.Child, Handle: open.Handle, Dst: make([]byte, 8)}
	ts.Require().NoError(ts.fs.ReadFile(ts.ctx, read))
	ts.Equal("data", string(read.Dst[:read.BytesRead]))
}
