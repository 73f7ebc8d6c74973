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
	"strings"

	"github.com/jacobsa/fuse"
	"golang.org/x/sys/unix"
)

// resolveRetries bounds the path-resolver's retry loop. A permanent
// concurrent-rename storm can still livelock past this budget; that is
// accepted and surfaces as EIO.
const resolveRetries = 2

// resolvePathless recovers a (parent, leaf name) pair such that
// parent.FD()+leaf names target with high probability, for the handful of
// host syscalls (symlink utimens, hardlinking a symlink) that have no
// O_PATH-anchored variant. On success the caller owns one reference on the
// returned parent and must Unref it.
func resolvePathless(table *Table, target *Inode) (parent *Inode, leaf string, err error) {
	for attempt := 0; attempt <= resolveRetries; attempt++ {
		parent, leaf, err = resolveOnce(table, target)
		if err == nil {
			return parent, leaf, nil
		}
		if err != errRetry {
			return nil, "", err
		}
	}
	return nil, "", fuse.EIO
}

var errRetry error = &retrySentinel{}

type retrySentinel struct{}

func (*retrySentinel) Error() string { return "passthrough: resolver retry" }

func resolveOnce(table *Table, target *Inode) (*Inode, string, error) {
	hostPath, err := readSelfFDLink(target.fd)
	if err != nil {
		return nil, "", fuse.EIO
	}

	idx := strings.LastIndexByte(hostPath, '/')
	if idx < 0 {
		return nil, "", fuse.EIO
	}

	if idx == 0 && hostPath == "/" {
		// Resolving the root itself never reaches here in practice (the
		// root is addressed by sentinel), but handle it defensively.
		root := table.Root()
		table.Find(root.Key())
		return root, "", nil
	}

	parentPath := hostPath[:idx]
	leaf := hostPath[idx+1:]
	if parentPath == "" {
		parentPath = "/"
	}

	parentKey, parentIsDir, _, statErr := statPath(parentPath)
	if statErr != nil {
		return nil, "", errRetry
	}
	if !parentIsDir {
		return nil, "", errRetry
	}

	parent, ok := table.Find(parentKey)
	if !ok {
		return nil, "", errRetry
	}

	leafKey, _, _, statErr := keyAndModeAt(parent.fd, leaf, unix.AT_SYMLINK_NOFOLLOW)
	if statErr != nil {
		table.Unref(parent, 1)
		return nil, "", errRetry
	}
	if leafKey != target.key {
		table.Unref(parent, 1)
		return nil, "", errRetry
	}

	return parent, leaf, nil
}

// statPath stats an absolute host path directly; used only by the resolver,
// which already has no path-free alternative for this step.
func statPath(path string) (key Key, isDir bool, isSymlink bool, err error) {
	var st unix.Stat_t
	if err = unix.Stat(path, &st); err != nil {
		return Key{}, false, false, err
	}
	key = Key{Dev: uint64(st.Dev), Ino: st.Ino}
	isDir = st.Mode&unix.S_IFMT == unix.S_IFDIR
	isSymlink = st.Mode&unix.S_IFMT == unix.S_IFLNK
	return key, isDir, isSymlink, nil
}
