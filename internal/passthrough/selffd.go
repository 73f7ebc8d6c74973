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
	"fmt"
	"golang.org/x/sys/unix"
)

// selfFDPath returns the path of fd within the per-process self-fd
// directory: reading it as a symlink recovers fd's target path, and
// opening/operating through it gives path-based syscalls a path-free
// effect (the GLOSSARY's "self-fd symlink").
func selfFDPath(fd int) string {
	return fmt.Sprintf("/proc/self/fd/%d", fd)
}

// readSelfFDLink resolves fd to the absolute host path it currently names.
// It can return a stale or empty-looking path if the object was renamed or
// unlinked concurrently; callers must re-validate with a stat under the
// candidate parent before trusting the result.
func readSelfFDLink(fd int) (string, error) {
	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlink(selfFDPath(fd), buf)
	if err != nil {
		return "", fmt.Errorf("readlink self-fd: %w", err)
	}
	if n <= 0 || n >= len(buf) {
		return "", fmt.Errorf("readlink self-fd: implausible length %d", n)
	}
	return string(buf[:n]), nil
}

// keyAndModeAt stats the object named by dirfd+name (or dirfd alone if name
// is empty, using AT_EMPTY_PATH) and returns its canonical key and whether
// it is a directory or symlink.
func keyAndModeAt(dirfd int, name string, flags int) (key Key, isDir bool, isSymlink bool, err error) {
	var st unix.Stat_t
	if name == "" {
		flags |= unix.AT_EMPTY_PATH
	}
	if err = unix.Fstatat(dirfd, name, &st, flags); err != nil {
		return Key{}, false, false, err
	}
	key = Key{Dev: uint64(st.Dev), Ino: st.Ino}
	isDir = st.Mode&unix.S_IFMT == unix.S_IFDIR
	isSymlink = st.Mode&unix.S_IFMT == unix.S_IFLNK
	return key, isDir, isSymlink, nil
}
