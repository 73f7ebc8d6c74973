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

// Package perms resolves the process's own credentials and switches the
// calling OS thread's effective uid/gid for the duration of a create-style
// FUSE request (C3 in the core design).
package perms

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MyUserAndGroup returns the uid and gid the server process itself runs as,
// used as the inode owner fallback and to warn when started as root.
func MyUserAndGroup() (uid uint32, gid uint32, err error) {
	u := os.Getuid()
	g := os.Getgid()
	if u < 0 || g < 0 {
		return 0, 0, fmt.Errorf("perms: negative uid/gid from os.Getuid/Getgid")
	}
	return uint32(u), uint32(g), nil
}

// Restore undoes a prior SetCaller call on the current OS thread, restoring
// the thread's effective uid and gid. It must run on the same OS thread
// SetCaller ran on; the caller is responsible for runtime.LockOSThread
// around the whole switch-call-restore sequence.
type Restore func() error

// SetCaller switches the calling OS thread's effective uid/gid to the given
// values for the duration of a single create-style syscall (mknod, mkdir,
// creat, symlink). The group is switched first and rolled back if the user
// switch fails, so a partial switch never escapes.
//
// The switches issue raw setresuid/setresgid syscalls rather than going
// through the syscall package: since Go 1.16 syscall.Setresuid applies to
// every thread in the process, and the whole point here is that only the
// locked thread serving this request adopts the caller's identity.
func SetCaller(uid, gid uint32) (Restore, error) {
	origUID := os.Geteuid()
	origGID := os.Getegid()

	if err := setresgidThread(-1, int(gid), -1); err != nil {
		return nil, fmt.Errorf("setresgid(%d): %w", gid, err)
	}
	if err := setresuidThread(-1, int(uid), -1); err != nil {
		_ = setresgidThread(-1, origGID, -1)
		return nil, fmt.Errorf("setresuid(%d): %w", uid, err)
	}

	return func() error {
		if err := setresuidThread(-1, origUID, -1); err != nil {
			return fmt.Errorf("restoring uid %d: %w", origUID, err)
		}
		if err := setresgidThread(-1, origGID, -1); err != nil {
			return fmt.Errorf("restoring gid %d: %w", origGID, err)
		}
		return nil
	}, nil
}

func setresuidThread(ruid, euid, suid int) error {
	if _, _, errno := unix.RawSyscall(unix.SYS_SETRESUID, uintptr(ruid), uintptr(euid), uintptr(suid)); errno != 0 {
		return errno
	}
	return nil
}

func setresgidThread(rgid, egid, sgid int) error {
	if _, _, errno := unix.RawSyscall(unix.SYS_SETRESGID, uintptr(rgid), uintptr(egid), uintptr(sgid)); errno != 0 {
		return errno
	}
	return nil
}
