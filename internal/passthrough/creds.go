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
	"runtime"

	"github.com/hostreflect/passthroughfs/internal/logger"
	"github.com/hostreflect/passthroughfs/internal/perms"
)

// asCaller runs fn with the calling OS thread's effective uid/gid
// temporarily switched to uid/gid, for the duration of a single
// host-filesystem create syscall (mknod, mkdir, creat, symlink, open with
// O_CREAT), so the entry is created with the caller's ownership.
//
// Credential switches are per-thread, not per-process, so they cannot
// leak across concurrently served requests; the goroutine is locked to
// its OS thread around the switch.
func asCaller(uid, gid uint32, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	restore, err := perms.SetCaller(uid, gid)
	if err != nil {
		return err
	}

	result := fn()

	if restoreErr := restore(); restoreErr != nil {
		// A server that cannot shed the credentials it just adopted must
		// not continue serving requests under them.
		logger.Errorf("passthrough: failed to restore credentials after running as uid=%d gid=%d: %v", uid, gid, restoreErr)
		panic(restoreErr)
	}

	return result
}
