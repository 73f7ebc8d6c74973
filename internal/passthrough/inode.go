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

// Key is the host-identity pair that canonically names one inode. Two
// lookups that resolve to the same (device, inode number) must always
// share one Inode.
type Key struct {
	Dev uint64
	Ino uint64
}

// Inode is the server's canonical record for one host filesystem object.
// Every field except refcount, versionOffset and registryRefID is fixed at
// construction time; refcount is mutated only while the owning Table's
// mutex is held, and versionOffset/registryRefID are set once during
// registration, before the Inode is ever visible to a second goroutine.
type Inode struct {
	key       Key
	fd        int // O_PATH anchor, open for the Inode's whole lifetime
	isSymlink bool
	isDir     bool

	// slot/generation identify this Inode's slab slot, used to encode and
	// decode the kernel-facing 64-bit handle (see handle.go).
	slot       uint32
	generation uint32

	refcount uint64

	// versionOffset is 0 until this Inode is registered with the shared
	// version registry (C4); 0 permanently means versioning is a no-op for
	// it, either because sharing is disabled or the registry was
	// unreachable at registration time.
	versionOffset uint64
	registryRefID uint64
}

// FD returns the Inode's O_PATH anchor descriptor. Callers must not close
// it; it is owned by the Inode for its entire lifetime.
func (in *Inode) FD() int { return in.fd }

// Key returns the Inode's host identity.
func (in *Inode) Key() Key { return in.key }

// IsSymlink reports whether the host object is a symbolic link.
func (in *Inode) IsSymlink() bool { return in.isSymlink }

// IsDir reports whether the host object is a directory.
func (in *Inode) IsDir() bool { return in.isDir }

// VersionOffset returns the Inode's slot in the shared version table, or 0
// if versioning is disabled for it.
func (in *Inode) VersionOffset() uint64 { return in.versionOffset }
