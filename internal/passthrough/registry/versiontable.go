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

package registry

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VersionTable is the memory-mapped array of signed 64-bit counters shared
// across every passthrough instance that agrees on the registry.
// Slot 0 is never assigned (it doubles as the "versioning disabled"
// sentinel offset), matching Inode.versionOffset's zero-means-disabled
// convention.
type VersionTable struct {
	data []byte
	mmap []byte
}

// OpenVersionTable maps the shared counter file at path read-write. The
// file must already exist and be sized by the registry process; its size
// in 8-byte counters determines the number of slots.
func OpenVersionTable(path string) (*VersionTable, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open version table %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size == 0 || size%8 != 0 {
		return nil, fmt.Errorf("version table %s has implausible size %d", path, size)
	}

	m, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap version table %s: %w", path, err)
	}

	return &VersionTable{data: m, mmap: m}, nil
}

func (v *VersionTable) slot(offset uint64) *int64 {
	return (*int64)(unsafe.Pointer(&v.data[offset*8]))
}

// valid reports whether offset names a slot inside the mapping. Offset 0
// is the "versioning disabled" sentinel and is never valid; an offset past
// the mapped region means the registry handed out a slot for a larger
// table than the one mapped here, which is treated the same way.
func (v *VersionTable) valid(offset uint64) bool {
	return v != nil && offset != 0 && (offset+1)*8 <= uint64(len(v.data))
}

// Get returns the current value of the counter at offset. Offset 0 always
// reads as 0 without touching the mapping, matching "versioning disabled".
func (v *VersionTable) Get(offset uint64) int64 {
	if !v.valid(offset) {
		return 0
	}
	return atomic.LoadInt64(v.slot(offset))
}

// Bump atomically increments the counter at offset by one and returns the
// new value. A no-op returning 0 when offset is 0 or the table is absent.
func (v *VersionTable) Bump(offset uint64) int64 {
	if !v.valid(offset) {
		return 0
	}
	return atomic.AddInt64(v.slot(offset), 1)
}

// Close unmaps the shared region.
func (v *VersionTable) Close() error {
	if v == nil {
		return nil
	}
	return unix.Munmap(v.mmap)
}
