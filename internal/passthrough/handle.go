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

import "github.com/jacobsa/fuse/fuseops"

// The opaque 64-bit handles the transport hands back to us on every request
// encode an Inode's slab slot in the low 32 bits and a generation counter in
// the high 32 bits, so a decode is a bounds-checked array read rather than
// an unsafe pointer recovery, and the generation guards against a handle
// surviving past its slot's reuse.
const rootSlot = 0

// encodeHandle never produces fuseops.RootInodeID for a non-root slot: slot
// 0 is reserved for the root and only ever addressed through the sentinel,
// and every live slot carries a generation of at least 1, so every encoded
// handle is at least 1<<32 and cannot collide with the sentinel.
func encodeHandle(slot, generation uint32) fuseops.InodeID {
	return fuseops.InodeID(uint64(generation)<<32 | uint64(slot))
}

func decodeHandle(id fuseops.InodeID) (slot, generation uint32) {
	v := uint64(id)
	return uint32(v & 0xffffffff), uint32(v >> 32)
}
