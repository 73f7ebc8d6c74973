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
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeHandleRoundTrip(t *testing.T) {
	cases := []struct {
		slot, generation uint32
	}{
		{slot: 1, generation: 1},
		{slot: 4096, generation: 7},
		{slot: 0xffffffff, generation: 0xffffffff},
	}

	for _, c := range cases {
		id := encodeHandle(c.slot, c.generation)
		gotSlot, gotGeneration := decodeHandle(id)
		assert.Equal(t, c.slot, gotSlot)
		assert.Equal(t, c.generation, gotGeneration)
	}
}

// Live slots always carry a generation of at least 1 (see Table.allocSlot),
// so no encoded handle can collide with the root sentinel.
func TestEncodeHandleNeverProducesRootSentinel(t *testing.T) {
	for slot := uint32(1); slot < 8; slot++ {
		for generation := uint32(1); generation < 4; generation++ {
			id := encodeHandle(slot, generation)
			assert.NotEqual(t, fuseops.InodeID(fuseops.RootInodeID), id)
			assert.NotZero(t, id)
		}
	}
}

func TestTableAllocatesGenerationsFromOne(t *testing.T) {
	table := NewTable(-1, Key{Dev: 1, Ino: 1}, true)
	in, inserted := table.Intern(&Inode{key: Key{Dev: 2, Ino: 2}, refcount: 1})
	assert.True(t, inserted)
	assert.Equal(t, uint32(1), in.generation)
	assert.NotEqual(t, fuseops.InodeID(fuseops.RootInodeID), table.Handle(in))
}
