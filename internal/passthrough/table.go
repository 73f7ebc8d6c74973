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

// Package passthrough implements the inode-identity core of a userspace
// passthrough filesystem: a canonical (device, inode) to Inode table with
// kernel-protocol refcounting, a race-robust path resolver, a credential
// shim for create-type operations, an optional shared-version registry
// client, a directory-entry streamer, and the request handlers that tie
// them together for the jacobsa/fuse transport.
package passthrough

import (
	"fmt"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"
)

// Table is the canonical (device, inode) to Inode map: constant-time
// lookup by host identity, single mutex serializing every structural
// mutation and refcount change, lock-free reads of the immutable fields
// of an Inode already found. Slot numbers live in a reusable slab so they
// can be recycled, with a generation counter guarding against stale
// handles, once an Inode's refcount reaches zero.
type Table struct {
	mu syncutil.InvariantMutex

	byKey map[Key]*Inode
	slab  []*Inode
	free  []uint32

	root *Inode
}

// NewTable creates a Table whose root inode is anchored at rootFD (an
// O_PATH descriptor for the source root), identified by rootKey. The root
// is preallocated with refcount 2 and is never evicted.
func NewTable(rootFD int, rootKey Key, rootIsDir bool) *Table {
	root := &Inode{
		key:      rootKey,
		fd:       rootFD,
		isDir:    rootIsDir,
		slot:     rootSlot,
		refcount: 2,
	}

	t := &Table{
		byKey: make(map[Key]*Inode),
		slab:  make([]*Inode, 1, 64),
	}
	t.slab[rootSlot] = root
	t.root = root
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	// The root is addressed only through the sentinel handle; it is
	// deliberately absent from byKey and never inserted or removed here.
	return t
}

// checkInvariants runs under t.mu when invariant checking is enabled
// (syncutil.EnableInvariantChecking, used by tests).
//
// Invariants:
//   - every reachable entry has a positive refcount
//   - every entry's slab slot points back at it
//   - the root is never present in byKey
func (t *Table) checkInvariants() {
	for key, in := range t.byKey {
		if in.key != key {
			panic(fmt.Sprintf("table entry keyed %+v holds key %+v", key, in.key))
		}
		if in.refcount == 0 {
			panic(fmt.Sprintf("reachable inode %+v has zero refcount", key))
		}
		if t.slab[in.slot] != in {
			panic(fmt.Sprintf("slab slot %d does not hold inode %+v", in.slot, key))
		}
		if in == t.root {
			panic("root inode present in the key map")
		}
	}
}

// Root returns the preallocated root Inode.
func (t *Table) Root() *Inode { return t.root }

// RootHandle returns the sentinel inode ID that must round-trip to the
// root without a table lookup.
func RootHandle() fuseops.InodeID { return fuseops.RootInodeID }

// Lookup decodes id into an Inode pointer, verifying the slab generation so
// a stale handle from a reused slot is rejected rather than silently
// returning the wrong object. It does not change refcount.
func (t *Table) Lookup(id fuseops.InodeID) (*Inode, bool) {
	if id == fuseops.RootInodeID {
		return t.root, true
	}

	slot, generation := decodeHandle(id)

	t.mu.Lock()
	defer t.mu.Unlock()

	if int(slot) >= len(t.slab) {
		return nil, false
	}
	in := t.slab[slot]
	if in == nil || in.generation != generation {
		return nil, false
	}
	return in, true
}

// Handle returns the opaque kernel-facing handle for in.
func (t *Table) Handle(in *Inode) fuseops.InodeID {
	if in == t.root {
		return fuseops.RootInodeID
	}
	return encodeHandle(in.slot, in.generation)
}

// Find returns the Inode for key, if any, with its refcount incremented by
// one: a successful Find transfers one reference to the caller. The
// root is addressed by its key too, so the path resolver can take a
// transient reference on it when the source root is the parent it
// recovers.
func (t *Table) Find(key Key) (*Inode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if key == t.root.key {
		t.root.refcount++
		return t.root, true
	}

	in, ok := t.byKey[key]
	if !ok {
		return nil, false
	}
	in.refcount++
	return in, true
}

// Intern inserts candidate (built by the caller with refcount already set
// to 1) iff no entry for its key exists yet. If another goroutine won the
// race, Intern returns that existing Inode (with an added reference) and
// false so the caller can discard its candidate (closing its fd and
// releasing any registry slot it reserved).
func (t *Table) Intern(candidate *Inode) (*Inode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byKey[candidate.key]; ok {
		existing.refcount++
		return existing, false
	}

	slot, generation := t.allocSlot(candidate)
	candidate.slot = slot
	candidate.generation = generation
	t.byKey[candidate.key] = candidate
	return candidate, true
}

// allocSlot must be called with t.mu held.
func (t *Table) allocSlot(in *Inode) (slot, generation uint32) {
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
		prev := t.slab[slot]
		generation = prev.generation + 1
		t.slab[slot] = in
		in.generation = generation
		return slot, generation
	}

	// Generations start at 1 so that no encoded handle can collide with the
	// root sentinel (see handle.go).
	slot = uint32(len(t.slab))
	t.slab = append(t.slab, in)
	in.generation = 1
	return slot, 1
}

// AddRef increments in's refcount by one, for operations like link(2) that
// grow the number of directory entries pointing at an inode without a
// preceding Find.
func (t *Table) AddRef(in *Inode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	in.refcount++
}

// Unref decrements in's refcount by n and, if it reaches zero, removes it
// from the table. It returns the Inode so the caller can release its fd
// and registry slot outside the table mutex, or nil if the Inode survives.
// Unref panics if n exceeds the current refcount. The root is
// never evicted: transient references taken on it via Find are dropped
// here without ever reaching the eviction path.
func (t *Table) Unref(in *Inode, n uint64) (evicted *Inode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n > in.refcount {
		panic(fmt.Sprintf("passthrough: refcount underflow for key %+v: have %d, asked to drop %d", in.key, in.refcount, n))
	}

	in.refcount -= n
	if in.refcount > 0 || in == t.root {
		return nil
	}

	delete(t.byKey, in.key)
	t.free = append(t.free, in.slot)
	t.slab[in.slot] = in // keep for generation bookkeeping until reused
	return in
}

// Len reports how many non-root inodes remain in the table. Used by tests
// asserting that a balanced workload leaves only the root behind.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}
