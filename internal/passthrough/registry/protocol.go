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

// Package registry implements the shared-version client (C4): registering
// canonical inodes with an external registry over a SOCK_SEQPACKET unix
// socket so that multiple passthrough instances over the same source tree
// can invalidate each other's caches through a shared memory-mapped
// version table.
package registry

import "encoding/binary"

// recordSize is the fixed size of every wire record: four
// little-endian uint64 fields. GET uses (op, handle, dev, ino); PUT uses
// (op, refid, 0, 0); VERSION replies use (op, handle, offset, refid).
const recordSize = 32

type opCode uint64

const (
	opGet     opCode = 1
	opPut     opCode = 2
	opVersion opCode = 3
)

func encodeGet(handle, dev, ino uint64) []byte {
	b := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(opGet))
	binary.LittleEndian.PutUint64(b[8:16], handle)
	binary.LittleEndian.PutUint64(b[16:24], dev)
	binary.LittleEndian.PutUint64(b[24:32], ino)
	return b
}

func encodePut(refid uint64) []byte {
	b := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(opPut))
	binary.LittleEndian.PutUint64(b[8:16], refid)
	return b
}

type versionReply struct {
	handle uint64
	offset uint64
	refid  uint64
}

// decodeVersion parses a VERSION reply. ok is false if b is not a
// recognized VERSION record (too short, or a different op code), in which
// case the record is silently dropped by the reader loop.
func decodeVersion(b []byte) (versionReply, bool) {
	if len(b) < recordSize {
		return versionReply{}, false
	}
	if opCode(binary.LittleEndian.Uint64(b[0:8])) != opVersion {
		return versionReply{}, false
	}
	return versionReply{
		handle: binary.LittleEndian.Uint64(b[8:16]),
		offset: binary.LittleEndian.Uint64(b[16:24]),
		refid:  binary.LittleEndian.Uint64(b[24:32]),
	}, true
}
