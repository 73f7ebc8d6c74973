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
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// rawDirent is one parsed struct linux_dirent64 record: ino, the offset of
// the *next* entry (what the kernel calls d_off, suitable for a later
// seek/resume), its file type, and name.
type rawDirent struct {
	ino  uint64
	off  uint64
	typ  uint8
	name string
}

// parseDirents walks a getdents64 buffer (as returned by unix.Getdents),
// returning every record found. It intentionally does not use
// unix.ParseDirent, which discards d_ino/d_off/d_type; the directory
// stream needs all three to implement resumable readdir.
func parseDirents(buf []byte) []rawDirent {
	var out []rawDirent
	for len(buf) > 0 {
		if len(buf) < 19 {
			break
		}
		reclen := binary.LittleEndian.Uint16(buf[16:18])
		if reclen == 0 || int(reclen) > len(buf) {
			break
		}

		ino := binary.LittleEndian.Uint64(buf[0:8])
		off := binary.LittleEndian.Uint64(buf[8:16])
		typ := buf[18]

		nameBytes := buf[19:reclen]
		n := 0
		for n < len(nameBytes) && nameBytes[n] != 0 {
			n++
		}

		if ino != 0 {
			out = append(out, rawDirent{
				ino:  ino,
				off:  off,
				typ:  typ,
				name: string(nameBytes[:n]),
			})
		}

		buf = buf[reclen:]
	}
	return out
}

// direntType maps a raw d_type byte to the unix.DT_* constant space the
// caller uses to pick a fuseutil dirent type.
func direntType(t uint8) uint8 {
	switch t {
	case unix.DT_DIR, unix.DT_REG, unix.DT_LNK, unix.DT_BLK, unix.DT_CHR, unix.DT_FIFO, unix.DT_SOCK:
		return t
	default:
		return unix.DT_UNKNOWN
	}
}
