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
	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"
)

// dirStream is one open directory handle: an always-open directory fd, a
// streaming cursor over it, and the last entry read but not yet committed
// to a reply buffer. It is not shared across handlers and not thread-safe
// on its own; the transport guarantees no concurrent calls on one handle.
type dirStream struct {
	fd     int
	cursor uint64

	pending []rawDirent // unconsumed entries from the last getdents64 call
	eof     bool
}

// newDirStream opens the directory's "." read-only and wraps it as a
// stream with cursor 0.
func newDirStream(inoFD int) (*dirStream, error) {
	fd, err := unix.Openat(inoFD, ".", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &dirStream{fd: fd}, nil
}

func (d *dirStream) Close() error {
	return unix.Close(d.fd)
}

// seekIfNeeded repositions the stream when the client's continuation
// offset differs from our cursor, invalidating any cached entry.
func (d *dirStream) seekIfNeeded(offset fuseops.DirOffset) error {
	if uint64(offset) == d.cursor {
		return nil
	}
	if _, err := unix.Seek(d.fd, int64(offset), 0); err != nil {
		return err
	}
	d.cursor = uint64(offset)
	d.pending = nil
	d.eof = false
	return nil
}

// next returns the next directory entry without consuming it twice: callers
// that decide not to commit an entry (buffer would overflow) must call
// next again later without having advanced the cursor themselves.
func (d *dirStream) next() (rawDirent, bool, error) {
	if len(d.pending) > 0 {
		e := d.pending[0]
		return e, true, nil
	}
	if d.eof {
		return rawDirent{}, false, nil
	}

	buf := make([]byte, 32*1024)
	n, err := unix.Getdents(d.fd, buf)
	if err != nil {
		return rawDirent{}, false, err
	}
	if n == 0 {
		d.eof = true
		return rawDirent{}, false, nil
	}

	d.pending = parseDirents(buf[:n])
	if len(d.pending) == 0 {
		d.eof = true
		return rawDirent{}, false, nil
	}
	return d.pending[0], true, nil
}

// advance commits the entry most recently returned by next, moving the
// cursor to its reported next-offset.
func (d *dirStream) advance() {
	if len(d.pending) == 0 {
		return
	}
	d.cursor = d.pending[0].off
	d.pending = d.pending[1:]
}
