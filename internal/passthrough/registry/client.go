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
	"net"
	"sync"

	"github.com/hostreflect/passthroughfs/internal/logger"
)

// pendingGet is a per-caller record carrying a binary semaphore, posted by
// the reader goroutine once the matching VERSION reply arrives.
type pendingGet struct {
	done   chan struct{}
	offset uint64
	refid  uint64
}

// Client is the connection to the shared-version registry. A nil *Client
// (or one whose Dial failed) is a valid, fully inert value: every inode
// registered through it gets offset 0 and versioning becomes a no-op, so
// the rest of the server degrades cleanly when the registry is away.
type Client struct {
	conn net.Conn

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingGet
}

// Dial connects to the sequenced-packet unix socket at socketPath and
// starts the reader goroutine. If the socket does not exist or refuses the
// connection, Dial returns nil: callers should treat that exactly like a
// registry that later disconnects, since a nil *Client is fully inert.
func Dial(socketPath string) *Client {
	conn, err := net.Dial("unixpacket", socketPath)
	if err != nil {
		logger.Warnf("passthrough: shared-version registry unreachable at %s, running without it: %v", socketPath, err)
		return nil
	}

	c := &Client{
		conn:    conn,
		pending: make(map[uint64]*pendingGet),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	buf := make([]byte, recordSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			logger.Infof("passthrough: shared-version registry disconnected: %v", err)
			c.failAllPending()
			return
		}
		reply, ok := decodeVersion(buf[:n])
		if !ok {
			continue
		}

		c.mu.Lock()
		p, found := c.pending[reply.handle]
		if found {
			delete(c.pending, reply.handle)
		}
		c.mu.Unlock()

		if !found {
			continue
		}
		p.offset = reply.offset
		p.refid = reply.refid
		close(p.done)
	}
}

func (c *Client) failAllPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for handle, p := range c.pending {
		close(p.done)
		delete(c.pending, handle)
	}
}

// Register asks the registry for a version-table slot for (dev, ino),
// blocking until the reader goroutine posts the reply. ok is false if c is
// nil, the write failed, or the registry disconnected before replying; in
// that case the inode must be treated as having versioning disabled.
func (c *Client) Register(dev, ino uint64) (offset uint64, refid uint64, ok bool) {
	if c == nil {
		return 0, 0, false
	}

	c.mu.Lock()
	c.nextID++
	handle := c.nextID
	p := &pendingGet{done: make(chan struct{})}
	c.pending[handle] = p
	c.mu.Unlock()

	if _, err := c.conn.Write(encodeGet(handle, dev, ino)); err != nil {
		c.mu.Lock()
		delete(c.pending, handle)
		c.mu.Unlock()
		return 0, 0, false
	}

	<-p.done

	if p.refid == 0 && p.offset == 0 {
		// Disconnected before replying; failAllPending leaves both zero.
		return 0, 0, false
	}
	return p.offset, p.refid, true
}

// Release tells the registry refid's slot may be reused. It is
// fire-and-forget: the protocol defines no reply to PUT.
func (c *Client) Release(refid uint64) {
	if c == nil {
		return
	}
	if _, err := c.conn.Write(encodePut(refid)); err != nil {
		logger.Warnf("passthrough: failed releasing registry slot %d: %v", refid, err)
	}
}

// Close shuts down the registry connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.conn.Close()
}
