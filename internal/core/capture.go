package core

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

const truncatedMarker = "\n...[truncated]"

// cappedBuffer keeps at most limit bytes and silently discards the rest so
// a chatty process can neither block on a full pipe nor exhaust memory.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit <= 0 {
		return c.buf.Write(p)
	}
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := strings.ToValidUTF8(c.buf.String(), "�")
	if c.truncated {
		s += truncatedMarker
	}
	return s
}

// readCapped reads r up to limit bytes (no limit when limit <= 0).
func readCapped(r io.Reader, limit int) (string, error) {
	buf := newCappedBuffer(limit)
	_, err := io.Copy(buf, r)
	return buf.String(), err
}
