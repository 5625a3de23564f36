package sandbox

import (
	"fmt"
	"sync"
)

// tailBuffer keeps the last max bytes written to it. Tracebacks live at the
// end of stderr, so the tail is what matters.
type tailBuffer struct {
	mu      sync.Mutex
	max     int
	buf     []byte
	dropped int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = DefaultMaxOutputBytes
	}
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.dropped += over
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped > 0 {
		return fmt.Sprintf("[... %d bytes truncated ...]\n%s", b.dropped, b.buf)
	}
	return string(b.buf)
}
