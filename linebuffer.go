package barto

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// lineBuffer is a bounded FIFO between a command's pipe scanners and
// the websocket writer. The child must never stall on a slow wire, so
// when the buffer is full the oldest line is evicted; a single
// synthetic marker reports the loss when the buffer next drains.
type lineBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []Output
	cap     int
	dropped int
	closed  bool
}

func newLineBuffer(capacity int) *lineBuffer {
	b := &lineBuffer{
		items: make([]Output, 0, capacity),
		cap:   capacity,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Add appends a line. If the buffer is full the oldest line is
// evicted and counted.
func (b *lineBuffer) Add(o Output) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.cap {
		copy(b.items, b.items[1:])
		b.items[len(b.items)-1] = o
		b.dropped++
	} else {
		b.items = append(b.items, o)
	}
	b.cond.Signal()
}

// Close marks the buffer complete. Next keeps returning queued lines
// until empty.
func (b *lineBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Next blocks for the next line. When lines were evicted since the
// last call it first returns the drop marker. Returns false once the
// buffer is closed and empty.
func (b *lineBuffer) Next(cmdUUID uuid.UUID) (Output, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) == 0 && b.dropped == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.dropped > 0 {
		n := b.dropped
		b.dropped = 0
		return Output{
			CmdUUID:   cmdUUID,
			Kind:      Stderr,
			Timestamp: time.Now().UTC(),
			Line:      fmt.Sprintf("[barto: %d lines dropped]", n),
		}, true
	}
	if len(b.items) == 0 {
		return Output{}, false
	}
	o := b.items[0]
	copy(b.items, b.items[1:])
	b.items = b.items[:len(b.items)-1]
	return o, true
}
