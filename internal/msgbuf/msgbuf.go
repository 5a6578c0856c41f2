// Package msgbuf provides the bounded buffer of framed messages that links
// pipeline stages. Push blocks while the buffer is full and Pop while it is
// empty; Close marks a clean end of stream, and Cancel unblocks every
// waiter immediately, discarding anything undelivered. FIFO order holds
// between a single producer and a single consumer; competing consumers each
// observe their own receipts in arrival order.
package msgbuf

import (
	"errors"
	"io"
	"sync"

	"github.com/zsiec/reel/internal/wire"
)

// Buffer errors. A drained, closed buffer reports io.EOF from Pop.
var (
	ErrClosed    = errors.New("msgbuf: buffer closed")
	ErrCancelled = errors.New("msgbuf: buffer cancelled")
	ErrFull      = errors.New("msgbuf: buffer full")
)

// DefaultCapacity is the message capacity used by New.
const DefaultCapacity = 256

// Buffer is a bounded single-direction message queue.
type Buffer struct {
	ch        chan *wire.Message
	closed    chan struct{}
	cancelled chan struct{}

	closeOnce  sync.Once
	cancelOnce sync.Once
}

// New returns a buffer with DefaultCapacity.
func New() *Buffer { return NewSize(DefaultCapacity) }

// NewSize returns a buffer bounded to the given number of messages.
func NewSize(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		ch:        make(chan *wire.Message, capacity),
		closed:    make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

// Push appends m, blocking while the buffer is full. It fails with
// ErrClosed after Close and ErrCancelled after Cancel.
func (b *Buffer) Push(m *wire.Message) error {
	select {
	case <-b.cancelled:
		return ErrCancelled
	case <-b.closed:
		return ErrClosed
	default:
	}
	select {
	case b.ch <- m:
		return nil
	case <-b.cancelled:
		return ErrCancelled
	case <-b.closed:
		return ErrClosed
	}
}

// TryPush appends m without blocking, failing with ErrFull when no space
// is available.
func (b *Buffer) TryPush(m *wire.Message) error {
	select {
	case <-b.cancelled:
		return ErrCancelled
	case <-b.closed:
		return ErrClosed
	default:
	}
	select {
	case b.ch <- m:
		return nil
	default:
		return ErrFull
	}
}

// Pop removes the next message, blocking while the buffer is empty. After
// Close it drains the remaining messages and then reports io.EOF; after
// Cancel it reports ErrCancelled immediately.
func (b *Buffer) Pop() (*wire.Message, error) {
	select {
	case <-b.cancelled:
		return nil, ErrCancelled
	default:
	}
	select {
	case m := <-b.ch:
		return m, nil
	default:
	}
	select {
	case m := <-b.ch:
		return m, nil
	case <-b.cancelled:
		return nil, ErrCancelled
	case <-b.closed:
		// Drain whatever was pushed before the close.
		select {
		case m := <-b.ch:
			return m, nil
		default:
			return nil, io.EOF
		}
	}
}

// Close marks the end of the stream. Buffered messages remain poppable.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Cancel unblocks all waiters and discards undelivered messages. Used for
// the final teardown handshake when advisory cancellation flags are not
// enough to free a blocked worker.
func (b *Buffer) Cancel() {
	b.cancelOnce.Do(func() {
		close(b.cancelled)
		for {
			select {
			case <-b.ch:
			default:
				return
			}
		}
	})
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int { return len(b.ch) }
