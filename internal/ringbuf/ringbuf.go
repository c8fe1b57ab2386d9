package ringbuf

import (
	"errors"
	"io"
	"sync"
)

var (
	// ErrClosed is returned when a handle is used after its own Close.
	ErrClosed = errors.New("ringbuf: use of closed handle")
	// ErrConsumerClosed is returned by Producer.Write once nothing can drain the buffer anymore.
	ErrConsumerClosed = errors.New("ringbuf: consumer closed")
)

// Buffer is a fixed-capacity FIFO byte buffer shared by exactly one Producer
// and one Consumer. Writes block while the buffer is full, reads block while
// it is empty.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	data  []byte
	start int // index of the oldest unread byte
	size  int // number of unread bytes

	producerClosed bool
	consumerClosed bool
	split          bool
}

// New creates a buffer holding at most capacity bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ringbuf: capacity must be positive")
	}
	b := &Buffer{data: make([]byte, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Split hands out the two halves of the buffer. It must be called exactly once.
func (b *Buffer) Split() (*Producer, *Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.split {
		panic("ringbuf: Split called twice")
	}
	b.split = true
	return &Producer{buf: b}, &Consumer{buf: b}
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of buffered, unread bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// put copies as much of p as fits. Caller holds mu.
func (b *Buffer) put(p []byte) int {
	written := 0
	for written < len(p) && b.size < len(b.data) {
		end := (b.start + b.size) % len(b.data)
		free := len(b.data) - b.size
		chunk := len(b.data) - end
		if chunk > free {
			chunk = free
		}
		n := copy(b.data[end:end+chunk], p[written:])
		b.size += n
		written += n
	}
	return written
}

// take copies up to len(p) buffered bytes into p. Caller holds mu.
func (b *Buffer) take(p []byte) int {
	read := 0
	for read < len(p) && b.size > 0 {
		chunk := len(b.data) - b.start
		if chunk > b.size {
			chunk = b.size
		}
		n := copy(p[read:], b.data[b.start:b.start+chunk])
		b.start = (b.start + n) % len(b.data)
		b.size -= n
		read += n
	}
	if b.size == 0 {
		b.start = 0
	}
	return read
}

// Producer is the write half of a Buffer.
type Producer struct {
	buf *Buffer
}

var _ io.WriteCloser = (*Producer)(nil)

// Write copies all of p into the buffer, blocking while it is full. If the
// consumer goes away first, Write reports how much was accepted together
// with ErrConsumerClosed.
func (p *Producer) Write(data []byte) (int, error) {
	b := p.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	written := 0
	for {
		if b.producerClosed {
			return written, ErrClosed
		}
		if b.consumerClosed {
			return written, ErrConsumerClosed
		}
		if written == len(data) {
			return written, nil
		}
		if n := b.put(data[written:]); n > 0 {
			written += n
			b.cond.Broadcast()
			continue
		}
		b.cond.Wait()
	}
}

// Close marks the end of the stream. Buffered bytes stay readable.
func (p *Producer) Close() error {
	b := p.buf
	b.mu.Lock()
	b.producerClosed = true
	b.mu.Unlock()
	b.cond.Broadcast()
	return nil
}

// Consumer is the read half of a Buffer.
type Consumer struct {
	buf *Buffer
}

var _ io.ReadCloser = (*Consumer)(nil)

// Read blocks until at least one byte is available. It returns io.EOF once
// the producer has closed and everything it wrote has been read.
func (c *Consumer) Read(data []byte) (int, error) {
	b := c.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.consumerClosed {
			return 0, ErrClosed
		}
		if len(data) == 0 {
			return 0, nil
		}
		if n := b.take(data); n > 0 {
			b.cond.Broadcast()
			return n, nil
		}
		if b.producerClosed {
			return 0, io.EOF
		}
		b.cond.Wait()
	}
}

// Close abandons the stream; a blocked or later Producer.Write fails with
// ErrConsumerClosed.
func (c *Consumer) Close() error {
	b := c.buf
	b.mu.Lock()
	b.consumerClosed = true
	b.mu.Unlock()
	b.cond.Broadcast()
	return nil
}
