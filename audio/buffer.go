package audio

import (
	"encoding/binary"
	"sync"
)

// PCMBuffer is a bounded FIFO of interleaved int16 samples between a
// producing engine and a consuming playback callback. Write blocks while
// the buffer is full; the callback side never blocks and zero-fills
// whatever it cannot serve, so the device keeps running through gaps.
type PCMBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []int16
	limit  int
	closed bool
}

func NewPCMBuffer(limitSamples int) *PCMBuffer {
	if limitSamples < 1024 {
		limitSamples = 1024
	}
	b := &PCMBuffer{
		buf:   make([]int16, 0, limitSamples),
		limit: limitSamples,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write appends samples, blocking while the buffer is full. Writes to a
// closed buffer are discarded.
func (b *PCMBuffer) Write(p []int16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(p) > 0 {
		for len(b.buf) >= b.limit && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			return
		}
		n := b.limit - len(b.buf)
		if n > len(p) {
			n = len(p)
		}
		b.buf = append(b.buf, p[:n]...)
		p = p[n:]
		b.cond.Broadcast()
	}
}

// ReadBytes pops samples into out as little-endian bytes without blocking,
// zero-filling the remainder. Returns the number of samples served from
// the buffer.
func (b *PCMBuffer) ReadBytes(out []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	want := len(out) / 2
	n := want
	if n > len(b.buf) {
		n = len(b.buf)
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(b.buf[i]))
	}
	for i := n * 2; i < len(out); i++ {
		out[i] = 0
	}
	b.buf = b.buf[:copy(b.buf, b.buf[n:])]
	b.cond.Broadcast()
	return n
}

// Len returns the number of buffered samples.
func (b *PCMBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// WaitEmpty blocks until the consumer has drained every buffered sample,
// or the buffer is closed.
func (b *PCMBuffer) WaitEmpty() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.buf) > 0 && !b.closed {
		b.cond.Wait()
	}
}

// Close discards buffered samples and releases all blocked writers.
func (b *PCMBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.buf = b.buf[:0]
	b.cond.Broadcast()
}
