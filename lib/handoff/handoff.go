// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package handoff implements the capacity-one synchronous rendezvous
// that moves firmware bytes from the upload session (producer, running
// in the request-handling goroutine) to the update worker (consumer).
//
// Exactly one chunk is ever in flight. Send does not return until the
// consumer has copied the chunk out and acknowledged it, so the
// producer can never overwrite unconsumed data. This is the sole
// backpressure mechanism between the two goroutines: the request
// handler blocks here, and only here, while the worker may block
// indefinitely inside the update engine.
package handoff

import (
	"context"
	"fmt"
	"io"
)

// Channel is a capacity-one rendezvous for byte chunks. The zero
// value is not usable; construct with New.
type Channel struct {
	capacity int

	// slot is the single shared buffer. The producer writes it only
	// while the consumer is parked outside Receive (guaranteed by the
	// filled/ack protocol), so no additional locking is needed.
	slot []byte

	// filled carries the length of the chunk currently in slot. A
	// length of zero is the end-of-stream sentinel.
	filled chan int

	// ack signals that the consumer has copied the chunk out of slot.
	ack chan struct{}
}

// New returns a Channel that transfers chunks of at most capacity
// bytes. Panics if capacity is not positive; the capacity is a static
// configuration value, not runtime input.
func New(capacity int) *Channel {
	if capacity <= 0 {
		panic(fmt.Sprintf("handoff: invalid capacity %d", capacity))
	}
	return &Channel{
		capacity: capacity,
		slot:     make([]byte, capacity),
		filled:   make(chan int),
		ack:      make(chan struct{}),
	}
}

// Capacity returns the maximum chunk length.
func (c *Channel) Capacity() int {
	return c.capacity
}

// Send transfers one chunk to the consumer and blocks until the
// consumer has acknowledged it. A zero-length p (or nil) is the
// end-of-stream terminator and must be the last chunk sent. Returns
// an error if len(p) exceeds the channel capacity or if ctx is done
// before the consumer takes the chunk.
func (c *Channel) Send(ctx context.Context, p []byte) error {
	if len(p) > c.capacity {
		return fmt.Errorf("handoff: chunk length %d exceeds capacity %d", len(p), c.capacity)
	}

	copy(c.slot, p)

	select {
	case c.filled <- len(p):
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-c.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until the producer offers a chunk, copies
// min(chunk length, len(into)) bytes into into, acknowledges the
// chunk, and returns the copied length. A returned length of zero
// denotes end-of-stream. Bytes beyond len(into) are discarded, so
// consumers should pass a buffer at least Capacity bytes long.
func (c *Channel) Receive(ctx context.Context, into []byte) (int, error) {
	var length int
	select {
	case length = <-c.filled:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	n := copy(into, c.slot[:length])

	select {
	case c.ack <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	return n, nil
}

// Reader adapts the consumer side of a Channel to io.Reader. Each
// Read performs one Receive; after the zero-length terminator every
// Read returns io.EOF. This is the pull-callback handed to the update
// engine.
type Reader struct {
	ctx context.Context
	ch  *Channel
	eof bool
}

// NewReader returns a Reader over ch. The context bounds every
// blocking Receive.
func NewReader(ctx context.Context, ch *Channel) *Reader {
	return &Reader{ctx: ctx, ch: ch}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.eof {
		return 0, io.EOF
	}
	n, err := r.ch.Receive(r.ctx, p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		r.eof = true
		return 0, io.EOF
	}
	return n, nil
}
