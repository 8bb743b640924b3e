// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

package updater

import (
	"context"
	"fmt"
	"time"

	"github.com/otaforge/otaforge/lib/handoff"
)

// Delivery pairs a handoff channel with the worker consuming it. It
// implements the upload session's producer-side view: Send transfers
// one firmware chunk, Close terminates the stream and collects the
// result. A Delivery is used by exactly one goroutine.
type Delivery struct {
	Channel *handoff.Channel
	Worker  *Worker

	// FinishTimeout bounds Close's wait for the engine to complete
	// after the terminator.
	FinishTimeout time.Duration
}

// Send transfers one chunk to the worker. If the worker exits while
// the chunk is waiting in the rendezvous (the engine failed or
// stopped pulling early), Send unblocks and returns the worker's
// error instead of stalling the request handler.
func (d *Delivery) Send(ctx context.Context, chunk []byte) error {
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.Worker.Done():
			cancel()
		case <-sendCtx.Done():
		}
	}()

	if err := d.Channel.Send(sendCtx, chunk); err != nil {
		if workerErr := d.Worker.Err(); workerErr != nil {
			return fmt.Errorf("update worker exited: %w", workerErr)
		}
		return err
	}
	return nil
}

// Close sends the zero-length end-of-stream terminator (unless the
// worker has already exited), waits for the worker to finish, and
// returns the engine result code. The code is meaningful for both
// success and failure; the error covers only transport conditions
// (context cancellation, finish timeout).
func (d *Delivery) Close(ctx context.Context) (int, error) {
	select {
	case <-d.Worker.Done():
	default:
		if err := d.Send(ctx, nil); err != nil {
			// The worker exited between the check and the send; its
			// result is still what the caller needs.
			if d.Worker.State() != StateFinished && d.Worker.State() != StateFailed {
				return 0, err
			}
		}
	}

	result, err := d.Worker.Wait(ctx, d.FinishTimeout)
	if err != nil {
		return 0, err
	}
	return result.Code, nil
}
