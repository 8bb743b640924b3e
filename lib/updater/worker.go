// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package updater runs the long-running firmware update in its own
// goroutine, pulling image bytes through a handoff channel. The
// request-handling side never calls into the engine directly: it
// observes worker state through WaitReady/Wait and drives bytes
// through the channel.
package updater

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/otaforge/otaforge/lib/clock"
	"github.com/otaforge/otaforge/lib/handoff"
)

// Engine is the pluggable update engine. Prepare validates the
// manifest and allocates whatever the update needs; Apply consumes
// the firmware image from the reader (which returns io.EOF at the
// zero-length terminator) and returns the numeric result code.
// Engines are single-use: one Prepare, then one Apply.
type Engine interface {
	Prepare(ctx context.Context, manifest []byte) error
	Apply(ctx context.Context, image io.Reader) (int, error)
}

// Result codes produced by the worker itself. Engines return their
// own codes from Apply; zero always means success.
const (
	CodeOK               = 0
	CodeManifestRejected = 1
	CodeApplyFailed      = 2
)

// State is the worker's lifecycle position.
type State uint8

const (
	StateNotStarted State = iota
	StateStarted
	StateReadyForData
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarted:
		return "started"
	case StateReadyForData:
		return "ready-for-data"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Result is the worker's terminal outcome.
type Result struct {
	State State
	Code  int

	// Err is the engine error for StateFailed, nil for StateFinished.
	Err error
}

// Worker owns one update run. Created per upload, discarded after the
// result has been read.
type Worker struct {
	clk clock.Clock

	mu    sync.Mutex
	state State
	code  int
	err   error

	// ready closes when the worker reaches ReadyForData or fails
	// during Prepare.
	ready chan struct{}

	// done closes when the worker reaches a terminal state.
	done chan struct{}
}

// Start launches the worker goroutine: Prepare the engine with the
// manifest, mark ReadyForData, then Apply with a reader over the
// handoff channel. The manifest is copied; the caller's buffer is
// reused after Start returns.
func Start(ctx context.Context, engine Engine, manifest []byte, ch *handoff.Channel, clk clock.Clock) *Worker {
	w := &Worker{
		clk:   clk,
		state: StateStarted,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	manifestCopy := append([]byte(nil), manifest...)
	go w.run(ctx, engine, manifestCopy, ch)
	return w
}

func (w *Worker) run(ctx context.Context, engine Engine, manifest []byte, ch *handoff.Channel) {
	if err := engine.Prepare(ctx, manifest); err != nil {
		w.terminate(StateFailed, CodeManifestRejected, fmt.Errorf("preparing update: %w", err))
		close(w.ready)
		close(w.done)
		return
	}

	w.setState(StateReadyForData)
	close(w.ready)

	code, err := engine.Apply(ctx, handoff.NewReader(ctx, ch))
	if err != nil {
		if code == CodeOK {
			code = CodeApplyFailed
		}
		w.terminate(StateFailed, code, fmt.Errorf("applying update: %w", err))
	} else {
		w.terminate(StateFinished, code, nil)
	}
	close(w.done)
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) terminate(s State, code int, err error) {
	w.mu.Lock()
	w.state = s
	w.code = code
	w.err = err
	w.mu.Unlock()
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the engine error, or nil before failure.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Done returns a channel that closes when the worker reaches a
// terminal state.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Snapshot returns the current state and result code.
func (w *Worker) Snapshot() Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Result{State: w.state, Code: w.code, Err: w.err}
}

// WaitReady blocks until the engine has accepted the manifest and the
// worker can consume firmware data. Returns the engine error if
// Prepare failed, or a timeout error if the engine did not become
// ready within the window.
func (w *Worker) WaitReady(ctx context.Context, timeout time.Duration) error {
	select {
	case <-w.ready:
		result := w.Snapshot()
		if result.State == StateFailed {
			return result.Err
		}
		return nil
	case <-w.clk.After(timeout):
		return fmt.Errorf("update worker not ready after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the worker reaches a terminal state and returns
// the result. The result code is meaningful for both Finished and
// Failed.
func (w *Worker) Wait(ctx context.Context, timeout time.Duration) (Result, error) {
	select {
	case <-w.done:
		return w.Snapshot(), nil
	case <-w.clk.After(timeout):
		return Result{}, fmt.Errorf("update worker still running after %v", timeout)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
