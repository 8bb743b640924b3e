// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds shared test helpers. The channel helpers wrap
// every blocking channel operation in a timeout safety valve so a
// broken rendezvous fails the test instead of hanging the suite.
package testutil

import (
	"testing"
	"time"
)

// RequireReceive reads one value from ch within timeout, or fails the
// test.
func RequireReceive[T any](t *testing.T, ch <-chan T, timeout time.Duration, msg string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", msg)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, msg)
	}
	panic("unreachable")
}

// RequireSend sends v on ch within timeout, or fails the test.
func RequireSend[T any](t *testing.T, ch chan<- T, v T, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case ch <- v:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, msg)
	}
}

// RequireClosed waits for ch to close (or receive) within timeout, or
// fails the test.
func RequireClosed(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for close: %s", timeout, msg)
	}
}
