// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeNow(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Fake(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}

	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Now() after Advance = %v, want %v", got, start.Add(90*time.Second))
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ch := c.After(10 * time.Second)

	c.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before its deadline")
	default:
	}

	c.Advance(1 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	late := c.After(20 * time.Second)
	early := c.After(5 * time.Second)

	c.Advance(30 * time.Second)

	earlyAt := <-early
	lateAt := <-late
	if earlyAt.After(lateAt) {
		t.Fatalf("early timer fired at %v, after late timer at %v", earlyAt, lateAt)
	}
}
