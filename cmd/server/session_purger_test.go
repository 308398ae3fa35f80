package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingPurger struct {
	calls atomic.Int64
}

func (p *countingPurger) PurgeExpired() error {
	p.calls.Add(1)
	return nil
}

func TestSessionPurgeLoopSweepsOnInterval(t *testing.T) {
	purger := &countingPurger{}
	loop := sessionPurgeLoop(nil, purger, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- loop(ctx)
	}()

	deadline := time.After(time.Second)
	for purger.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("purger was never invoked")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("loop returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancellation")
	}
}

func TestSessionPurgeLoopWithoutPurgerWaitsForCancel(t *testing.T) {
	loop := sessionPurgeLoop(nil, nil, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- loop(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("loop returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancellation")
	}
}
