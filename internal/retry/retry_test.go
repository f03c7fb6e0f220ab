package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"rollcall/internal/retry"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	p := retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}
	sentinel := errors.New("down")
	err := p.Do(context.Background(), func(context.Context) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := retry.Policy{Attempts: 5, BaseDelay: time.Minute}
	err := p.Do(ctx, func(context.Context) error { return errors.New("x") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
