package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInflightRejectsWhenFull(t *testing.T) {
	l := NewInflight(1)
	hold := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func() error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered
	if l.InUse() != 1 {
		t.Fatalf("in use = %d", l.InUse())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	if err := l.Do(ctx, func() error { ran = true; return nil }); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if ran || l.Rejected() != 1 {
		t.Fatalf("fn must not run when rejected (ran=%v rejected=%d)", ran, l.Rejected())
	}

	close(hold)
	deadline := time.Now().Add(time.Second)
	for l.InUse() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if l.InUse() != 0 {
		t.Fatalf("slot not returned")
	}
}

func TestInflightPassesThroughError(t *testing.T) {
	l := NewInflight(2)
	boom := errors.New("db down")
	if err := l.Do(context.Background(), func() error { return boom }); err != boom {
		t.Fatalf("got %v", err)
	}
	if l.InUse() != 0 {
		t.Fatalf("slot leaked after error")
	}
}
