package strategy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type stubInstance struct {
	id       string
	ticks    atomic.Int64
	quits    atomic.Int64
	tickErr  error
	panicMsg string
}

func (s *stubInstance) ID() string { return s.id }

func (s *stubInstance) Tick(ctx context.Context) error {
	s.ticks.Add(1)
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.tickErr
}

func (s *stubInstance) QuitAll(ctx context.Context) error {
	s.quits.Add(1)
	return nil
}

func (s *stubInstance) Gain() float64 { return 0 }

func TestDriverTicksAllInstances(t *testing.T) {
	d := NewDriver(nil, time.Millisecond)
	a := &stubInstance{id: "a"}
	b := &stubInstance{id: "b"}
	d.Add(a)
	d.Add(b)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := d.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want deadline exceeded", err)
	}
	if a.ticks.Load() == 0 || b.ticks.Load() == 0 {
		t.Fatalf("ticks a=%d b=%d, want both > 0", a.ticks.Load(), b.ticks.Load())
	}
}

func TestDriverContainsFailures(t *testing.T) {
	d := NewDriver(nil, time.Millisecond)
	bad := &stubInstance{id: "bad", tickErr: errors.New("boom")}
	worse := &stubInstance{id: "worse", panicMsg: "kaboom"}
	ok := &stubInstance{id: "ok"}
	d.Add(bad)
	d.Add(worse)
	d.Add(ok)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)
	if ok.ticks.Load() == 0 {
		t.Fatalf("healthy instance starved by failing neighbours")
	}
	if worse.ticks.Load() == 0 {
		t.Fatalf("panicking instance was never retried")
	}
}

func TestDriverRequestQuit(t *testing.T) {
	d := NewDriver(nil, time.Millisecond)
	a := &stubInstance{id: "a"}
	b := &stubInstance{id: "b"}
	d.Add(a)
	d.Add(b)
	d.RequestQuit("a")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	if a.quits.Load() != 1 {
		t.Fatalf("quit calls = %d, want 1", a.quits.Load())
	}
	if a.ticks.Load() != 0 {
		t.Fatalf("quit instance was ticked %d times", a.ticks.Load())
	}
	if b.ticks.Load() == 0 {
		t.Fatalf("remaining instance was not ticked")
	}
	if d.Len() != 1 {
		t.Fatalf("driver has %d instances, want 1", d.Len())
	}
}
