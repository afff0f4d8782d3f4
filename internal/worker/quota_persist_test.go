package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeQuotaPersister struct {
	calls atomic.Int32
}

func (f *fakeQuotaPersister) Persist(_ context.Context) error {
	f.calls.Add(1)
	return nil
}

func TestQuotaPersistWorker_PersistsOnInterval(t *testing.T) {
	t.Parallel()
	p := &fakeQuotaPersister{}
	w := NewQuotaPersistWorkerWithInterval(p, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(70 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	if p.calls.Load() < 2 {
		t.Errorf("persist calls = %d, want at least 2", p.calls.Load())
	}
}

func TestQuotaPersistWorker_FinalPersistOnShutdown(t *testing.T) {
	t.Parallel()
	p := &fakeQuotaPersister{}
	w := NewQuotaPersistWorkerWithInterval(p, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	if p.calls.Load() != 1 {
		t.Errorf("persist calls = %d, want 1 (final persist only)", p.calls.Load())
	}
}

func TestQuotaPersistWorker_Name(t *testing.T) {
	t.Parallel()
	w := NewQuotaPersistWorker(&fakeQuotaPersister{})
	if w.Name() != "quota_persist" {
		t.Errorf("Name() = %q, want quota_persist", w.Name())
	}
}
