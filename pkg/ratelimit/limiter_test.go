package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

func TestNewLimiter_Validation(t *testing.T) {
	if _, err := NewLimiter(Config{RequestsPerSecond: 0}, nil); err == nil {
		t.Error("NewLimiter() with zero rate should fail")
	}

	l, err := NewLimiter(Config{RequestsPerSecond: 3}, nil)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	if l.Rate() != 3 {
		t.Errorf("Rate() = %v, want 3", l.Rate())
	}
	if l.maxWait != DefaultConfig().MaxWait {
		t.Errorf("maxWait = %v, want default", l.maxWait)
	}
}

func TestLimiter_SharedAcrossWorkers(t *testing.T) {
	l, err := NewLimiter(Config{RequestsPerSecond: 100, Burst: 1, MaxWait: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}

	const workers, perWorker = 5, 4
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if err := l.Wait(context.Background()); err != nil {
					t.Errorf("Wait() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	// 20 tokens at 100/s with a burst of one need at least 190ms no matter
	// how many goroutines ask for them.
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("20 waits finished in %v; limiter is not shared", elapsed)
	}
}

func TestLimiter_WaitTimeout(t *testing.T) {
	l, err := NewLimiter(Config{RequestsPerSecond: 0.1, Burst: 1, MaxWait: 50 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}

	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}
	err = l.Wait(context.Background())
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("second Wait() error = %v, want ErrWaitTimeout", err)
	}
}

func TestLimiter_ContextCancelled(t *testing.T) {
	l, err := NewLimiter(Config{RequestsPerSecond: 0.1, Burst: 1, MaxWait: time.Minute}, nil)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	_ = l.Wait(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = l.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestLimiter_HonoursCooldown(t *testing.T) {
	tracker := NewTracker(nil, quietLogger())
	h := http.Header{}
	h.Set(HeaderRetryAfter, "120")
	if err := tracker.UpdateFromHeaders(context.Background(), h); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	l, err := NewLimiter(Config{RequestsPerSecond: 100, MaxWait: time.Second}, tracker)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}

	err = l.Wait(context.Background())
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("Wait() during long cooldown error = %v, want ErrWaitTimeout", err)
	}
}
