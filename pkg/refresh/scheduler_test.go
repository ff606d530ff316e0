package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/Sternrassler/estate-sync/pkg/model"
)

func TestScheduler_Due(t *testing.T) {
	h := newHarness(t, newFakeFetcher(testProperties()...))
	ctx := context.Background()

	sched, err := NewScheduler(h.orch, h.store, SchedulerConfig{
		Cadences: map[Policy]time.Duration{
			PolicyDiscoverNew:   24 * time.Hour,
			PolicyRefreshActive: time.Hour,
			PolicyCleanup:       7 * 24 * time.Hour,
		},
		PollInterval: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	// Nothing ran yet: the first policy with a cadence wins.
	if p, due, _ := sched.Due(ctx); !due || p != PolicyDiscoverNew {
		t.Fatalf("Due() = %s, %v; want discover-new", p, due)
	}

	save := func(p Policy, ago time.Duration) {
		started := h.now.Add(-ago)
		_ = h.store.SaveRun(ctx, model.Run{ID: string(p), Policy: string(p), Status: "completed", StartedAt: started, FinishedAt: &started})
	}
	save(PolicyDiscoverNew, 2*time.Hour)
	if p, due, _ := sched.Due(ctx); !due || p != PolicyRefreshActive {
		t.Errorf("Due() = %s, %v; want refresh-active", p, due)
	}

	save(PolicyRefreshActive, 30*time.Minute)
	if p, due, _ := sched.Due(ctx); !due || p != PolicyCleanup {
		t.Errorf("Due() = %s, %v; want cleanup", p, due)
	}

	save(PolicyCleanup, 24*time.Hour)
	if p, due, _ := sched.Due(ctx); due {
		t.Errorf("Due() = %s; want nothing due", p)
	}

	// refresh-all has no cadence and is never picked.
	h.now = h.now.Add(30 * 24 * time.Hour)
	if p, _, _ := sched.Due(ctx); p != PolicyDiscoverNew {
		t.Errorf("Due() = %s after a month, want discover-new", p)
	}
}

func TestScheduler_Validation(t *testing.T) {
	h := newHarness(t, newFakeFetcher())
	if _, err := NewScheduler(h.orch, h.store, SchedulerConfig{}); err == nil {
		t.Error("NewScheduler() without poll interval should fail")
	}
	if _, err := NewScheduler(nil, h.store, SchedulerConfig{PollInterval: time.Second}); err == nil {
		t.Error("NewScheduler() without orchestrator should fail")
	}
}

func TestScheduler_StartRunsDuePolicy(t *testing.T) {
	h := newHarness(t, newFakeFetcher(testProperties()...))
	sched, err := NewScheduler(h.orch, h.store, SchedulerConfig{
		Cadences:     map[Policy]time.Duration{PolicyRefreshActive: time.Hour},
		PollInterval: time.Hour,
		Template:     RunConfig{Workers: 2},
	})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sched.Start(context.Background()) }()

	// The initial tick runs synchronously before the first poll.
	deadline := time.Now().Add(5 * time.Second)
	for {
		latest, _ := h.store.LatestRuns(context.Background())
		if run, ok := latest[string(PolicyRefreshActive)]; ok && run.FinishedAt != nil {
			if run.Status != string(StateCompleted) {
				t.Errorf("scheduled run status = %s", run.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduled run did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sched.Stop()
	if err := <-errCh; err != nil {
		t.Errorf("Start() error = %v", err)
	}
	if err := sched.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
}
