package pickup

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/klabast/wb-services/bir-tomming/internal/logging"
)

func TestSchedulerJobs(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	s, err := NewScheduler(clock, logging.Discard())
	if err != nil {
		t.Fatalf("NewScheduler() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })

	if err := s.Every("tick", time.Hour, func() {}); err != nil {
		t.Fatalf("Every() failed: %v", err)
	}
	if err := s.Every("tick", time.Minute, func() {}); err == nil {
		t.Error("expected error for duplicate job name")
	}
	s.Start()

	// The scheduler computes the first run asynchronously after Start.
	var next time.Time
	deadline := time.Now().Add(2 * time.Second)
	for next.IsZero() && time.Now().Before(deadline) {
		next, err = s.NextRun("tick")
		if err != nil {
			t.Fatalf("NextRun() failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if want := clock.Now().Add(time.Hour); !next.Equal(want) {
		t.Errorf("NextRun() = %v, want %v", next, want)
	}

	s.Remove("tick")
	s.Remove("tick")
	if _, err := s.NextRun("tick"); err == nil {
		t.Error("expected error for removed job")
	}
	if err := s.Every("tick", time.Minute, func() {}); err != nil {
		t.Errorf("re-adding a removed job failed: %v", err)
	}
}
