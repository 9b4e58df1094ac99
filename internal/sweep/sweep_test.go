package sweep

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerInvokesRegisteredJob(t *testing.T) {
	r := New()
	var calls atomic.Int32
	if err := r.Every("@every 10ms", func() { calls.Add(1) }); err != nil {
		t.Fatalf("Every: %v", err)
	}
	r.Start()
	defer r.Stop()

	deadline := time.After(time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRunnerRecoversFromPanickingJob(t *testing.T) {
	r := New()
	var ran atomic.Bool
	if err := r.Every("@every 10ms", func() {
		ran.Store(true)
		panic("boom")
	}); err != nil {
		t.Fatalf("Every: %v", err)
	}
	r.Start()
	defer r.Stop()

	deadline := time.After(time.Second)
	for !ran.Load() {
		select {
		case <-deadline:
			t.Fatal("job never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
