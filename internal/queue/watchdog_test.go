package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSweeper struct {
	mu         sync.Mutex
	calls      int
	swept      []string
	err        error
	thresholds []time.Duration
}

func (s *recordingSweeper) SweepStuck(ctx context.Context, threshold time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.thresholds = append(s.thresholds, threshold)
	return s.swept, s.err
}

func (s *recordingSweeper) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestWatchdogSweepsUntilCancelled(t *testing.T) {
	sweeper := &recordingSweeper{swept: []string{"doc-1"}}
	wd := NewWatchdog(sweeper, 10*time.Millisecond, 10*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		wd.Run(ctx)
		close(done)
	}()

	time.Sleep(80 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop after cancellation")
	}

	if sweeper.callCount() == 0 {
		t.Error("watchdog never swept")
	}
	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	for _, th := range sweeper.thresholds {
		if th != 10*time.Minute {
			t.Errorf("sweep used threshold %v, want 10m", th)
		}
	}
}

func TestWatchdogSurvivesSweepErrors(t *testing.T) {
	sweeper := &recordingSweeper{err: errors.New("database down")}
	wd := NewWatchdog(sweeper, 10*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		wd.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if sweeper.callCount() < 2 {
		t.Errorf("watchdog stopped sweeping after an error (calls=%d)", sweeper.callCount())
	}
}
