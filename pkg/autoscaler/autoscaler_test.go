package autoscaler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kolosal/kolosal-server/pkg/logging"
	"github.com/stretchr/testify/require"
)

func newTestLogger() logging.Logger {
	return logging.NewSlogLogger(slog.LevelError, nil)
}

type fakeCoordinator struct {
	mu      sync.Mutex
	views   []EngineView
	evicted map[string]bool
	wake    chan struct{}
}

func newFakeCoordinator(views ...EngineView) *fakeCoordinator {
	return &fakeCoordinator{
		views:   views,
		evicted: make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
}

func (f *fakeCoordinator) Snapshot() []EngineView {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EngineView, len(f.views))
	copy(out, f.views)
	return out
}

func (f *fakeCoordinator) Evict(id string, idleTimeout time.Duration, now time.Time) (bool, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.views {
		if v.ID != id {
			continue
		}
		if now.Sub(v.LastActivity) >= idleTimeout {
			f.evicted[id] = true
			return true, time.Time{}
		}
		return false, v.LastActivity.Add(idleTimeout)
	}
	return false, time.Time{}
}

func (f *fakeCoordinator) WakeCh() <-chan struct{} { return f.wake }

func TestSweep_EvictsPastTimeout(t *testing.T) {
	coord := newFakeCoordinator(EngineView{ID: "e1", Loaded: true, LastActivity: time.Now().Add(-time.Hour)})
	a := New(newTestLogger(), coord, time.Minute)

	a.sweep()
	require.True(t, coord.evicted["e1"])
}

func TestSweep_NoLoadedEngines_UsesDefaultHorizon(t *testing.T) {
	coord := newFakeCoordinator()
	a := New(newTestLogger(), coord, time.Minute)

	// No loaded engines: nextDeadline defaults to now+60s, then clamps to
	// max(idleTimeout/2, 5s) = 30s since idleTimeout is 1 minute here.
	interval := a.sweep()
	require.Equal(t, 30*time.Second, interval)
}

func TestSweep_ClampsToMaxInterval(t *testing.T) {
	// idleTimeout=20s: a fresh engine's deadline is 20s out, but
	// max(idleTimeout/2, 5s) = 10s caps the sleep below that deadline.
	coord := newFakeCoordinator(EngineView{ID: "e1", Loaded: true, LastActivity: time.Now()})
	a := New(newTestLogger(), coord, 20*time.Second)

	interval := a.sweep()
	require.Equal(t, 10*time.Second, interval)
}

func TestSweep_ClampsToMinInterval(t *testing.T) {
	coord := newFakeCoordinator(EngineView{ID: "e1", Loaded: true, LastActivity: time.Now().Add(-59 * time.Second)})
	a := New(newTestLogger(), coord, time.Minute)

	interval := a.sweep()
	require.GreaterOrEqual(t, interval, minCheckInterval)
}

func TestStartStop(t *testing.T) {
	coord := newFakeCoordinator()
	a := New(newTestLogger(), coord, time.Minute)
	a.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	a.Stop()
}
