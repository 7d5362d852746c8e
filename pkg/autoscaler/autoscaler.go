// Package autoscaler runs a background loop that evicts inference engines
// idle past their configured timeout, waking early whenever the coordinator
// reports activity that could change the next deadline.
package autoscaler

import (
	"context"
	"sync"
	"time"

	"github.com/kolosal/kolosal-server/pkg/logging"
)

const (
	initialCheckInterval = 10 * time.Second
	minCheckInterval     = 1 * time.Second
	minMaxCheckInterval  = 5 * time.Second
	defaultHorizon       = 60 * time.Second
)

// Coordinator is the subset of pkg/engine.Coordinator the autoscaler drives.
// Kept as a local interface so this package never imports pkg/engine,
// mirroring the seam pkg/download uses for its own EngineCreator.
type Coordinator interface {
	Snapshot() []EngineView
	Evict(id string, idleTimeout time.Duration, now time.Time) (evicted bool, nextDeadline time.Time)
	WakeCh() <-chan struct{}
}

// EngineView is a read-only view of one loaded engine's idle bookkeeping.
type EngineView struct {
	ID           string
	Loaded       bool
	LastActivity time.Time
}

// Autoscaler runs the idle-eviction loop described by node_manager.cpp's
// autoscalingLoop: wait up to the current check interval (or until woken),
// then scan every loaded engine, evict anything idle past idleTimeout, and
// recompute the next interval from the nearest upcoming deadline.
type Autoscaler struct {
	log         logging.Logger
	coordinator Coordinator
	idleTimeout time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New constructs an Autoscaler. idleTimeout is the duration an engine may
// sit unused before it becomes eligible for eviction.
func New(log logging.Logger, coordinator Coordinator, idleTimeout time.Duration) *Autoscaler {
	return &Autoscaler{
		log:         logging.NewComponentLogger(log, "autoscaler"),
		coordinator: coordinator,
		idleTimeout: idleTimeout,
	}
}

// Start launches the background loop. It is idempotent: calling Start while
// already running is a no-op.
func (a *Autoscaler) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.run(ctx)
}

// Stop signals the loop to exit and blocks until it has.
func (a *Autoscaler) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	stop, done := a.stop, a.done
	a.running = false
	a.mu.Unlock()

	close(stop)
	<-done
}

func (a *Autoscaler) run(ctx context.Context) {
	defer close(a.done)
	a.log.Info("autoscaling loop started")

	interval := initialCheckInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	wake := a.coordinator.WakeCh()

	for {
		select {
		case <-a.stop:
			a.log.Info("autoscaling loop stopped")
			return
		case <-ctx.Done():
			a.log.Info("autoscaling loop stopped: context cancelled")
			return
		case <-wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}

		interval = a.sweep()
		timer.Reset(interval)
	}
}

// sweep performs a single pass: evict every idle-past-timeout engine and
// return the duration to sleep before the next pass, following
// autoscalingLoop's exact clamp: min(max(nextDeadline-now, 1s), max(idleTimeout/2, 5s)).
func (a *Autoscaler) sweep() time.Duration {
	now := time.Now()
	views := a.coordinator.Snapshot()

	nextDeadline := now.Add(defaultHorizon)
	hasLoaded := false

	for _, v := range views {
		if !v.Loaded {
			continue
		}
		hasLoaded = true

		evicted, deadline := a.coordinator.Evict(v.ID, a.idleTimeout, now)
		if evicted {
			a.log.WithField("engine_id", v.ID).Info("engine unloaded due to inactivity")
			continue
		}
		if !deadline.IsZero() && deadline.Before(nextDeadline) {
			nextDeadline = deadline
		}
	}

	if !hasLoaded {
		nextDeadline = now.Add(defaultHorizon)
	}

	timeUntilNext := nextDeadline.Sub(now)
	if timeUntilNext < minCheckInterval {
		timeUntilNext = minCheckInterval
	}

	maxInterval := a.idleTimeout / 2
	if maxInterval < minMaxCheckInterval {
		maxInterval = minMaxCheckInterval
	}
	if timeUntilNext > maxInterval {
		timeUntilNext = maxInterval
	}

	a.log.WithField("next_check_seconds", int(timeUntilNext.Seconds())).Debug("autoscaling check complete")
	return timeUntilNext
}
