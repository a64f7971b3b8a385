// Package scheduler implements the single cooperative runtime that drives
// every long-running loop a node needs: the endpoint accept loop,
// membership's periodic shuffle/promote, broadcast replay, the
// replication worker pool, signal handling and idle-linger shutdown (spec
// §4.7, §5 "single-process, cooperative multitasking").
package scheduler

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Task is one long-running loop registered with a Scheduler. It must
// return promptly once ctx is cancelled.
type Task func(ctx context.Context) error

// Scheduler owns the process's root context and every background loop's
// lifecycle. There is exactly one Scheduler per running node.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	shutdownOnce sync.Once
	shutdown     chan struct{} // closed once, observed by every loop (mpsc of capacity 1)

	lingerTimeout time.Duration
	activeRPCs    atomic.Int64
	lingerMu      sync.Mutex
	lingerTimer   *time.Timer
}

// New builds a Scheduler whose root context derives from parent. If
// lingerTimeout is non-zero, the scheduler shuts itself down once it has
// had zero active RPCs for that long (spec §4.7 "idle-linger shutdown").
func New(parent context.Context, lingerTimeout time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	group, ctx := errgroup.WithContext(ctx)
	s := &Scheduler{
		ctx:           ctx,
		cancel:        cancel,
		group:         group,
		shutdown:      make(chan struct{}),
		lingerTimeout: lingerTimeout,
	}
	return s
}

// Context returns the scheduler's root context, cancelled on Shutdown.
func (s *Scheduler) Context() context.Context { return s.ctx }

// Done returns the shutdown broadcast channel; every loop should select on
// it alongside its own work (spec §5 "shutdown broadcast ... observed by
// every long-running loop via a select").
func (s *Scheduler) Done() <-chan struct{} { return s.shutdown }

// Go registers task to run on the scheduler's worker pool. A panic inside
// task is recovered and logged, and a returned error is logged; neither is
// passed on to the errgroup, so one misbehaving loop cannot cancel the
// others or take down the process.
func (s *Scheduler) Go(name string, task Task) {
	s.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("task", name).Errorf("scheduler: task panicked: %v", r)
				err = nil // a recovered panic does not trigger errgroup's ctx cancellation
			}
		}()
		logrus.WithField("task", name).Debug("scheduler: task starting")
		if err := task(s.ctx); err != nil {
			logrus.WithField("task", name).WithError(err).Warn("scheduler: task exited with error")
			return nil
		}
		logrus.WithField("task", name).Debug("scheduler: task exited")
		return nil
	})
}

// Every runs fn on a fixed interval until shutdown, suspending between
// ticks (spec §5 "Suspension points: ... every timer tick").
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.Go(name, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-s.shutdown:
				return nil
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

// BeginRPC marks one user-facing RPC as active, resetting the idle-linger
// timer. It returns a function the caller must invoke when the RPC
// completes.
func (s *Scheduler) BeginRPC() func() {
	s.activeRPCs.Add(1)
	s.stopLingerTimer()
	return func() {
		if s.activeRPCs.Add(-1) == 0 {
			s.armLingerTimer()
		}
	}
}

func (s *Scheduler) stopLingerTimer() {
	s.lingerMu.Lock()
	defer s.lingerMu.Unlock()
	if s.lingerTimer != nil {
		s.lingerTimer.Stop()
		s.lingerTimer = nil
	}
}

func (s *Scheduler) armLingerTimer() {
	if s.lingerTimeout <= 0 {
		return
	}
	s.lingerMu.Lock()
	defer s.lingerMu.Unlock()
	if s.activeRPCs.Load() != 0 {
		return
	}
	s.lingerTimer = time.AfterFunc(s.lingerTimeout, func() {
		if s.activeRPCs.Load() == 0 {
			logrus.Info("scheduler: idle linger timeout elapsed with no active RPCs, shutting down")
			s.Shutdown()
		}
	})
}

// ListenForSignals starts a goroutine that triggers Shutdown on receipt of
// any OS shutdown signal (spec §6 "Signals").
func (s *Scheduler) ListenForSignals() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, shutdownSignals()...)
	go func() {
		select {
		case got := <-sig:
			logrus.WithField("signal", got).Info("scheduler: received shutdown signal")
			s.Shutdown()
		case <-s.shutdown:
		}
		signal.Stop(sig)
	}()
}

// Shutdown broadcasts the shutdown signal exactly once and cancels the
// root context.
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		s.cancel()
	})
}

// Wait blocks until every registered task has returned.
func (s *Scheduler) Wait() error {
	return s.group.Wait()
}
