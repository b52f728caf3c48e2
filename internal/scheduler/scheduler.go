// Package scheduler drives periodic sync cycles, adapting the cadence to
// observed network connectivity.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fitpulse/fitsync/internal/config"
	"github.com/fitpulse/fitsync/internal/engine"
	"github.com/fitpulse/fitsync/internal/loggy"
	"github.com/fitpulse/fitsync/internal/store"
)

// Quality grades the current network connection.
type Quality string

const (
	QualityGood Quality = "good"
	QualityFair Quality = "fair"
	QualityPoor Quality = "poor"
)

// ConnState describes the host's connectivity as reported by the
// environment.
type ConnState struct {
	Online  bool
	Quality Quality
}

// Syncer is the engine surface the scheduler drives.
type Syncer interface {
	Sync(ctx context.Context, trigger store.Trigger) (*engine.SyncResult, error)
}

// Scheduler owns the periodic sync loop. Connectivity changes arrive via
// SetConnectivity; the loop reacts by pausing, firing immediately, or
// re-deriving its interval.
type Scheduler struct {
	syncer Syncer
	cfg    config.SyncConfig
	logger *loggy.Logger

	connCh chan ConnState

	mu    sync.Mutex
	state ConnState
}

// New creates a scheduler. The initial state is online with good quality;
// the host should publish the real state before or shortly after Run.
func New(syncer Syncer, cfg config.SyncConfig, logger *loggy.Logger) *Scheduler {
	return &Scheduler{
		syncer: syncer,
		cfg:    cfg,
		logger: logger,
		connCh: make(chan ConnState, 1),
		state:  ConnState{Online: true, Quality: QualityGood},
	}
}

// SetConnectivity publishes a connectivity change to the loop without
// blocking the caller. If an older unconsumed update is pending it is
// replaced; only the latest state matters.
func (s *Scheduler) SetConnectivity(state ConnState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	for {
		select {
		case s.connCh <- state:
			return
		default:
			select {
			case <-s.connCh:
			default:
			}
		}
	}
}

// State returns the last published connectivity state.
func (s *Scheduler) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// interval maps a quality tier to the configured sync cadence.
func (s *Scheduler) interval(q Quality) time.Duration {
	switch q {
	case QualityGood:
		return s.cfg.IntervalGood
	case QualityFair:
		return s.cfg.IntervalFair
	case QualityPoor:
		return s.cfg.IntervalPoor
	default:
		return s.cfg.IntervalPoor
	}
}

// Run executes the scheduling loop until the context is cancelled. While
// online it fires a scheduled cycle each interval; offline it idles until
// connectivity returns, then fires immediately before resuming the
// periodic cadence. A quality change only re-derives the interval.
func (s *Scheduler) Run(ctx context.Context) {
	state := s.State()

	timer := time.NewTimer(s.interval(state.Quality))
	defer timer.Stop()

	if !state.Online {
		stopTimer(timer)
		s.logger.Info("scheduler starting offline, sync suspended")
	} else {
		s.logger.Info("scheduler started", "quality", state.Quality, "interval", s.interval(state.Quality))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return

		case <-timer.C:
			s.runCycle(ctx, store.TriggerScheduled)
			timer.Reset(s.interval(s.State().Quality))

		case next := <-s.connCh:
			wasOnline := state.Online
			state = next

			switch {
			case !state.Online:
				stopTimer(timer)
				s.logger.Info("connection lost, sync suspended")

			case !wasOnline:
				// Offline -> online: drain the backlog right away.
				s.logger.Info("connection restored, syncing immediately", "quality", state.Quality)
				s.runCycle(ctx, store.TriggerReconnect)
				resetTimer(timer, s.interval(state.Quality))

			default:
				// Online quality change: re-derive the cadence, leave any
				// in-flight cycle alone.
				s.logger.Info("network quality changed", "quality", state.Quality,
					"interval", s.interval(state.Quality))
				resetTimer(timer, s.interval(state.Quality))
			}
		}
	}
}

// runCycle fires one sync and logs the outcome. A cycle already holding
// the guard is not an error here: the work is being done, just not by us.
func (s *Scheduler) runCycle(ctx context.Context, trigger store.Trigger) {
	result, err := s.syncer.Sync(ctx, trigger)
	if err != nil {
		if errors.Is(err, engine.ErrSyncInProgress) {
			s.logger.Debug("skipping cycle, sync already running", "trigger", trigger)
			return
		}
		s.logger.Error("sync cycle failed", "trigger", trigger, "error", err)
		return
	}

	s.logger.Info("scheduled sync complete",
		"trigger", trigger, "synced", result.Synced, "failed", result.Failed,
		"conflicts", result.Conflicts, "duration", result.Duration)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
