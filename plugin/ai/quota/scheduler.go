package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Resetter is anything that can drop all daily counters.
type Resetter interface {
	ResetAll() int
}

// ResetScheduler calls ResetAll at every local midnight.
type ResetScheduler struct {
	target   Resetter
	clock    clockwork.Clock
	location *time.Location
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	resetChan chan time.Time // For testing: reports each reset
}

// NewResetScheduler creates a scheduler resetting target at midnight in loc.
// A nil loc means time.Local.
func NewResetScheduler(target Resetter, clock clockwork.Clock, loc *time.Location) *ResetScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if loc == nil {
		loc = time.Local
	}
	return &ResetScheduler{
		target:   target,
		clock:    clock,
		location: loc,
		logger:   slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (s *ResetScheduler) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// EnableTestMode returns a channel receiving the time of every reset.
func (s *ResetScheduler) EnableTestMode() <-chan time.Time {
	s.resetChan = make(chan time.Time, 16)
	return s.resetChan
}

// Start begins waiting for the next day boundary. Starting a running
// scheduler is a no-op.
func (s *ResetScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, stopCh)

	s.logger.Info("quota reset scheduler started", "location", s.location.String())
	return nil
}

// Stop halts the scheduler and waits for it to exit.
func (s *ResetScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("quota reset scheduler stopped")
}

// IsRunning returns whether the scheduler is running.
func (s *ResetScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *ResetScheduler) run(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	for {
		now := s.clock.Now()
		wait := NextMidnight(now, s.location).Sub(now)

		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-stopCh:
			return
		case fired := <-s.clock.After(wait):
			s.target.ResetAll()
			if s.resetChan != nil {
				select {
				case s.resetChan <- fired:
				default:
				}
			}
		}
	}
}

// NextMidnight returns the first 00:00 in loc strictly after now.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
