// Package quota caps how many expensive AI calls a user may make per
// calendar day.
package quota

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	apperrors "github.com/hrygo/askparrot/internal/errors"
	"github.com/hrygo/askparrot/internal/observability"
)

// DefaultDailyLimit is the number of AI requests a user gets per day.
const DefaultDailyLimit = 5

// Limiter tracks per-user daily usage.
//
// Consumers take the shared side of mu and then race only on their own
// user's counter; ResetAll takes the exclusive side, so a reset never tears a
// concurrent check-and-increment.
type Limiter struct {
	limit  int32
	logger *slog.Logger

	mu       sync.RWMutex
	counters *sync.Map // int64 -> *atomic.Int32
}

// NewLimiter creates a limiter allowing dailyLimit requests per user per day.
func NewLimiter(dailyLimit int) (*Limiter, error) {
	if dailyLimit <= 0 {
		return nil, apperrors.Configuration("dailyLimit must be greater than 0, got %d", dailyLimit)
	}
	if dailyLimit > math.MaxInt32 {
		return nil, apperrors.Configuration("dailyLimit must be at most %d, got %d", math.MaxInt32, dailyLimit)
	}
	return &Limiter{
		limit:    int32(dailyLimit),
		logger:   slog.Default(),
		counters: &sync.Map{},
	}, nil
}

// SetLogger sets a custom logger.
func (l *Limiter) SetLogger(logger *slog.Logger) {
	l.logger = logger
}

// DailyLimit returns the configured per-user limit.
func (l *Limiter) DailyLimit() int {
	return int(l.limit)
}

// TryConsume records one request for the user if the daily limit has not
// been reached. It returns false, without changing state, when it has.
func (l *Limiter) TryConsume(userID int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counter := l.counterLocked(userID)
	for {
		used := counter.Load()
		if used >= l.limit {
			l.logger.Info("user exceeded daily AI limit", slog.Int64(observability.LogFieldUserID, userID))
			return false
		}
		if counter.CompareAndSwap(used, used+1) {
			l.logger.Debug("AI request counted",
				slog.Int64(observability.LogFieldUserID, userID),
				slog.Int("used", int(used+1)),
				slog.Int("limit", int(l.limit)),
			)
			return true
		}
	}
}

// Remaining returns how many requests the user has left today.
func (l *Limiter) Remaining(userID int64) int {
	return int(l.limit) - l.Used(userID)
}

// Used returns how many requests the user made today.
func (l *Limiter) Used(userID int64) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	v, ok := l.counters.Load(userID)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}

// Snapshot returns today's usage of every user seen since the last reset.
func (l *Limiter) Snapshot() map[int64]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make(map[int64]int)
	l.counters.Range(func(key, value any) bool {
		result[key.(int64)] = int(value.(*atomic.Int32).Load())
		return true
	})
	return result
}

// ResetAll clears every counter. It returns the number of users that had
// a counter.
func (l *Limiter) ResetAll() int {
	l.mu.Lock()
	users := 0
	l.counters.Range(func(_, _ any) bool {
		users++
		return true
	})
	l.counters = &sync.Map{}
	l.mu.Unlock()

	l.logger.Info("daily AI usage counters reset", "users", users)
	return users
}

// counterLocked must be called with mu held (either side).
func (l *Limiter) counterLocked(userID int64) *atomic.Int32 {
	if v, ok := l.counters.Load(userID); ok {
		return v.(*atomic.Int32)
	}
	v, _ := l.counters.LoadOrStore(userID, &atomic.Int32{})
	return v.(*atomic.Int32)
}
