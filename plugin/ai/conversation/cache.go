package conversation

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/hrygo/askparrot/internal/errors"
	"github.com/hrygo/askparrot/internal/observability"
)

// Cache maps users to their conversation Store.
//
// A single LRU index guarded by mu tracks entries, access order and
// deadlines; it is held only for constant-time bookkeeping. Turns live in the
// per-user Store, which has its own lock, so users never wait on each other's
// history mutation.
type Cache struct {
	cfg      Config
	clock    clockwork.Clock
	logger   *slog.Logger
	listener RemovalListener

	mu      sync.Mutex
	entries map[int64]*entry
	order   *list.List // front is most recently accessed

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	totalMessages atomic.Int64

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type entry struct {
	userID     int64
	store      *Store
	element    *list.Element
	lastAccess time.Time
	lastWrite  time.Time
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock sets the time source. Defaults to the real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Cache) { c.clock = clock }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithRemovalListener registers a listener invoked for every removal.
func WithRemovalListener(listener RemovalListener) Option {
	return func(c *Cache) { c.listener = listener }
}

// NewCache creates a conversation cache. An invalid configuration is
// reported as a configuration error.
func NewCache(cfg Config, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, _ := ParseEvictionPolicy(string(cfg.EvictionPolicy))
	cfg.EvictionPolicy = policy

	c := &Cache{
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		entries: make(map[int64]*entry),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger.Info("conversation cache initialized", "config", cfg.Summary())
	return c, nil
}

// Config returns the validated configuration.
func (c *Cache) Config() Config {
	return c.cfg
}

// Append adds a turn to the user's history, creating the history on first
// use. Once the history holds HistorySize turns, each append drops the oldest.
func (c *Cache) Append(userID int64, role Role, content string) (err error) {
	if !role.Valid() {
		return apperrors.CacheOperation(userID, fmt.Sprintf("invalid role %q", role), nil)
	}
	if content == "" {
		return apperrors.CacheOperation(userID, "content is empty", nil)
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while appending to conversation",
				slog.Int64(observability.LogFieldUserID, userID),
				slog.Any("panic", r),
			)
			err = apperrors.CacheOperation(userID, "failed to append message", fmt.Errorf("panic: %v", r))
		}
	}()

	for {
		e, removed := c.acquire(userID, true)
		c.notify(removed)

		delta, ok := e.store.add(Turn{Role: role, Content: content, CreatedAt: c.clock.Now()})
		if !ok {
			// The entry was removed between lookup and write; retry on a fresh one.
			continue
		}
		c.totalMessages.Add(int64(delta))

		c.logger.Debug("conversation message appended",
			slog.Int64(observability.LogFieldUserID, userID),
			slog.String("role", string(role)),
			slog.Int(observability.LogFieldMessageLen, len(content)),
		)
		return nil
	}
}

// AppendUser adds a user turn.
func (c *Cache) AppendUser(userID int64, content string) error {
	return c.Append(userID, RoleUser, content)
}

// AppendAssistant adds an assistant turn.
func (c *Cache) AppendAssistant(userID int64, content string) error {
	return c.Append(userID, RoleAssistant, content)
}

// History returns the user's turns from oldest to newest. It returns an
// empty slice when the user has no entry.
func (c *Cache) History(userID int64) []Turn {
	e, removed := c.acquire(userID, false)
	c.notify(removed)

	if e == nil {
		c.misses.Add(1)
		return []Turn{}
	}
	c.hits.Add(1)
	return e.store.snapshot()
}

// Peek returns the user's turns like History but does not count as an
// access: recency, idle deadline and hit statistics are left untouched.
func (c *Cache) Peek(userID int64) []Turn {
	e := c.peek(userID)
	if e == nil {
		return []Turn{}
	}
	return e.store.snapshot()
}

// FullConversation returns History prefixed with a system turn carrying
// systemPrompt. Stored state is not modified.
func (c *Cache) FullConversation(userID int64, systemPrompt string) []Turn {
	history := c.History(userID)

	result := make([]Turn, 0, len(history)+1)
	result = append(result, Turn{Role: RoleSystem, Content: systemPrompt, CreatedAt: c.clock.Now()})
	result = append(result, history...)
	return result
}

// Clear removes the user's entry immediately.
func (c *Cache) Clear(userID int64) {
	c.mu.Lock()
	var removed []removal
	if e, ok := c.entries[userID]; ok {
		removed = append(removed, c.removeLocked(e, CauseExplicit))
	}
	c.mu.Unlock()

	c.notify(removed)
	c.logger.Info("conversation history cleared", slog.Int64(observability.LogFieldUserID, userID))
}

// ClearAll removes every entry. Used by the administrative API.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	removed := make([]removal, 0, len(c.entries))
	for _, e := range c.entries {
		removed = append(removed, c.removeLocked(e, CauseExplicit))
	}
	c.mu.Unlock()

	c.notify(removed)
	c.logger.Info("conversation cache cleared", "entries", len(removed))
}

// HasContext reports whether the user currently has a live entry.
func (c *Cache) HasContext(userID int64) bool {
	return c.peek(userID) != nil
}

// UserInfo describes one user's entry without counting as an access.
type UserInfo struct {
	HasContext     bool      `json:"has_context"`
	MessageCount   int       `json:"message_count"`
	LastActivity   time.Time `json:"last_activity"`
	MaxHistorySize int       `json:"max_history_size"`
}

// UserInfo returns details about the user's entry.
func (c *Cache) UserInfo(userID int64) UserInfo {
	info := UserInfo{MaxHistorySize: c.cfg.HistorySize}
	e := c.peek(userID)
	if e == nil {
		return info
	}
	info.HasContext = true
	info.MessageCount = e.store.Len()
	info.LastActivity = e.store.LastActivity()
	return info
}

// FormatHistory renders the history one turn per line, truncating long
// contents. Intended for debugging output; it reads through Peek.
func (c *Cache) FormatHistory(userID int64) string {
	var sb strings.Builder
	for _, t := range c.Peek(userID) {
		content := t.Content
		if runes := []rune(content); len(runes) > 100 {
			content = string(runes[:100]) + "..."
		}
		sb.WriteString(string(t.Role))
		sb.WriteString(": ")
		sb.WriteString(content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	ActiveUsers int `json:"active_users"`
	// TotalMessages is maintained incrementally and may briefly lag behind
	// concurrent appends and removals.
	TotalMessages int64   `json:"total_messages"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Evictions     int64   `json:"evictions"`
}

// Stats returns usage counters. It never locks per-user stores.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	active := len(c.entries)
	c.mu.Unlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		ActiveUsers:   active,
		TotalMessages: c.totalMessages.Load(),
		Hits:          hits,
		Misses:        misses,
		HitRate:       hitRate,
		Evictions:     c.evictions.Load(),
	}
}

// CleanupExpired removes all expired entries and returns how many were removed.
func (c *Cache) CleanupExpired() int {
	now := c.clock.Now()

	c.mu.Lock()
	var removed []removal
	for e := c.order.Back(); e != nil; {
		prev := e.Prev()
		ent := e.Value.(*entry)
		if c.expiredLocked(ent, now) {
			removed = append(removed, c.removeLocked(ent, CauseExpired))
		}
		e = prev
	}
	c.mu.Unlock()

	c.notify(removed)
	return len(removed)
}

// Start launches the janitor that sweeps expired entries every
// CleanupInterval. Calling Start on a running cache is a no-op.
func (c *Cache) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})

	c.wg.Add(1)
	go c.cleanupLoop(ctx, c.stopCh)
}

// Stop halts the janitor and waits for it to exit.
func (c *Cache) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.runMu.Unlock()

	c.wg.Wait()
}

// IsRunning reports whether the janitor is active.
func (c *Cache) IsRunning() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

func (c *Cache) cleanupLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.runMu.Lock()
			c.running = false
			c.runMu.Unlock()
			return
		case <-stopCh:
			return
		case <-ticker.Chan():
			if n := c.CleanupExpired(); n > 0 {
				c.logger.Debug("expired conversation entries removed", "count", n)
			}
		}
	}
}

// acquire looks up the user's entry, dropping it first if it has expired.
// With write set, a missing entry is created and the size bound enforced.
// A returned entry counts as accessed, and as written when write is set.
func (c *Cache) acquire(userID int64, write bool) (*entry, []removal) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []removal
	e, ok := c.entries[userID]
	if ok && c.expiredLocked(e, now) {
		removed = append(removed, c.removeLocked(e, CauseExpired))
		e, ok = nil, false
	}

	if !ok {
		if !write {
			return nil, removed
		}
		e = &entry{
			userID: userID,
			store:  newStore(c.cfg.HistorySize, now),
		}
		e.element = c.order.PushFront(e)
		c.entries[userID] = e
		c.logger.Debug("conversation context created", slog.Int64(observability.LogFieldUserID, userID))

		for len(c.entries) > c.cfg.MaxEntries {
			oldest := c.order.Back().Value.(*entry)
			removed = append(removed, c.removeLocked(oldest, CauseSize))
		}
	} else {
		c.order.MoveToFront(e.element)
	}

	e.lastAccess = now
	if write {
		e.lastWrite = now
	}
	return e, removed
}

// peek returns a live entry without touching its access time.
func (c *Cache) peek(userID int64) *entry {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok || c.expiredLocked(e, now) {
		return nil
	}
	return e
}

// expiredLocked must be called with mu held.
func (c *Cache) expiredLocked(e *entry, now time.Time) bool {
	if now.Sub(e.lastAccess) > c.cfg.TTL {
		return true
	}
	if w := c.cfg.writeTTL(); w > 0 && now.Sub(e.lastWrite) > w {
		return true
	}
	return false
}

// removeLocked unlinks an entry and detaches its store.
// Must be called with mu held.
func (c *Cache) removeLocked(e *entry, cause RemovalCause) removal {
	c.order.Remove(e.element)
	delete(c.entries, e.userID)

	turns := e.store.detach()
	c.totalMessages.Add(-int64(len(turns)))
	if cause.WasEvicted() {
		c.evictions.Add(1)
	}
	return removal{userID: e.userID, turns: turns, cause: cause}
}

// notify logs removals and forwards them to the listener. Must be called
// without mu held.
func (c *Cache) notify(removed []removal) {
	for _, r := range removed {
		c.logger.Debug("conversation context removed",
			slog.Int64(observability.LogFieldUserID, r.userID),
			slog.String(observability.LogFieldCause, r.cause.String()),
			slog.Int("messages", len(r.turns)),
		)
		if c.listener != nil {
			c.listener(r.userID, r.turns, r.cause)
		}
	}
}
