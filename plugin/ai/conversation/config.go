package conversation

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/hrygo/askparrot/internal/errors"
)

// EvictionPolicy selects which expiry rules apply on top of the size bound.
type EvictionPolicy string

const (
	// PolicySizeBased bounds the number of users and expires entries idle for TTL.
	PolicySizeBased EvictionPolicy = "size-based"
	// PolicyTimeBased additionally expires entries 2*TTL after their last write,
	// whether or not they were read in between.
	PolicyTimeBased EvictionPolicy = "time-based"
)

// ParseEvictionPolicy parses a policy name, case-insensitively.
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch EvictionPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicySizeBased:
		return PolicySizeBased, nil
	case PolicyTimeBased:
		return PolicyTimeBased, nil
	}
	return "", apperrors.Configuration("unknown eviction policy %q", s)
}

// Config configures the conversation cache.
type Config struct {
	MaxEntries      int            // Maximum number of users held (default: 1000)
	TTL             time.Duration  // Idle time after which an entry expires (default: 30 minutes)
	HistorySize     int            // Turns kept per user (default: 10)
	EvictionPolicy  EvictionPolicy // size-based or time-based (default: size-based)
	CleanupInterval time.Duration  // Janitor sweep interval (default: 1 minute)
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		MaxEntries:      1000,
		TTL:             30 * time.Minute,
		HistorySize:     10,
		EvictionPolicy:  PolicySizeBased,
		CleanupInterval: time.Minute,
	}
}

// Validate checks that every numeric field is strictly positive and the
// policy is known. Invalid values are configuration errors.
func (c Config) Validate() error {
	if c.MaxEntries <= 0 {
		return apperrors.Configuration("maxEntries must be greater than 0, got %d", c.MaxEntries)
	}
	if c.TTL <= 0 {
		return apperrors.Configuration("ttl must be greater than 0, got %s", c.TTL)
	}
	if c.HistorySize <= 0 {
		return apperrors.Configuration("historySize must be greater than 0, got %d", c.HistorySize)
	}
	if c.CleanupInterval <= 0 {
		return apperrors.Configuration("cleanupInterval must be greater than 0, got %s", c.CleanupInterval)
	}
	if _, err := ParseEvictionPolicy(string(c.EvictionPolicy)); err != nil {
		return err
	}
	return nil
}

// writeTTL returns the expire-after-write window, or 0 when the policy has none.
func (c Config) writeTTL() time.Duration {
	if c.EvictionPolicy == PolicyTimeBased {
		return 2 * c.TTL
	}
	return 0
}

// Summary renders the configuration for startup logs.
func (c Config) Summary() string {
	return fmt.Sprintf("max_entries=%d ttl=%s history_size=%d eviction_policy=%s",
		c.MaxEntries, c.TTL, c.HistorySize, c.EvictionPolicy)
}
