package store

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"

	"github.com/hrygo/askparrot/internal/profile"
)

const (
	userCacheSize = 1000
	userCacheTTL  = 10 * time.Minute
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	userCache *expirable.LRU[int64, *User] // cache for users
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:    driver,
		profile:   profile,
		userCache: expirable.NewLRU[int64, *User](userCacheSize, nil, userCacheTTL),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	s.userCache.Purge()
	return s.driver.Close()
}

// UpsertUser records that a user talked to the bot.
func (s *Store) UpsertUser(ctx context.Context, upsert *UpsertUser) (*User, error) {
	if upsert == nil || upsert.ID == 0 {
		return nil, errors.New("user id is required")
	}
	user, err := s.driver.UpsertUser(ctx, upsert)
	if err != nil {
		return nil, err
	}
	s.userCache.Add(user.ID, user)
	return user, nil
}

func (s *Store) ListUsers(ctx context.Context, find *FindUser) ([]*User, error) {
	list, err := s.driver.ListUsers(ctx, find)
	if err != nil {
		return nil, err
	}
	for _, user := range list {
		s.userCache.Add(user.ID, user)
	}
	return list, nil
}

// GetUser returns the matching user, or nil when there is none.
func (s *Store) GetUser(ctx context.Context, find *FindUser) (*User, error) {
	if find.ID != nil {
		if cached, ok := s.userCache.Get(*find.ID); ok {
			return cached, nil
		}
	}

	list, err := s.ListUsers(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) DeleteUser(ctx context.Context, delete *DeleteUser) error {
	if err := s.driver.DeleteUser(ctx, delete); err != nil {
		return err
	}
	s.userCache.Remove(delete.ID)
	return nil
}
