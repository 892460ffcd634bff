package assistant

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	apperrors "github.com/hrygo/askparrot/internal/errors"
	"github.com/hrygo/askparrot/internal/observability"
	"github.com/hrygo/askparrot/plugin/delivery"
	"github.com/hrygo/askparrot/store"
)

// UserLister lists registered users.
type UserLister interface {
	ListUsers(ctx context.Context, find *store.FindUser) ([]*store.User, error)
}

// BroadcastResult summarizes one broadcast.
type BroadcastResult struct {
	Recipients int `json:"recipients"`
	Queued     int `json:"queued"`
	Failed     int `json:"failed"`
}

// Broadcaster queues one plain message to every registered user.
type Broadcaster struct {
	users  UserLister
	outbox Outbox
	logger *slog.Logger
}

func NewBroadcaster(users UserLister, outbox Outbox) *Broadcaster {
	return &Broadcaster{
		users:  users,
		outbox: outbox,
		logger: slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (b *Broadcaster) SetLogger(logger *slog.Logger) {
	b.logger = logger
}

// Broadcast enqueues text for every user. A user whose message cannot be
// queued is counted as failed and does not stop the others.
func (b *Broadcaster) Broadcast(ctx context.Context, text string) (*BroadcastResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.InvalidArgument("broadcast text is required")
	}

	users, err := b.users.ListUsers(ctx, &store.FindUser{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list broadcast recipients")
	}

	result := &BroadcastResult{Recipients: len(users)}
	for _, user := range users {
		if _, err := b.outbox.Enqueue(user.ID, text, 0, delivery.KindPlain); err != nil {
			result.Failed++
			b.logger.Warn("failed to queue broadcast message",
				slog.Int64(observability.LogFieldChatID, user.ID), "error", err)
			continue
		}
		result.Queued++
	}

	b.logger.Info("broadcast queued", "recipients", result.Recipients, "queued", result.Queued, "failed", result.Failed)
	return result, nil
}
