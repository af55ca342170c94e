// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/HamletDuFromage/vintelegram/internal/model"
)

// ErrWatchExists is returned by CreateWatch when the chat already
// monitors the URL.
var ErrWatchExists = errors.New("watch already exists")

// Stats holds aggregate row counts for the /status command.
type Stats struct {
	Chats     int
	Watches   int
	SeenItems int
}

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertChat(ctx context.Context, chatID int64, title string) error
	GetChat(ctx context.Context, chatID int64) (*model.Chat, error)
	UpdateChat(ctx context.Context, chat *model.Chat) error
	ListChats(ctx context.Context) ([]model.Chat, error)

	CreateWatch(ctx context.Context, w *model.Watch) error
	GetWatch(ctx context.Context, id int64) (*model.Watch, error)
	ListWatches(ctx context.Context, chatID int64) ([]model.Watch, error)
	ListDueWatches(ctx context.Context, cutoff time.Time) ([]model.Watch, error)
	UpdateWatchChecked(ctx context.Context, id int64, at time.Time) error
	MarkWatchSeeded(ctx context.Context, id int64) error
	SetWatchActive(ctx context.Context, id int64, active bool) error
	DeleteWatch(ctx context.Context, id int64) error

	SeenIDs(ctx context.Context, watchID int64) (map[string]struct{}, error)
	MarkSeen(ctx context.Context, watchID int64, itemIDs []string, at time.Time) error
	TrimSeen(ctx context.Context, watchID int64, keep int) error
	PruneSeen(ctx context.Context, olderThan time.Time) (int64, error)

	Stats(ctx context.Context) (Stats, error)

	Close() error
}
