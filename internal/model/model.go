// Package model defines the domain types used across the application.
package model

import "time"

// Chat represents one Telegram chat subscribed to the bot.
type Chat struct {
	ID               int64
	Title            string
	Notify           bool
	Paused           bool
	MinPrice         *float64
	MaxPrice         *float64
	MaxItemsPerCheck int
	CreatedAt        time.Time
}

// AllowsPrice reports whether a price passes the chat's price-range filter.
// A nil bound means unbounded on that side.
func (c *Chat) AllowsPrice(price float64) bool {
	if c.MinPrice != nil && price < *c.MinPrice {
		return false
	}
	if c.MaxPrice != nil && price > *c.MaxPrice {
		return false
	}
	return true
}

// Watch represents one monitored search URL for a chat.
// (ChatID, URL) is unique; two chats watching the same URL keep
// fully independent seen-item state.
//
// Seeded records whether the first successful poll has absorbed its
// baseline snapshot. It is a persisted flag rather than an inference from
// the ledger: a watch whose searches returned nothing so far is seeded
// with an empty baseline, and the first item to appear must be reported.
type Watch struct {
	ID          int64
	ChatID      int64
	URL         string
	Provider    string
	IsActive    bool
	Seeded      bool
	LastCheckAt *time.Time
	CreatedAt   time.Time
}

// Item represents a single marketplace listing returned by a provider.
type Item struct {
	ID       string
	Title    string
	Price    float64
	Currency string
	URL      string
	PhotoURL string
	Brand    string
	PostedAt time.Time
}

// SeenItem tracks a listing that has already been recorded for a watch.
// SeenAt is assigned by the engine at first sighting, not by the provider.
type SeenItem struct {
	WatchID int64
	ItemID  string
	SeenAt  time.Time
}
