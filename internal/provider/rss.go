package provider

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/HamletDuFromage/vintelegram/internal/model"
)

// RSS watches arbitrary feeds as a search source. Any HTTP URL not claimed
// by a marketplace provider falls through to it; whether the URL actually
// serves a parsable feed is only known at search time.
type RSS struct {
	client HTTPClient
}

// NewRSS creates an RSS provider using client for all requests.
func NewRSS(client HTTPClient) *RSS {
	return &RSS{client: client}
}

func (r *RSS) Name() string { return "rss" }

// Validate accepts any well-formed http(s) URL.
func (r *RSS) Validate(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Search downloads and parses the feed, returning its entries in document
// order truncated to limit. Feeds carry no price information, so Price
// stays zero and the price filter does not apply.
func (r *RSS) Search(ctx context.Context, rawURL string, limit int) ([]model.Item, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", ErrInvalidQuery)
	}

	body, err := doRequest(ctx, r.client, req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %v: %w", err, ErrInvalidQuery)
	}

	items := make([]model.Item, 0, min(limit, len(feed.Items)))
	for _, entry := range feed.Items {
		if len(items) >= limit {
			break
		}
		var postedAt time.Time
		if entry.PublishedParsed != nil {
			postedAt = entry.PublishedParsed.UTC()
		}
		items = append(items, model.Item{
			ID:       entryID(entry),
			Title:    entry.Title,
			URL:      entry.Link,
			PostedAt: postedAt,
		})
	}
	return items, nil
}

// entryID returns a stable identifier for a feed entry.
// Entries without a GUID fall back to a hash of title and link.
func entryID(entry *gofeed.Item) string {
	if entry.GUID != "" {
		return entry.GUID
	}
	h := sha256.Sum256([]byte(entry.Title + "|" + entry.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}
