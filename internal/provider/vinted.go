package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/HamletDuFromage/vintelegram/internal/model"
)

// Vinted searches the Vinted catalog API. A user-facing search URL like
// https://www.vinted.fr/catalog?search_text=nike&price_to=50 is translated
// into a call against /api/v2/catalog/items on the same host.
//
// The API rejects cookie-less requests, so the first search against a host
// performs a warmup GET on the site root and replays its cookies afterwards.
type Vinted struct {
	client HTTPClient

	mu      sync.Mutex
	cookies map[string][]*http.Cookie
}

// NewVinted creates a Vinted provider using client for all requests.
func NewVinted(client HTTPClient) *Vinted {
	return &Vinted{client: client, cookies: make(map[string][]*http.Cookie)}
}

func (v *Vinted) Name() string { return "vinted" }

// Validate reports whether rawURL points at a Vinted host.
func (v *Vinted) Validate(rawURL string) bool {
	return hostContains(rawURL, "vinted")
}

// Query parameters forwarded verbatim from the search URL to the catalog API.
var vintedPassthrough = []string{
	"search_text", "price_from", "price_to", "currency", "order",
	"brand_ids[]", "catalog[]", "status[]", "size_ids[]", "color_ids[]",
	"material_ids[]",
}

// Search fetches the current catalog snapshot for the search URL,
// newest listings first.
func (v *Vinted) Search(ctx context.Context, rawURL string, limit int) ([]model.Item, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", ErrInvalidQuery)
	}

	api := url.URL{Scheme: "https", Host: u.Host, Path: "/api/v2/catalog/items"}
	q := url.Values{}
	src := u.Query()
	for _, key := range vintedPassthrough {
		for _, val := range src[key] {
			q.Add(key, val)
		}
	}
	if q.Get("order") == "" {
		q.Set("order", "newest_first")
	}
	q.Set("per_page", strconv.Itoa(limit))
	q.Set("page", "1")
	api.RawQuery = q.Encode()

	cookies, err := v.warmup(ctx, u.Host)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodGet, api.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}

	body, err := doRequest(ctx, v.client, req)
	if err != nil {
		var se *statusCodeError
		if errors.As(err, &se) && (se.code == http.StatusUnauthorized || se.code == http.StatusForbidden) {
			// The session cookies stopped being accepted; the next
			// search re-establishes them.
			v.ForgetSession()
		}
		return nil, fmt.Errorf("vinted search: %w", err)
	}
	return decodeVintedItems(body, u.Host)
}

// warmup obtains session cookies for host, fetching them once and caching.
func (v *Vinted) warmup(ctx context.Context, host string) ([]*http.Cookie, error) {
	v.mu.Lock()
	cached, ok := v.cookies[host]
	v.mu.Unlock()
	if ok {
		return cached, nil
	}

	root := url.URL{Scheme: "https", Host: host, Path: "/"}
	req, err := http.NewRequest(http.MethodGet, root.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create warmup request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", userAgent)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vinted warmup: %v: %w", err, ErrUnreachable)
	}
	defer func() { _ = resp.Body.Close() }()

	cookies := resp.Cookies()
	v.mu.Lock()
	v.cookies[host] = cookies
	v.mu.Unlock()
	return cookies, nil
}

// ForgetSession drops cached cookies so the next search re-establishes a
// session. Called when the API starts rejecting requests.
func (v *Vinted) ForgetSession() {
	v.mu.Lock()
	v.cookies = make(map[string][]*http.Cookie)
	v.mu.Unlock()
}

type vintedResponse struct {
	Items []struct {
		ID    json.Number `json:"id"`
		Title string      `json:"title"`
		Price struct {
			Amount       string `json:"amount"`
			CurrencyCode string `json:"currency_code"`
		} `json:"price"`
		BrandTitle string `json:"brand_title"`
		URL        string `json:"url"`
		Photo      struct {
			URL            string `json:"url"`
			HighResolution struct {
				Timestamp int64 `json:"timestamp"`
			} `json:"high_resolution"`
		} `json:"photo"`
	} `json:"items"`
}

func decodeVintedItems(body []byte, host string) ([]model.Item, error) {
	var resp vintedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode vinted response: %v: %w", err, ErrUnreachable)
	}

	items := make([]model.Item, 0, len(resp.Items))
	for _, raw := range resp.Items {
		price, _ := strconv.ParseFloat(raw.Price.Amount, 64)
		itemURL := raw.URL
		if itemURL == "" {
			itemURL = fmt.Sprintf("https://%s/items/%s", host, raw.ID.String())
		}
		var postedAt time.Time
		if ts := raw.Photo.HighResolution.Timestamp; ts > 0 {
			postedAt = time.Unix(ts, 0).UTC()
		}
		items = append(items, model.Item{
			ID:       raw.ID.String(),
			Title:    raw.Title,
			Price:    price,
			Currency: raw.Price.CurrencyCode,
			URL:      itemURL,
			PhotoURL: raw.Photo.URL,
			Brand:    raw.BrandTitle,
			PostedAt: postedAt,
		})
	}
	return items, nil
}
