package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/HamletDuFromage/vintelegram/internal/model"
)

const lbcSearchEndpoint = "https://api.leboncoin.fr/finder/search"

// Leboncoin searches the Leboncoin ad-finder API. A recherche URL like
// https://www.leboncoin.fr/recherche?text=la+pavoni&price=50-200 is
// translated into a POST against the finder endpoint, sorted newest first.
// Listings already marked pending or sold are skipped.
type Leboncoin struct {
	client HTTPClient
}

// NewLeboncoin creates a Leboncoin provider using client for all requests.
func NewLeboncoin(client HTTPClient) *Leboncoin {
	return &Leboncoin{client: client}
}

func (l *Leboncoin) Name() string { return "leboncoin" }

// Validate reports whether rawURL points at a Leboncoin host.
func (l *Leboncoin) Validate(rawURL string) bool {
	return hostContains(rawURL, "leboncoin")
}

type lbcSearchPayload struct {
	Filters   lbcFilters `json:"filters"`
	Limit     int        `json:"limit"`
	SortBy    string     `json:"sort_by"`
	SortOrder string     `json:"sort_order"`
}

type lbcFilters struct {
	Keywords struct {
		Text string `json:"text,omitempty"`
	} `json:"keywords"`
	Category *struct {
		ID string `json:"id"`
	} `json:"category,omitempty"`
	Ranges map[string]lbcRange `json:"ranges,omitempty"`
}

type lbcRange struct {
	Min *int `json:"min,omitempty"`
	Max *int `json:"max,omitempty"`
}

// Search fetches the current snapshot for the recherche URL, newest first.
func (l *Leboncoin) Search(ctx context.Context, rawURL string, limit int) ([]model.Item, error) {
	payload, err := lbcPayloadFromURL(rawURL, limit)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal search payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, lbcSearchEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := doRequest(ctx, l.client, req)
	if err != nil {
		return nil, fmt.Errorf("leboncoin search: %w", err)
	}
	return decodeLbcAds(body)
}

func lbcPayloadFromURL(rawURL string, limit int) (lbcSearchPayload, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return lbcSearchPayload{}, fmt.Errorf("parse url: %w", ErrInvalidQuery)
	}
	q := u.Query()

	payload := lbcSearchPayload{
		Limit:     limit,
		SortBy:    "time",
		SortOrder: "desc",
	}
	payload.Filters.Keywords.Text = q.Get("text")

	if cat := q.Get("category"); cat != "" {
		payload.Filters.Category = &struct {
			ID string `json:"id"`
		}{ID: cat}
	}

	// Price arrives as "min-max"; either side may be blank ("100-", "-50").
	if pr := q.Get("price"); pr != "" {
		lo, hi, ok := strings.Cut(pr, "-")
		if ok {
			r := lbcRange{}
			if n, err := strconv.Atoi(lo); err == nil {
				r.Min = &n
			}
			if n, err := strconv.Atoi(hi); err == nil {
				r.Max = &n
			}
			if r.Min != nil || r.Max != nil {
				payload.Filters.Ranges = map[string]lbcRange{"price": r}
			}
		}
	}
	return payload, nil
}

const lbcTimeLayout = "2006-01-02 15:04:05"

type lbcResponse struct {
	Ads []struct {
		ListID  json.Number `json:"list_id"`
		Subject string      `json:"subject"`
		Price   []float64   `json:"price"`
		URL     string      `json:"url"`
		Images  struct {
			URLs []string `json:"urls"`
		} `json:"images"`
		FirstPublicationDate string `json:"first_publication_date"`
		Attributes           []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"attributes"`
	} `json:"ads"`
}

func decodeLbcAds(body []byte) ([]model.Item, error) {
	var resp lbcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode leboncoin response: %v: %w", err, ErrUnreachable)
	}

	items := make([]model.Item, 0, len(resp.Ads))
	for _, ad := range resp.Ads {
		if adInactive(ad.Attributes) {
			continue
		}
		var price float64
		if len(ad.Price) > 0 {
			price = ad.Price[0]
		}
		var photo string
		if len(ad.Images.URLs) > 0 {
			photo = ad.Images.URLs[0]
		}
		var postedAt time.Time
		if t, err := time.Parse(lbcTimeLayout, ad.FirstPublicationDate); err == nil {
			postedAt = t.UTC()
		}
		items = append(items, model.Item{
			ID:       ad.ListID.String(),
			Title:    ad.Subject,
			Price:    price,
			Currency: "EUR",
			URL:      ad.URL,
			PhotoURL: photo,
			PostedAt: postedAt,
		})
	}
	return items, nil
}

func adInactive(attrs []struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}) bool {
	for _, a := range attrs {
		if a.Key == "transaction_status" && (a.Value == "pending" || a.Value == "sold") {
			return true
		}
	}
	return false
}
