package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Currency names resolved from the currency overview.
const (
	divineOrbName   = "Divine Orb"
	stackedDeckName = "Stacked Deck"
)

// maxResponseBytes bounds market endpoint responses.
const maxResponseBytes = 10 << 20 // 10 MiB

// ///////////////////////////////////////////////
// HTTP Source
// ///////////////////////////////////////////////

// HTTPSource fetches snapshots from a poe.ninja-style market API: a currency
// overview for the exchange ratio and the stacked-deck cost, and a card
// overview for per-card prices.
type HTTPSource struct {
	baseURL      string
	sessionToken string
	client       *retryablehttp.Client
}

// HTTPSourceConfig configures an [HTTPSource].
type HTTPSourceConfig struct {
	// BaseURL is the API root, e.g. "https://poe.ninja/api/data".
	BaseURL string
	// SessionToken, when set, is sent as the POESESSID cookie. Some league
	// endpoints require it.
	SessionToken string
	// Timeout bounds each HTTP attempt. Defaults to 10s.
	Timeout time.Duration
}

// NewHTTPSource creates an HTTPSource with retrying transport.
func NewHTTPSource(cfg HTTPSourceConfig) (*HTTPSource, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("prices: empty base URL")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = timeout
	client.Logger = nil // suppress retryablehttp's default logging

	return &HTTPSource{
		baseURL:      cfg.BaseURL,
		sessionToken: cfg.SessionToken,
		client:       client,
	}, nil
}

// Fetch implements [Source]. Both overviews must succeed; a snapshot with
// cards but no exchange ratio would silently zero every divine total.
func (s *HTTPSource) Fetch(ctx context.Context, game, league string) (*Snapshot, error) {
	currency, err := s.fetchCurrency(ctx, game, league)
	if err != nil {
		return nil, err
	}
	cards, err := s.fetchCards(ctx, game, league)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		FetchedAt:       time.Now(),
		ExchangeRatio:   currency.exchangeRatio,
		AlternateRatio:  currency.alternateRatio,
		AcquisitionCost: currency.acquisitionCost,
		Cards:           cards,
	}, nil
}

// currencyLine is one entry of the currency overview payload.
type currencyLine struct {
	CurrencyTypeName string  `json:"currencyTypeName"`
	ChaosEquivalent  float64 `json:"chaosEquivalent"`
	AlternateValue   float64 `json:"alternateValue"`
}

type currencyResult struct {
	exchangeRatio   float64
	alternateRatio  float64
	acquisitionCost float64
}

func (s *HTTPSource) fetchCurrency(ctx context.Context, game, league string) (currencyResult, error) {
	var payload struct {
		Lines []currencyLine `json:"lines"`
	}
	if err := s.getJSON(ctx, s.overviewURL(game, league, "currencyoverview", "Currency"), &payload); err != nil {
		return currencyResult{}, err
	}

	var res currencyResult
	for _, line := range payload.Lines {
		switch line.CurrencyTypeName {
		case divineOrbName:
			res.exchangeRatio = line.ChaosEquivalent
			res.alternateRatio = line.AlternateValue
		case stackedDeckName:
			res.acquisitionCost = line.ChaosEquivalent
		}
	}
	return res, nil
}

// cardLine is one entry of the divination card overview payload.
type cardLine struct {
	Name           string  `json:"name"`
	ChaosValue     float64 `json:"chaosValue"`
	AlternateValue float64 `json:"alternateValue"`
	ListingCount   int     `json:"listingCount"`
}

func (s *HTTPSource) fetchCards(ctx context.Context, game, league string) (map[string]CardPrice, error) {
	var payload struct {
		Lines []cardLine `json:"lines"`
	}
	if err := s.getJSON(ctx, s.overviewURL(game, league, "itemoverview", "DivinationCard"), &payload); err != nil {
		return nil, err
	}

	cards := make(map[string]CardPrice, len(payload.Lines))
	for _, line := range payload.Lines {
		if line.Name == "" {
			continue
		}
		cards[line.Name] = CardPrice{
			ChaosValue:     line.ChaosValue,
			AlternateValue: line.AlternateValue,
			Confidence:     confidenceFor(line.ListingCount),
		}
	}
	return cards, nil
}

// confidenceFor grades listing depth into the 1..3 confidence scale, where
// 1 is the most trustworthy. Deep books (30+ listings) earn 1, moderate books
// (10+) earn 2, thin books earn 3.
func confidenceFor(listings int) int {
	switch {
	case listings >= 30:
		return 1
	case listings >= 10:
		return 2
	default:
		return 3
	}
}

func (s *HTTPSource) overviewURL(game, league, endpoint, kind string) string {
	q := url.Values{}
	q.Set("league", league)
	q.Set("type", kind)
	return fmt.Sprintf("%s/%s/%s?%s", s.baseURL, game, endpoint, q.Encode())
}

// getJSON performs one bounded GET and decodes the response into out.
func (s *HTTPSource) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	if s.sessionToken != "" {
		req.AddCookie(&http.Cookie{Name: "POESESSID", Value: s.sessionToken})
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxResponseBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", rawURL, err)
	}
	if int64(len(body)) > maxResponseBytes {
		return fmt.Errorf("response from %s exceeds %d bytes", rawURL, maxResponseBytes)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response from %s: %w", rawURL, err)
	}
	return nil
}
