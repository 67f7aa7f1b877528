package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPProvider queries a REST exchange-rate API for a single base/quote
// mid-rate, the same fetch-decode-timeout shape the gas package's
// PriceOracle uses against CoinGecko.
type HTTPProvider struct {
	name     string
	endpoint string // e.g. "https://api.exchangerate.host/latest"; base/quote are added as query params
	client   *http.Client
}

// NewHTTPProvider creates a Provider backed by a REST quote endpoint.
// endpoint must accept base/quote as "base" and "symbols" query params and
// respond with {"rates": {"<QUOTE>": <mid>}}.
func NewHTTPProvider(name, endpoint string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) GetQuote(ctx context.Context, base, quoteCcy string) (Quote, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return Quote{}, fmt.Errorf("fx: %s: bad endpoint: %w", p.name, err)
	}
	q := u.Query()
	q.Set("base", base)
	q.Set("symbols", quoteCcy)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("fx: %s: build request: %w", p.name, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("fx: %s: fetch: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("fx: %s: status %d", p.name, resp.StatusCode)
	}

	var body struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("fx: %s: decode: %w", p.name, err)
	}

	mid, ok := body.Rates[quoteCcy]
	if !ok || mid <= 0 {
		return Quote{}, fmt.Errorf("fx: %s: no rate for %s/%s", p.name, base, quoteCcy)
	}

	return Quote{
		Provider:   p.name,
		Base:       base,
		Quote:      quoteCcy,
		Mid:        mid,
		ObservedAt: time.Now(),
	}, nil
}

var _ Provider = (*HTTPProvider)(nil)

// StaticProvider returns a fixed mid-rate regardless of pair, for local
// development and tests where no network quote source is configured.
type StaticProvider struct {
	name string
	mid  float64
}

// NewStaticProvider creates a Provider that always reports mid for every
// pair it is asked about.
func NewStaticProvider(name string, mid float64) *StaticProvider {
	return &StaticProvider{name: name, mid: mid}
}

func (p *StaticProvider) Name() string { return p.name }

func (p *StaticProvider) GetQuote(_ context.Context, base, quoteCcy string) (Quote, error) {
	return Quote{
		Provider:   p.name,
		Base:       base,
		Quote:      quoteCcy,
		Mid:        p.mid,
		ObservedAt: time.Now(),
	}, nil
}

var _ Provider = (*StaticProvider)(nil)
