package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrUnavailable     = errors.New("rate provider unavailable")
)

// Snapshot is one pull of exchange rates quoted against Base. Rates maps a
// currency code to how many units of it one unit of Base buys.
type Snapshot struct {
	Base      string                     `json:"base"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

type Provider interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Converter adapts a Provider to per-pair conversions.
type Converter struct {
	provider Provider
}

func NewConverter(provider Provider) *Converter {
	return &Converter{provider: provider}
}

func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if from == "" || to == "" {
		return decimal.Zero, fmt.Errorf("%w: empty currency code", ErrUnknownCurrency)
	}
	if from == to {
		return amount, nil
	}

	snap, err := c.provider.Snapshot(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return convertWith(snap, amount, from, to)
}

func convertWith(snap *Snapshot, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	fromRate, err := snap.rate(from)
	if err != nil {
		return decimal.Zero, err
	}
	toRate, err := snap.rate(to)
	if err != nil {
		return decimal.Zero, err
	}
	// amount/fromRate is the value in the base currency.
	return amount.Div(fromRate).Mul(toRate), nil
}

func (s *Snapshot) rate(code string) (decimal.Decimal, error) {
	if code == strings.ToUpper(s.Base) {
		return decimal.NewFromInt(1), nil
	}
	rate, ok := s.Rates[code]
	if !ok || rate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
	}
	return rate, nil
}

// HTTPProvider pulls a rate snapshot from a JSON endpoint shaped like
// {"base":"USD","rates":{"EUR":"0.92",...}}.
type HTTPProvider struct {
	client  *http.Client
	baseURL string
	base    string
}

func NewHTTPProvider(baseURL, base string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		base:    strings.ToUpper(strings.TrimSpace(base)),
	}
}

func (p *HTTPProvider) Snapshot(ctx context.Context) (*Snapshot, error) {
	endpoint := p.baseURL + "/latest"
	if p.base != "" {
		endpoint += "?base=" + url.QueryEscape(p.base)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var payload struct {
		Base  string                     `json:"base"`
		Rates map[string]decimal.Decimal `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if payload.Base == "" || len(payload.Rates) == 0 {
		return nil, fmt.Errorf("%w: empty rate payload", ErrUnavailable)
	}

	rates := make(map[string]decimal.Decimal, len(payload.Rates))
	for code, rate := range payload.Rates {
		rates[strings.ToUpper(code)] = rate
	}
	return &Snapshot{
		Base:      strings.ToUpper(payload.Base),
		Rates:     rates,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// Static serves a fixed snapshot. Used in tests and local development.
type Static struct {
	snap *Snapshot
}

func NewStatic(base string, rates map[string]decimal.Decimal) *Static {
	normalized := make(map[string]decimal.Decimal, len(rates))
	for code, rate := range rates {
		normalized[strings.ToUpper(code)] = rate
	}
	return &Static{snap: &Snapshot{
		Base:      strings.ToUpper(base),
		Rates:     normalized,
		UpdatedAt: time.Now().UTC(),
	}}
}

func (s *Static) Snapshot(context.Context) (*Snapshot, error) {
	return s.snap, nil
}
