package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
)

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Snapshot is the market-data view handed to every source for one
// symbol in one cycle. Candles are ordered oldest first.
type Snapshot struct {
	Symbol    string
	Price     float64
	Candles   []Candle
	FetchedAt time.Time
}

// Highs returns the high series of the candle window.
func (s *Snapshot) Highs() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.High
	}
	return out
}

// Lows returns the low series of the candle window.
func (s *Snapshot) Lows() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Low
	}
	return out
}

// Closes returns the close series of the candle window.
func (s *Snapshot) Closes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Close
	}
	return out
}

// SnapshotProvider fetches market-data snapshots. The generator uses a
// primary provider and falls back to a secondary when the primary fails.
type SnapshotProvider interface {
	Name() string
	Snapshot(ctx context.Context, symbol string, bars int) (*Snapshot, error)
}

// RESTProvider fetches candles from a JSON market-data HTTP API.
type RESTProvider struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
	log      zerolog.Logger
}

// NewRESTProvider builds the primary market-data provider.
func NewRESTProvider(name string, cfg config.SourceConfig) *RESTProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &RESTProvider{
		name:     name,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		log:      config.NewSourceLogger(name),
	}
}

func (p *RESTProvider) Name() string { return p.name }

// candlePayload is the provider wire format.
type candlePayload struct {
	Symbol  string `json:"symbol"`
	Price   float64 `json:"price"`
	Candles []struct {
		T int64   `json:"t"`
		O float64 `json:"o"`
		H float64 `json:"h"`
		L float64 `json:"l"`
		C float64 `json:"c"`
		V float64 `json:"v"`
	} `json:"candles"`
}

// Snapshot fetches the candle window for a symbol.
func (p *RESTProvider) Snapshot(ctx context.Context, symbol string, bars int) (*Snapshot, error) {
	u := fmt.Sprintf("%s/v1/candles?symbol=%s&limit=%d", p.endpoint, url.QueryEscape(symbol), bars)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuthFailed
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrMalformed, resp.StatusCode)
	}

	var payload candlePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(payload.Candles) == 0 {
		return nil, fmt.Errorf("%w: empty candle window", ErrMalformed)
	}

	snap := &Snapshot{
		Symbol:    symbol,
		Price:     payload.Price,
		FetchedAt: time.Now().UTC(),
	}
	for _, c := range payload.Candles {
		snap.Candles = append(snap.Candles, Candle{
			Timestamp: time.Unix(c.T, 0).UTC(),
			Open:      c.O,
			High:      c.H,
			Low:       c.L,
			Close:     c.C,
			Volume:    c.V,
		})
	}
	if snap.Price == 0 {
		snap.Price = snap.Candles[len(snap.Candles)-1].Close
	}

	p.log.Debug().
		Str("symbol", symbol).
		Int("candles", len(snap.Candles)).
		Float64("price", snap.Price).
		Msg("Fetched market snapshot")

	return snap, nil
}

// FallbackProvider tries the primary, then the secondary. Both failing
// is MARKET_DATA_UNAVAILABLE for the symbol; the caller skips it.
type FallbackProvider struct {
	primary   SnapshotProvider
	secondary SnapshotProvider
	log       zerolog.Logger
}

// NewFallbackProvider combines a primary and an optional secondary.
func NewFallbackProvider(primary, secondary SnapshotProvider) *FallbackProvider {
	return &FallbackProvider{
		primary:   primary,
		secondary: secondary,
		log:       config.NewLogger("market_data"),
	}
}

func (f *FallbackProvider) Name() string { return "fallback" }

// Snapshot fetches from the primary, falling back to the secondary.
func (f *FallbackProvider) Snapshot(ctx context.Context, symbol string, bars int) (*Snapshot, error) {
	snap, err := f.primary.Snapshot(ctx, symbol, bars)
	if err == nil {
		return snap, nil
	}

	if f.secondary == nil {
		return nil, err
	}

	f.log.Warn().
		Err(err).
		Str("symbol", symbol).
		Str("primary", f.primary.Name()).
		Str("secondary", f.secondary.Name()).
		Msg("Primary market data failed, trying secondary")

	snap, err2 := f.secondary.Snapshot(ctx, symbol, bars)
	if err2 != nil {
		return nil, fmt.Errorf("primary: %v; secondary: %w", err, err2)
	}
	return snap, nil
}
