package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
)

// WSFeed is the secondary market-data provider. It keeps a streaming
// connection open and serves snapshots from an in-memory candle buffer,
// so the generator can keep producing when the REST provider is down.
type WSFeed struct {
	url      string
	maxBars  int
	log      zerolog.Logger
	dialer   *websocket.Dialer
	interval time.Duration

	mu      sync.RWMutex
	bars    map[string][]Candle
	prices  map[string]float64
	updated map[string]time.Time
}

// wsTick is one streamed bar update.
type wsTick struct {
	Symbol string  `json:"symbol"`
	T      int64   `json:"t"`
	O      float64 `json:"o"`
	H      float64 `json:"h"`
	L      float64 `json:"l"`
	C      float64 `json:"c"`
	V      float64 `json:"v"`
}

// NewWSFeed builds the feed. Run must be started for snapshots to
// become available.
func NewWSFeed(url string, maxBars int) *WSFeed {
	if maxBars <= 0 {
		maxBars = 300
	}
	return &WSFeed{
		url:      url,
		maxBars:  maxBars,
		log:      config.NewLogger("ws_feed"),
		dialer:   websocket.DefaultDialer,
		interval: time.Minute,
		bars:     make(map[string][]Candle),
		prices:   make(map[string]float64),
		updated:  make(map[string]time.Time),
	}
}

func (w *WSFeed) Name() string { return "ws_feed" }

// Run maintains the connection until ctx is cancelled, reconnecting
// with a fixed backoff.
func (w *WSFeed) Run(ctx context.Context, symbols []string) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.stream(ctx, symbols); err != nil && ctx.Err() == nil {
			w.log.Warn().Err(err).Dur("backoff", backoff).Msg("Stream dropped, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (w *WSFeed) stream(ctx context.Context, symbols []string) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	defer conn.Close()

	sub := map[string]interface{}{"op": "subscribe", "symbols": symbols}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	w.log.Info().Int("symbols", len(symbols)).Msg("Streaming feed connected")

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var tick wsTick
		if err := json.Unmarshal(raw, &tick); err != nil || tick.Symbol == "" {
			continue
		}
		w.apply(tick)
	}
}

func (w *WSFeed) apply(tick wsTick) {
	candle := Candle{
		Timestamp: time.Unix(tick.T, 0).UTC(),
		Open:      tick.O,
		High:      tick.H,
		Low:       tick.L,
		Close:     tick.C,
		Volume:    tick.V,
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	series := w.bars[tick.Symbol]
	if n := len(series); n > 0 && series[n-1].Timestamp.Equal(candle.Timestamp) {
		series[n-1] = candle
	} else {
		series = append(series, candle)
		if len(series) > w.maxBars {
			series = series[len(series)-w.maxBars:]
		}
	}
	w.bars[tick.Symbol] = series
	w.prices[tick.Symbol] = tick.C
	w.updated[tick.Symbol] = time.Now().UTC()
}

// Snapshot serves the buffered window. It fails when the buffer is
// empty or stale; candle history is not backfilled over the stream.
func (w *WSFeed) Snapshot(ctx context.Context, symbol string, bars int) (*Snapshot, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	series, ok := w.bars[symbol]
	if !ok || len(series) == 0 {
		return nil, fmt.Errorf("%w: no buffered bars for %s", ErrUpstream, symbol)
	}
	if time.Since(w.updated[symbol]) > 5*time.Minute {
		return nil, fmt.Errorf("%w: buffer stale for %s", ErrUpstream, symbol)
	}
	if len(series) > bars {
		series = series[len(series)-bars:]
	}

	out := make([]Candle, len(series))
	copy(out, series)
	return &Snapshot{
		Symbol:    symbol,
		Price:     w.prices[symbol],
		Candles:   out,
		FetchedAt: w.updated[symbol],
	}, nil
}
