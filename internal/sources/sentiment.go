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
	"github.com/quantsignals/signalforge/internal/signal"
)

// SentimentSource queries an external model-scored sentiment API. It is
// the slow source in the registry: calls may take seconds, so it is
// marked Slow and leans hard on the verdict cache.
type SentimentSource struct {
	endpoint string
	apiKey   string
	client   *http.Client
	log      zerolog.Logger
}

// NewSentimentSource builds the external sentiment source.
func NewSentimentSource(cfg config.SourceConfig) *SentimentSource {
	return &SentimentSource{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{},
		log:      config.NewSourceLogger("sentiment"),
	}
}

func (s *SentimentSource) ID() string { return "sentiment" }

func (s *SentimentSource) Capabilities() Capabilities {
	return Capabilities{
		Supports:        []SymbolClass{ClassEquity, ClassCrypto},
		RateLimitPerSec: 2,
		Slow:            true,
		FeatureSchema: map[string]signal.FeatureKind{
			"score":    signal.FeatureNumber,
			"mentions": signal.FeatureNumber,
			"trend":    signal.FeatureString,
		},
	}
}

// sentimentPayload is the upstream wire format. Score is in [-1, 1].
type sentimentPayload struct {
	Score    float64 `json:"score"`
	Mentions int     `json:"mentions"`
	Trend    string  `json:"trend"`
}

func (s *SentimentSource) FetchVerdict(ctx context.Context, symbol string, now time.Time, snap *Snapshot) (*signal.SourceVerdict, error) {
	u := fmt.Sprintf("%s/v1/sentiment?symbol=%s", s.endpoint, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
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

	var payload sentimentPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if payload.Score < -1 || payload.Score > 1 {
		return nil, fmt.Errorf("%w: score %f out of range", ErrMalformed, payload.Score)
	}

	// Sentiment alone never takes a strong directional stand; it emits
	// NEUTRAL with a trend feature unless the score is extreme, and the
	// promotion rules decide whether that becomes a capped vote.
	verdict := signal.ActionNeutral
	confidence := 50 + payload.Score*payload.Score*30
	if payload.Mentions >= 50 {
		confidence += 10
	}
	switch {
	case payload.Score > 0.8:
		verdict = signal.ActionLong
	case payload.Score < -0.8:
		verdict = signal.ActionShort
	}

	s.log.Debug().
		Str("symbol", symbol).
		Float64("score", payload.Score).
		Int("mentions", payload.Mentions).
		Msg("Sentiment verdict")

	return &signal.SourceVerdict{
		SourceID:    s.ID(),
		Verdict:     verdict,
		Confidence:  confidence,
		GeneratedAt: now.UTC(),
		Features: map[string]signal.Feature{
			"score":    signal.Num(payload.Score),
			"mentions": signal.Num(float64(payload.Mentions)),
			"trend":    signal.Str(payload.Trend),
		},
	}, nil
}
