// Package alpine mirrors stored signals to the Alpine analytics API on
// a best-effort basis. Pushes ride a bounded background queue; when the
// queue is full or the API is down, signals are dropped with a log line
// and the pipeline is never blocked.
package alpine

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/signal"
)

const queueDepth = 512

// Syncer pushes signals to Alpine from a single background worker.
type Syncer struct {
	cfg    config.AlpineConfig
	client *retryablehttp.Client
	queue  chan *signal.Signal
	log    zerolog.Logger
}

// NewSyncer builds the syncer. A disabled config yields a nil syncer;
// all methods are nil-safe.
func NewSyncer(cfg config.AlpineConfig) *Syncer {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil
	}

	log := config.NewLogger("alpine")

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 10 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &Syncer{
		cfg:    cfg,
		client: client,
		queue:  make(chan *signal.Signal, queueDepth),
		log:    log,
	}
}

// Push enqueues a signal for sync. Never blocks: a full queue drops the
// signal, the authoritative copy is already in the store.
func (s *Syncer) Push(sig *signal.Signal) {
	if s == nil {
		return
	}
	select {
	case s.queue <- sig:
	default:
		s.log.Warn().
			Str("signal_id", sig.SignalID.String()).
			Msg("Alpine queue full, signal not mirrored")
	}
}

// Run drains the queue until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	if s == nil {
		return
	}
	s.log.Info().Str("endpoint", s.cfg.Endpoint).Msg("Alpine sync started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Int("dropped", len(s.queue)).Msg("Alpine sync stopped")
			return
		case sig := <-s.queue:
			if err := s.push(ctx, sig); err != nil {
				s.log.Warn().
					Err(err).
					Str("signal_id", sig.SignalID.String()).
					Msg("Alpine push failed, signal not mirrored")
			}
		}
	}
}

func (s *Syncer) push(ctx context.Context, sig *signal.Signal) error {
	body, err := sig.ToEnvelope().Marshal()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alpine returned status %d", resp.StatusCode)
	}
	s.log.Debug().Str("signal_id", sig.SignalID.String()).Msg("Signal mirrored to Alpine")
	return nil
}
