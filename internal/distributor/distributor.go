// Package distributor fans stored signals out to executor endpoints.
// Delivery to one executor is serialized so same-symbol signals arrive
// in cycle order; executors are independent of each other.
package distributor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/audit"
	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/metrics"
	"github.com/quantsignals/signalforge/internal/signal"
)

// backoffSchedule is the retry ladder for 5xx and network failures.
var backoffSchedule = []time.Duration{
	time.Second, 5 * time.Second, 15 * time.Second, time.Minute, 6 * time.Hour,
}

// RejectedSink receives recoverable business rejections for later
// retry. The rejected-signal queue implements this.
type RejectedSink interface {
	EnqueueRejected(sig *signal.Signal, executorID, reasonCode string)
}

// OrderRecorder persists the broker order id after a successful
// delivery. The store implements this.
type OrderRecorder interface {
	SetOrderID(ctx context.Context, signalID, orderID string) error
}

// Alerter is the critical alert sink for undeliverable signals.
type Alerter interface {
	Critical(ctx context.Context, message string)
}

// Distributor routes signals to matching executors.
type Distributor struct {
	client    *http.Client
	audit     *audit.Log
	rejected  RejectedSink
	orders    OrderRecorder
	alerter   Alerter
	window    time.Duration
	log       zerolog.Logger

	mu    sync.Mutex
	execs map[string]*executorState
	wg    sync.WaitGroup
}

// executorState is the per-executor serialized queue plus its sliding
// rate-limit window.
type executorState struct {
	desc   ExecutorDescriptor
	queue  chan *signal.Signal
	recent []time.Time
}

// New builds a distributor over the given descriptors. Disabled
// executors are kept (they are skipped by the filter) so a descriptor
// reload can re-enable them without restart.
func New(descs []ExecutorDescriptor, cfg config.DistributorConfig, auditLog *audit.Log, rejected RejectedSink, orders OrderRecorder, alerter Alerter) *Distributor {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = time.Minute
	}

	d := &Distributor{
		client:   &http.Client{Timeout: timeout},
		audit:    auditLog,
		rejected: rejected,
		orders:   orders,
		alerter:  alerter,
		window:   window,
		log:      config.NewLogger("distributor"),
		execs:    make(map[string]*executorState),
	}
	for _, desc := range descs {
		d.execs[desc.ID] = &executorState{
			desc:  desc,
			queue: make(chan *signal.Signal, depth),
		}
	}
	return d
}

// Run starts one delivery worker per executor and blocks until ctx is
// cancelled and the queues drain.
func (d *Distributor) Run(ctx context.Context) {
	for _, state := range d.execs {
		d.wg.Add(1)
		go func(s *executorState) {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case sig := <-s.queue:
					d.deliverWithRetry(ctx, s.desc, sig)
				}
			}
		}(state)
	}
	<-ctx.Done()
	d.wg.Wait()
}

// Dispatch routes one signal to every matching executor queue. It never
// blocks the generator: a full queue drops the signal with an audit
// record.
func (d *Distributor) Dispatch(ctx context.Context, sig *signal.Signal) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, state := range d.execs {
		if !d.matches(state, sig) {
			continue
		}
		if !d.underRateLimit(state) {
			metrics.DistributorRateLimited.WithLabelValues(id).Inc()
			d.auditAppend(ctx, audit.EventDistributorDrop, map[string]string{
				"signal_id": sig.SignalID.String(), "executor_id": id,
			})
			continue
		}
		select {
		case state.queue <- sig:
		default:
			d.log.Warn().
				Str("executor_id", id).
				Str("signal_id", sig.SignalID.String()).
				Msg("Executor queue full, dropping signal")
			d.auditAppend(ctx, audit.EventUndelivered, map[string]string{
				"signal_id": sig.SignalID.String(), "executor_id": id, "cause": "queue_full",
			})
		}
	}
}

// matches applies the descriptor filter chain.
func (d *Distributor) matches(state *executorState, sig *signal.Signal) bool {
	desc := state.desc
	if !desc.Enabled {
		return false
	}
	if sig.Confidence < desc.MinConfidence {
		return false
	}
	if len(desc.SymbolAllowlist) > 0 && !contains(desc.SymbolAllowlist, sig.Symbol) {
		return false
	}
	if len(desc.ActionAllowlist) > 0 && !contains(desc.ActionAllowlist, string(sig.Action)) {
		return false
	}
	return true
}

// underRateLimit checks and records against the executor's sliding
// window. Caller holds d.mu.
func (d *Distributor) underRateLimit(state *executorState) bool {
	if state.desc.MaxSignalsPerWindow <= 0 {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-d.window)
	kept := state.recent[:0]
	for _, t := range state.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	state.recent = kept
	if len(state.recent) >= state.desc.MaxSignalsPerWindow {
		return false
	}
	state.recent = append(state.recent, now)
	return true
}

// deliverWithRetry walks the backoff ladder for transient failures.
// Business rejections and 4xx never retry here.
func (d *Distributor) deliverWithRetry(ctx context.Context, desc ExecutorDescriptor, sig *signal.Signal) {
	for attempt := 0; ; attempt++ {
		done := d.deliverOnce(ctx, desc, sig)
		if done {
			return
		}
		if attempt >= len(backoffSchedule)-1 {
			d.log.Error().
				Str("executor_id", desc.ID).
				Str("signal_id", sig.SignalID.String()).
				Int("attempts", attempt+1).
				Msg("Signal undeliverable after max attempts")
			d.auditAppend(ctx, audit.EventUndelivered, map[string]string{
				"signal_id": sig.SignalID.String(), "executor_id": desc.ID, "cause": "max_attempts",
			})
			if d.alerter != nil {
				d.alerter.Critical(ctx, fmt.Sprintf("signal %s undeliverable to executor %s after %d attempts",
					sig.SignalID, desc.ID, attempt+1))
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffSchedule[attempt]):
		}
	}
}

// deliverOnce POSTs the envelope once. It returns true when delivery is
// terminal (success, business rejection, or 4xx) and false when the
// failure is transient and should be retried.
func (d *Distributor) deliverOnce(ctx context.Context, desc ExecutorDescriptor, sig *signal.Signal) bool {
	body, err := sig.ToEnvelope().Marshal()
	if err != nil {
		d.log.Error().Err(err).Str("signal_id", sig.SignalID.String()).Msg("Envelope marshal failed")
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.Endpoint, bytes.NewReader(body))
	if err != nil {
		return true
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signal.SignBody(desc.SharedSecret, body))
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s", sig.SignalID, desc.ID))

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.DistributorDeliveries.WithLabelValues(desc.ID, metrics.StatusClass(0)).Inc()
		d.log.Warn().Err(err).Str("executor_id", desc.ID).Msg("Executor request failed")
		return false
	}
	defer resp.Body.Close()
	metrics.DistributorDeliveries.WithLabelValues(desc.ID, metrics.StatusClass(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode == http.StatusOK:
		return d.handleOK(ctx, desc, sig, resp.Body)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		d.log.Warn().
			Int("status", resp.StatusCode).
			Str("executor_id", desc.ID).
			Str("signal_id", sig.SignalID.String()).
			Msg("Executor rejected request as malformed")
		return true
	default:
		return false
	}
}

func (d *Distributor) handleOK(ctx context.Context, desc ExecutorDescriptor, sig *signal.Signal, body io.Reader) bool {
	var er signal.ExecutorResponse
	if err := json.NewDecoder(body).Decode(&er); err != nil {
		d.log.Warn().Err(err).Str("executor_id", desc.ID).Msg("Unparseable executor response")
		return false
	}

	if er.Success {
		d.log.Info().
			Str("executor_id", desc.ID).
			Str("signal_id", sig.SignalID.String()).
			Str("order_id", er.OrderID).
			Msg("Signal executed")
		if d.orders != nil && er.OrderID != "" {
			if err := d.orders.SetOrderID(ctx, sig.SignalID.String(), er.OrderID); err != nil {
				d.log.Warn().Err(err).Msg("Order id persist failed")
			}
		}
		d.auditAppend(ctx, audit.EventExecutorDecision, map[string]string{
			"signal_id": sig.SignalID.String(), "executor_id": desc.ID,
			"result": "EXECUTED", "order_id": er.OrderID,
		})
		return true
	}

	// Declines are expected outcomes of risk gating, not errors.
	d.log.Debug().
		Str("executor_id", desc.ID).
		Str("signal_id", sig.SignalID.String()).
		Str("reason_code", er.ReasonCode).
		Msg("Executor declined signal")
	d.auditAppend(ctx, audit.EventExecutorDecision, map[string]string{
		"signal_id": sig.SignalID.String(), "executor_id": desc.ID,
		"result": "DECLINED", "reason_code": er.ReasonCode,
	})

	if d.rejected != nil && signal.RecoverableReason(er.ReasonCode) {
		d.rejected.EnqueueRejected(sig, desc.ID, er.ReasonCode)
	}
	return true
}

// Deliver synchronously POSTs a signal to one executor, bypassing the
// queue. Used by the rejected-signal queue on wake.
func (d *Distributor) Deliver(ctx context.Context, executorID string, sig *signal.Signal) (*signal.ExecutorResponse, error) {
	d.mu.Lock()
	state, ok := d.execs[executorID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown executor %q", executorID)
	}
	desc := state.desc

	body, err := sig.ToEnvelope().Marshal()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signal.SignBody(desc.SharedSecret, body))
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s", sig.SignalID, desc.ID))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	metrics.DistributorDeliveries.WithLabelValues(desc.ID, metrics.StatusClass(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("executor %s returned status %d", executorID, resp.StatusCode)
	}
	var er signal.ExecutorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("parse executor response: %w", err)
	}
	return &er, nil
}

func (d *Distributor) auditAppend(ctx context.Context, event audit.EventType, details interface{}) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Append(ctx, event, "distributor", details); err != nil {
		d.log.Warn().Err(err).Msg("Audit append failed")
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
