// Package rejected holds recoverable executor rejections and retries
// them when account conditions look favourable again: on executor wake
// events over NATS, or on a polling cadence as fallback.
package rejected

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/metrics"
	"github.com/quantsignals/signalforge/internal/signal"
)

// Deliverer re-POSTs an envelope to one executor. The distributor
// implements this.
type Deliverer interface {
	Deliver(ctx context.Context, executorID string, sig *signal.Signal) (*signal.ExecutorResponse, error)
}

// TerminalReason classifies why an entry left the queue.
type TerminalReason string

const (
	TerminalExecuted   TerminalReason = "EXECUTED"
	TerminalExpired    TerminalReason = "EXPIRED"
	TerminalMaxRetries TerminalReason = "MAX_RETRIES"
	TerminalRejected   TerminalReason = "TERMINAL_REJECTION"
)

// entry is one queued rejection.
type entry struct {
	sig        *signal.Signal
	executorID string
	reasonCode string
	enqueuedAt time.Time
	attempts   int
	// woken marks the entry as eligible for an immediate retry;
	// wakeCondition records what freed it, for the retry log.
	woken         bool
	wakeCondition string
}

// Queue is the rejected-signal queue.
type Queue struct {
	deliverer    Deliverer
	log          zerolog.Logger
	pollInterval time.Duration
	statePoll    time.Duration
	maxAge       time.Duration
	maxRetries   int
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*entry // key: signal_id:executor_id

	natsConn *nats.Conn
	natsSub  *nats.Subscription
}

// New builds the queue with the standard cadences: 5 s poll, 30 s
// executor-state fallback, 10 min max age, 3 retries.
func New(deliverer Deliverer) *Queue {
	return &Queue{
		deliverer:    deliverer,
		log:          config.NewLogger("rejected_queue"),
		pollInterval: 5 * time.Second,
		statePoll:    30 * time.Second,
		maxAge:       10 * time.Minute,
		maxRetries:   3,
		now:          time.Now,
		entries:      make(map[string]*entry),
	}
}

// ConnectNATS subscribes to executor wake events. A failure here is
// tolerated: the queue still works on the polling fallback.
func (q *Queue) ConnectNATS(cfg config.NATSConfig) error {
	if !cfg.Enabled {
		return nil
	}
	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return err
	}

	subject := cfg.Subject
	if subject == "" {
		subject = "signalforge.executor"
	}
	sub, err := conn.Subscribe(subject+".wake.*", func(msg *nats.Msg) {
		// Subject tail is the executor id; the payload names the wake
		// condition.
		parts := msg.Subject
		idx := len(subject + ".wake.")
		if len(parts) <= idx {
			return
		}
		q.Wake(parts[idx:], string(msg.Data))
	})
	if err != nil {
		conn.Close()
		return err
	}

	q.natsConn = conn
	q.natsSub = sub
	q.log.Info().Str("url", cfg.URL).Str("subject", subject+".wake.*").Msg("Subscribed to executor wake events")
	return nil
}

// EnqueueRejected implements the distributor's rejected sink.
func (q *Queue) EnqueueRejected(sig *signal.Signal, executorID, reasonCode string) {
	if !signal.RecoverableReason(reasonCode) {
		q.log.Debug().
			Str("signal_id", sig.SignalID.String()).
			Str("reason_code", reasonCode).
			Msg("Terminal rejection, not queueing")
		return
	}

	key := sig.SignalID.String() + ":" + executorID
	q.mu.Lock()
	if _, exists := q.entries[key]; !exists {
		q.entries[key] = &entry{
			sig:        sig,
			executorID: executorID,
			reasonCode: reasonCode,
			enqueuedAt: q.now(),
		}
	}
	depth := len(q.entries)
	q.mu.Unlock()

	metrics.RejectedQueueDepth.Set(float64(depth))
	q.log.Info().
		Str("signal_id", sig.SignalID.String()).
		Str("executor_id", executorID).
		Str("reason_code", reasonCode).
		Msg("Signal queued for conditional retry")
}

// Wake marks every entry for an executor as ready for immediate retry.
// condition names what changed (BUYING_POWER_RESTORED,
// POSITION_SLOT_FREE, MARKET_OPEN, MANUAL); an empty condition is
// treated as MANUAL.
func (q *Queue) Wake(executorID, condition string) {
	if condition == "" {
		condition = signal.WakeManual
	}
	q.mu.Lock()
	for _, e := range q.entries {
		if e.executorID == executorID {
			e.woken = true
			e.wakeCondition = condition
		}
	}
	q.mu.Unlock()
	q.log.Debug().
		Str("executor_id", executorID).
		Str("condition", condition).
		Msg("Wake event received")
}

// Depth returns the current queue depth.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Run drives the polling loop until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	lastStatePoll := q.now()

	for {
		select {
		case <-ctx.Done():
			if q.natsSub != nil {
				q.natsSub.Unsubscribe()
			}
			if q.natsConn != nil {
				q.natsConn.Close()
			}
			return
		case <-ticker.C:
			// The slower cadence retries entries that never got a wake
			// event, covering executors without an event bus.
			stateDue := q.now().Sub(lastStatePoll) >= q.statePoll
			if stateDue {
				lastStatePoll = q.now()
			}
			q.sweep(ctx, stateDue)
		}
	}
}

// sweep expires old entries and retries eligible ones.
func (q *Queue) sweep(ctx context.Context, retryUnwoken bool) {
	q.mu.Lock()
	var due []*entry
	for key, e := range q.entries {
		if q.now().Sub(e.enqueuedAt) >= q.maxAge {
			delete(q.entries, key)
			q.terminal(e, TerminalExpired)
			continue
		}
		if e.woken || retryUnwoken {
			e.woken = false
			due = append(due, e)
		}
	}
	depth := len(q.entries)
	q.mu.Unlock()
	metrics.RejectedQueueDepth.Set(float64(depth))

	for _, e := range due {
		q.retry(ctx, e)
	}
}

func (q *Queue) retry(ctx context.Context, e *entry) {
	e.attempts++
	resp, err := q.deliverer.Deliver(ctx, e.executorID, e.sig)

	key := e.sig.SignalID.String() + ":" + e.executorID
	switch {
	case err != nil:
		q.log.Warn().Err(err).Str("signal_id", e.sig.SignalID.String()).Msg("Retry delivery failed")
	case resp.Success:
		q.remove(key)
		q.terminal(e, TerminalExecuted)
		return
	case !signal.RecoverableReason(resp.ReasonCode):
		q.remove(key)
		q.terminal(e, TerminalRejected)
		return
	default:
		e.reasonCode = resp.ReasonCode
	}

	if e.attempts >= q.maxRetries {
		q.remove(key)
		q.terminal(e, TerminalMaxRetries)
	}
}

func (q *Queue) remove(key string) {
	q.mu.Lock()
	delete(q.entries, key)
	depth := len(q.entries)
	q.mu.Unlock()
	metrics.RejectedQueueDepth.Set(float64(depth))
}

func (q *Queue) terminal(e *entry, reason TerminalReason) {
	q.log.Info().
		Str("signal_id", e.sig.SignalID.String()).
		Str("executor_id", e.executorID).
		Int("attempts", e.attempts).
		Str("terminal", string(reason)).
		Msg("Rejected signal left the queue")
}
