package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/audit"
	"github.com/quantsignals/signalforge/internal/broker"
	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/metrics"
	"github.com/quantsignals/signalforge/internal/signal"
)

// auditor is the slice of the audit log the executor writes to.
type auditor interface {
	Append(ctx context.Context, event audit.EventType, actor string, details interface{}) error
}

// Service executes delivered signals against a guarded broker. Every
// request that passes authentication and schema validation gets an HTTP
// 200 with a success flag; rejections are business outcomes, not
// transport errors.
type Service struct {
	cfg    config.ExecutorConfig
	broker broker.Broker
	audit  auditor
	ledger *Ledger
	log    zerolog.Logger

	state *riskState
	locks symbolLocks
	idem  *idempotencyCache

	nats        *nats.Conn
	wakeSubject string
}

// Option configures optional service collaborators.
type Option func(*Service)

// WithAudit attaches the append-only audit log.
func WithAudit(a auditor) Option { return func(s *Service) { s.audit = a } }

// WithLedger attaches the Postgres order ledger.
func WithLedger(l *Ledger) Option { return func(s *Service) { s.ledger = l } }

// WithWake attaches the NATS connection used to wake the rejected
// queue when a position closes. subjectPrefix matches the queue's
// subscription prefix.
func WithWake(nc *nats.Conn, subjectPrefix string) Option {
	return func(s *Service) {
		s.nats = nc
		s.wakeSubject = subjectPrefix + ".wake." + s.cfg.ExecutorID
	}
}

// New builds the executor service around a guarded broker.
func New(cfg config.ExecutorConfig, brk broker.Broker, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		broker: brk,
		log:    config.NewExecutorLogger(cfg.ExecutorID),
		state:  newRiskState(),
		idem:   newIdempotencyCache(time.Hour),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts the execution routes on a gin engine.
func (s *Service) Register(r *gin.Engine) {
	v1 := r.Group("/api/v1/trading")
	v1.POST("/execute", s.handleExecute)
	v1.POST("/close", s.handleClose)
}

func (s *Service) handleExecute(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	// Signature covers the raw body; a mismatch is an auth failure, not
	// a business rejection.
	if !signal.VerifyBodySignature(s.cfg.SharedSecret, body, c.GetHeader("X-Signature")) {
		metrics.ExecutorRequests.WithLabelValues("AUTH_FAILED").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	env, err := signal.ParseEnvelope(body)
	if err != nil {
		metrics.ExecutorRequests.WithLabelValues("MALFORMED").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := c.GetHeader("Idempotency-Key")
	if key == "" {
		key = env.SignalID + ":" + s.cfg.ExecutorID
	}
	if cached, ok := s.idem.get(key); ok {
		s.log.Debug().Str("signal_id", env.SignalID).Msg("Idempotent replay, returning cached outcome")
		c.JSON(http.StatusOK, cached)
		return
	}

	resp := s.Execute(c.Request.Context(), env)
	s.idem.put(key, resp)
	c.JSON(http.StatusOK, resp)
}

// Execute runs the gate chain and, when it passes, submits the bracket
// order. All work for one symbol is serialized on its lock bucket so
// concurrent deliveries cannot double-open a position.
func (s *Service) Execute(ctx context.Context, env *signal.Envelope) signal.ExecutorResponse {
	lock := s.locks.bucket(env.Symbol)
	lock.Lock()
	defer lock.Unlock()

	account, err := s.broker.GetAccount(ctx)
	if err != nil {
		return s.reject(ctx, env, classifyBrokerError(err))
	}

	s.state.mu.Lock()
	s.state.rollover(time.Now(), account.Equity)
	s.state.mu.Unlock()

	gate := s.runGates(ctx, env, account)
	if gate.reason != "" {
		return s.reject(ctx, env, gate.reason)
	}

	side := broker.SideBuy
	if env.Action == signal.ActionShort {
		side = broker.SideSell
	}
	order := broker.BracketOrder{
		Symbol:      signal.BrokerSymbol(env.Symbol),
		Side:        side,
		Quantity:    gate.quantity,
		EntryPrice:  env.EntryPrice,
		StopPrice:   env.StopPrice,
		TargetPrice: env.TargetPrice,
		TimeInForce: timeInForce(env.Symbol),
	}

	result, err := s.broker.SubmitBracketOrder(ctx, order)
	if err != nil {
		reason := classifyBrokerError(err)
		s.log.Warn().
			Err(err).
			Str("signal_id", env.SignalID).
			Str("symbol", env.Symbol).
			Str("reason", reason).
			Msg("Broker rejected bracket order")
		return s.reject(ctx, env, reason)
	}

	s.state.mu.Lock()
	s.state.positions[env.Symbol] = position{
		Symbol:   env.Symbol,
		Action:   env.Action,
		Quantity: gate.quantity,
		OpenedAt: result.SubmittedAt,
		OrderID:  result.OrderID,
	}
	s.state.mu.Unlock()

	if s.ledger != nil {
		if err := s.ledger.Record(ctx, env.SignalID, result.OrderID, env.Symbol, gate.quantity, result.SubmittedAt); err != nil {
			s.log.Error().Err(err).Str("signal_id", env.SignalID).Msg("Order ledger write failed")
		}
	}
	s.auditDecision(ctx, env, "EXECUTED", result.OrderID)
	metrics.ExecutorRequests.WithLabelValues("OK").Inc()
	metrics.ExecutorPositionsOpen.Set(float64(s.openPositions()))

	s.log.Info().
		Str("signal_id", env.SignalID).
		Str("symbol", env.Symbol).
		Str("action", string(env.Action)).
		Float64("quantity", gate.quantity).
		Str("order_id", result.OrderID).
		Msg("Signal executed")

	return signal.ExecutorResponse{
		Success:    true,
		OrderID:    result.OrderID,
		ExecutorID: s.cfg.ExecutorID,
	}
}

func (s *Service) reject(ctx context.Context, env *signal.Envelope, reason string) signal.ExecutorResponse {
	s.auditDecision(ctx, env, reason, "")
	metrics.ExecutorRequests.WithLabelValues(reason).Inc()
	s.log.Info().
		Str("signal_id", env.SignalID).
		Str("symbol", env.Symbol).
		Str("reason", reason).
		Msg("Signal rejected")
	return signal.ExecutorResponse{
		Success:    false,
		ReasonCode: reason,
		ExecutorID: s.cfg.ExecutorID,
	}
}

func (s *Service) auditDecision(ctx context.Context, env *signal.Envelope, result, orderID string) {
	if s.audit == nil {
		return
	}
	details := map[string]string{
		"signal_id": env.SignalID,
		"symbol":    env.Symbol,
		"action":    string(env.Action),
		"result":    result,
	}
	if orderID != "" {
		details["order_id"] = orderID
	}
	if err := s.audit.Append(ctx, audit.EventExecutorDecision, s.cfg.ExecutorID, details); err != nil {
		s.log.Error().Err(err).Msg("Audit append failed")
	}
}

type closeRequest struct {
	Symbol string `json:"symbol"`
}

// handleClose releases a tracked position. Same auth scheme as execute.
func (s *Service) handleClose(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if !signal.VerifyBodySignature(s.cfg.SharedSecret, body, c.GetHeader("X-Signature")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	var req closeRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "close request needs a symbol"})
		return
	}
	s.ClosePosition(c.Request.Context(), req.Symbol)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ClosePosition drops the tracked position and wakes the rejected
// queue: freed capacity may let a queued POSITION_CAP signal through.
func (s *Service) ClosePosition(ctx context.Context, symbol string) {
	s.state.mu.Lock()
	_, existed := s.state.positions[symbol]
	delete(s.state.positions, symbol)
	s.state.mu.Unlock()
	if !existed {
		return
	}
	metrics.ExecutorPositionsOpen.Set(float64(s.openPositions()))

	if s.nats != nil {
		if err := s.nats.Publish(s.wakeSubject, []byte(signal.WakePositionSlotFree)); err != nil {
			s.log.Warn().Err(err).Msg("Wake publish failed, queue falls back to polling")
		}
	}
	s.log.Info().Str("symbol", symbol).Msg("Position closed")
}

func (s *Service) openPositions() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return len(s.state.positions)
}
