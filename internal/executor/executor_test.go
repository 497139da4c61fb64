package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsignals/signalforge/internal/audit"
	"github.com/quantsignals/signalforge/internal/broker"
	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/signal"
)

const testSecret = "executor-secret"

type fakeBroker struct {
	mu        sync.Mutex
	submits   []broker.BracketOrder
	submitErr error
	account   broker.Account
	shorts    bool
}

func (f *fakeBroker) SubmitBracketOrder(ctx context.Context, order broker.BracketOrder) (*broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submits = append(f.submits, order)
	return &broker.OrderResult{OrderID: "ord-" + uuid.NewString(), SubmittedAt: time.Now().UTC()}, nil
}

func (f *fakeBroker) ListPositions(ctx context.Context) ([]broker.Position, error) { return nil, nil }

func (f *fakeBroker) GetAccount(ctx context.Context) (*broker.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account := f.account
	return &account, nil
}

func (f *fakeBroker) SupportsCryptoShorts() bool { return f.shorts }

func (f *fakeBroker) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

type memAudit struct {
	mu      sync.Mutex
	records []map[string]string
}

func (m *memAudit) Append(ctx context.Context, event audit.EventType, actor string, details interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := details.(map[string]string); ok {
		m.records = append(m.records, d)
	}
	return nil
}

func testConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		ExecutorID:      "exec-test",
		SharedSecret:    testSecret,
		MinConfidence:   75,
		MaxPositions:    3,
		PositionSizePct: 0.10,
		RiskBudgetPct:   0.01,
	}
}

func testEnvelope(symbol string, action signal.Action, confidence float64) *signal.Envelope {
	entry, stop, target := 100.0, 97.0, 106.0
	if action == signal.ActionShort {
		stop, target = 103.0, 94.0
	}
	return &signal.Envelope{
		SignalID:    uuid.NewString(),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		Symbol:      symbol,
		Action:      action,
		EntryPrice:  entry,
		StopPrice:   stop,
		TargetPrice: target,
		Confidence:  confidence,
		Regime:      signal.RegimeTrending,
		SourcesUsed: []string{"technical"},
		ServiceType: "premium",
	}
}

func newTestService(t *testing.T, brk broker.Broker, opts ...Option) (*Service, *memAudit) {
	t.Helper()
	aud := &memAudit{}
	svc := New(testConfig(), brk, append([]Option{WithAudit(aud)}, opts...)...)
	return svc, aud
}

func TestExecuteLongOpensPosition(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 100_000, Cash: 100_000}}
	svc, _ := newTestService(t, brk)

	resp := svc.Execute(context.Background(), testEnvelope("AAPL", signal.ActionLong, 85))
	require.True(t, resp.Success)
	assert.NotEmpty(t, resp.OrderID)
	assert.Equal(t, "exec-test", resp.ExecutorID)

	require.Equal(t, 1, brk.submitCount())
	order := brk.submits[0]
	assert.Equal(t, broker.SideBuy, order.Side)
	assert.Equal(t, broker.TIFDay, order.TimeInForce)
	// floor(min(0.10, 0.01/0.03) * 100000 / 100) = 100 shares.
	assert.InDelta(t, 100.0, order.Quantity, 0.5)
}

func TestExecuteCryptoUsesGTCAndBrokerSymbol(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 100_000, Cash: 100_000}}
	svc, _ := newTestService(t, brk)

	env := testEnvelope("BTC-USD", signal.ActionLong, 90)
	env.EntryPrice, env.StopPrice, env.TargetPrice = 50_000, 48_500, 54_500

	resp := svc.Execute(context.Background(), env)
	require.True(t, resp.Success)
	require.Equal(t, 1, brk.submitCount())
	assert.Equal(t, "BTCUSD", brk.submits[0].Symbol)
	assert.Equal(t, broker.TIFGoodTillCancel, brk.submits[0].TimeInForce)
}

func TestShortCryptoRejectedBeforeBroker(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 100_000, Cash: 100_000}}
	svc, aud := newTestService(t, brk)

	resp := svc.Execute(context.Background(), testEnvelope("BTC-USD", signal.ActionShort, 95))
	require.False(t, resp.Success)
	assert.Equal(t, signal.ReasonShortCryptoUnsupported, resp.ReasonCode)
	assert.Zero(t, brk.submitCount(), "crypto short must never reach the broker")

	require.NotEmpty(t, aud.records)
	assert.Equal(t, signal.ReasonShortCryptoUnsupported, aud.records[0]["result"])

	// And it is not a recoverable rejection: the distributor must not
	// queue it for retry.
	assert.False(t, signal.RecoverableReason(resp.ReasonCode))
}

func TestEquityShortAllowed(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 100_000, Cash: 100_000}}
	svc, _ := newTestService(t, brk)

	resp := svc.Execute(context.Background(), testEnvelope("TSLA", signal.ActionShort, 85))
	require.True(t, resp.Success)
	require.Equal(t, 1, brk.submitCount())
	assert.Equal(t, broker.SideSell, brk.submits[0].Side)
}

func TestMinConfidenceGate(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 100_000, Cash: 100_000}}
	svc, _ := newTestService(t, brk)

	resp := svc.Execute(context.Background(), testEnvelope("AAPL", signal.ActionLong, 74))
	require.False(t, resp.Success)
	assert.Equal(t, signal.ReasonMinConfidenceNotMet, resp.ReasonCode)
	assert.Zero(t, brk.submitCount())
}

func TestDuplicateAndPositionCap(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 1_000_000, Cash: 1_000_000}}
	svc, _ := newTestService(t, brk)
	ctx := context.Background()

	require.True(t, svc.Execute(ctx, testEnvelope("AAPL", signal.ActionLong, 85)).Success)

	dup := svc.Execute(ctx, testEnvelope("AAPL", signal.ActionLong, 85))
	require.False(t, dup.Success)
	assert.Equal(t, signal.ReasonDuplicatePosition, dup.ReasonCode)

	require.True(t, svc.Execute(ctx, testEnvelope("MSFT", signal.ActionLong, 85)).Success)
	require.True(t, svc.Execute(ctx, testEnvelope("NVDA", signal.ActionLong, 85)).Success)

	capped := svc.Execute(ctx, testEnvelope("AMZN", signal.ActionLong, 85))
	require.False(t, capped.Success)
	assert.Equal(t, signal.ReasonPositionCap, capped.ReasonCode)
	assert.True(t, signal.RecoverableReason(capped.ReasonCode))
}

func TestClosePositionFreesCap(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 1_000_000, Cash: 1_000_000}}
	svc, _ := newTestService(t, brk)
	ctx := context.Background()

	for _, sym := range []string{"AAPL", "MSFT", "NVDA"} {
		require.True(t, svc.Execute(ctx, testEnvelope(sym, signal.ActionLong, 85)).Success)
	}
	require.False(t, svc.Execute(ctx, testEnvelope("AMZN", signal.ActionLong, 85)).Success)

	svc.ClosePosition(ctx, "MSFT")
	assert.True(t, svc.Execute(ctx, testEnvelope("AMZN", signal.ActionLong, 85)).Success)
}

func TestSizeTooSmall(t *testing.T) {
	// Not enough equity for a single whole share.
	brk := &fakeBroker{account: broker.Account{Equity: 500, Cash: 500}}
	svc, _ := newTestService(t, brk)

	env := testEnvelope("AAPL", signal.ActionLong, 85)
	env.EntryPrice, env.StopPrice, env.TargetPrice = 900, 873, 954

	resp := svc.Execute(context.Background(), env)
	require.False(t, resp.Success)
	assert.Equal(t, signal.ReasonSizeTooSmall, resp.ReasonCode)
	assert.Zero(t, brk.submitCount())
}

func TestDailyLossTripRefusesOrders(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 100_000, Cash: 100_000}}
	cfg := testConfig()
	cfg.PropFirmEnabled = true
	cfg.DailyLossLimitPct = 0.05
	cfg.MaxDrawdownPct = 0.10
	aud := &memAudit{}
	svc := New(cfg, brk, WithAudit(aud))
	ctx := context.Background()

	// First request establishes the day-start equity.
	require.True(t, svc.Execute(ctx, testEnvelope("AAPL", signal.ActionLong, 85)).Success)

	// Equity falls 6% intraday: past the 5% daily limit, short of the
	// 10% drawdown limit.
	brk.mu.Lock()
	brk.account.Equity = 94_000
	brk.mu.Unlock()

	before := brk.submitCount()
	resp := svc.Execute(ctx, testEnvelope("MSFT", signal.ActionLong, 85))
	require.False(t, resp.Success)
	assert.Equal(t, signal.ReasonDailyLossTripped, resp.ReasonCode)
	assert.Equal(t, before, brk.submitCount(), "tripped limit must not reach the broker")

	last := aud.records[len(aud.records)-1]
	assert.Equal(t, signal.ReasonDailyLossTripped, last["result"])

	// The trip latches even if equity recovers within the same day.
	brk.mu.Lock()
	brk.account.Equity = 99_000
	brk.mu.Unlock()
	again := svc.Execute(ctx, testEnvelope("NVDA", signal.ActionLong, 85))
	assert.Equal(t, signal.ReasonDailyLossTripped, again.ReasonCode)
}

// While the daily latch holds, the reason code does not depend on what
// the signal asks for: a crypto SHORT or a low-confidence signal,
// normally refused with their own reasons, both report the tripped
// limit.
func TestTrippedLatchAnswersBeforeOtherGates(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 100_000, Cash: 100_000}}
	cfg := testConfig()
	cfg.PropFirmEnabled = true
	cfg.DailyLossLimitPct = 0.05
	cfg.MaxDrawdownPct = 0.10
	svc := New(cfg, brk)
	ctx := context.Background()

	require.True(t, svc.Execute(ctx, testEnvelope("AAPL", signal.ActionLong, 85)).Success)
	brk.mu.Lock()
	brk.account.Equity = 94_000
	brk.mu.Unlock()
	require.Equal(t, signal.ReasonDailyLossTripped,
		svc.Execute(ctx, testEnvelope("MSFT", signal.ActionLong, 85)).ReasonCode)

	short := svc.Execute(ctx, testEnvelope("BTC-USD", signal.ActionShort, 85))
	assert.Equal(t, signal.ReasonDailyLossTripped, short.ReasonCode)

	low := svc.Execute(ctx, testEnvelope("NVDA", signal.ActionLong, 10))
	assert.Equal(t, signal.ReasonDailyLossTripped, low.ReasonCode)
}

func TestDailyTripResetsAtRolloverDrawdownDoesNot(t *testing.T) {
	state := newRiskState()
	day1 := time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC)

	state.rollover(day1, 100_000)
	state.dailyTripped = true
	state.drawdownTripped = true

	state.rollover(day1.Add(26*time.Hour), 95_000)
	assert.False(t, state.dailyTripped, "daily trip resets at the UTC boundary")
	assert.True(t, state.drawdownTripped, "drawdown trip is terminal")
	assert.Equal(t, 95_000.0, state.dayStartEquity)
	assert.Equal(t, 100_000.0, state.peakEquity)
}

func TestMaxDrawdownTerminal(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 100_000, Cash: 100_000}}
	cfg := testConfig()
	cfg.PropFirmEnabled = true
	cfg.DailyLossLimitPct = 0.50
	cfg.MaxDrawdownPct = 0.10
	svc := New(cfg, brk, WithAudit(&memAudit{}))
	ctx := context.Background()

	require.True(t, svc.Execute(ctx, testEnvelope("AAPL", signal.ActionLong, 85)).Success)

	brk.mu.Lock()
	brk.account.Equity = 89_000
	brk.mu.Unlock()

	resp := svc.Execute(ctx, testEnvelope("MSFT", signal.ActionLong, 85))
	assert.Equal(t, signal.ReasonMaxDrawdownTripped, resp.ReasonCode)
	assert.False(t, signal.RecoverableReason(resp.ReasonCode))
}

func TestBrokerErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{broker.ErrInsufficientBalance, signal.ReasonInsufficientBalance},
		{broker.ErrNotTradable, signal.ReasonInstrumentNotTradable},
		{broker.ErrTransient, signal.ReasonBrokerTransient},
	}
	for _, tc := range cases {
		brk := &fakeBroker{
			account:   broker.Account{Equity: 100_000, Cash: 100_000},
			submitErr: tc.err,
		}
		svc, _ := newTestService(t, brk)
		resp := svc.Execute(context.Background(), testEnvelope("AAPL", signal.ActionLong, 85))
		require.False(t, resp.Success)
		assert.Equal(t, tc.want, resp.ReasonCode)
	}
}

func signedRequest(t *testing.T, env *signal.Envelope) *http.Request {
	t.Helper()
	body, err := env.Marshal()
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trading/execute", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signal.SignBody(testSecret, body))
	req.Header.Set("Idempotency-Key", env.SignalID+":exec-test")
	return req
}

func newTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	svc.Register(r)
	return r
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 100_000, Cash: 100_000}}
	svc, _ := newTestService(t, brk)
	r := newTestRouter(svc)

	req := signedRequest(t, testEnvelope("AAPL", signal.ActionLong, 85))
	req.Header.Set("X-Signature", "deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, brk.submitCount())
}

func TestHandlerRejectsMalformedEnvelope(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 100_000, Cash: 100_000}}
	svc, _ := newTestService(t, brk)
	r := newTestRouter(svc)

	body := []byte(`{"signal_id":"x","symbol":"AAPL","action":"SIDEWAYS","entry_price":100}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trading/execute", bytes.NewReader(body))
	req.Header.Set("X-Signature", signal.SignBody(testSecret, body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerIdempotentReplay(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 100_000, Cash: 100_000}}
	svc, _ := newTestService(t, brk)
	r := newTestRouter(svc)

	env := testEnvelope("AAPL", signal.ActionLong, 85)

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, signedRequest(t, env))
	require.Equal(t, http.StatusOK, w1.Code)

	var first signal.ExecutorResponse
	require.NoError(t, json.Unmarshal(w1.Body.Bytes(), &first))
	require.True(t, first.Success)

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, signedRequest(t, env))
	require.Equal(t, http.StatusOK, w2.Code)

	var second signal.ExecutorResponse
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &second))
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, brk.submitCount(), "replay must not submit twice")
}

func TestConcurrentSameSymbolOpensOnce(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 1_000_000, Cash: 1_000_000}}
	svc, _ := newTestService(t, brk)

	const n = 8
	var wg sync.WaitGroup
	results := make([]signal.ExecutorResponse, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Execute(context.Background(), testEnvelope("AAPL", signal.ActionLong, 85))
		}(i)
	}
	wg.Wait()

	executed := 0
	for _, resp := range results {
		if resp.Success {
			executed++
		} else {
			assert.Equal(t, signal.ReasonDuplicatePosition, resp.ReasonCode)
		}
	}
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, brk.submitCount())
}

func TestHandleCloseEndpoint(t *testing.T) {
	brk := &fakeBroker{account: broker.Account{Equity: 100_000, Cash: 100_000}}
	svc, _ := newTestService(t, brk)
	r := newTestRouter(svc)

	require.True(t, svc.Execute(context.Background(), testEnvelope("AAPL", signal.ActionLong, 85)).Success)

	body := []byte(`{"symbol":"AAPL"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trading/close", bytes.NewReader(body))
	req.Header.Set("X-Signature", signal.SignBody(testSecret, body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, svc.openPositions())
}
