package distributor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/signal"
)

type sinkRecorder struct {
	mu      sync.Mutex
	entries []string
}

func (s *sinkRecorder) EnqueueRejected(sig *signal.Signal, executorID, reasonCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, reasonCode)
}

type orderRecorder struct {
	mu     sync.Mutex
	orders map[string]string
}

func (o *orderRecorder) SetOrderID(ctx context.Context, signalID, orderID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.orders == nil {
		o.orders = make(map[string]string)
	}
	o.orders[signalID] = orderID
	return nil
}

func testSignal(confidence float64) *signal.Signal {
	sig := &signal.Signal{
		SignalID:    uuid.New(),
		CreatedAt:   time.Now().UTC(),
		Symbol:      "AAPL",
		Action:      signal.ActionLong,
		EntryPrice:  100,
		StopPrice:   97,
		TargetPrice: 106,
		Confidence:  confidence,
		Regime:      signal.RegimeTrending,
		SourcesUsed: []string{"technical"},
	}
	_ = sig.Seal()
	return sig
}

func descriptorFor(ts *httptest.Server, secret string) ExecutorDescriptor {
	return ExecutorDescriptor{
		ID:            "exec-1",
		Endpoint:      ts.URL,
		SharedSecret:  secret,
		Enabled:       true,
		MinConfidence: 70,
	}
}

func TestDeliverySignsAndRecordsOrder(t *testing.T) {
	const secret = "test-secret"
	var gotSignature, gotIdempotency string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotSignature = r.Header.Get("X-Signature")
		gotIdempotency = r.Header.Get("Idempotency-Key")
		require.True(t, signal.VerifyBodySignature(secret, body, gotSignature))

		json.NewEncoder(w).Encode(signal.ExecutorResponse{
			Success: true, OrderID: "ord-42", ExecutorID: "exec-1",
		})
	}))
	defer ts.Close()

	orders := &orderRecorder{}
	d := New([]ExecutorDescriptor{descriptorFor(ts, secret)}, config.DistributorConfig{}, nil, nil, orders, nil)

	sig := testSignal(85)
	done := d.deliverOnce(context.Background(), d.execs["exec-1"].desc, sig)
	assert.True(t, done)
	assert.NotEmpty(t, gotSignature)
	assert.Equal(t, sig.SignalID.String()+":exec-1", gotIdempotency)
	assert.Equal(t, "ord-42", orders.orders[sig.SignalID.String()])
}

func TestRecoverableRejectionGoesToQueue(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(signal.ExecutorResponse{
			Success: false, ReasonCode: signal.ReasonPositionCap, ExecutorID: "exec-1",
		})
	}))
	defer ts.Close()

	sink := &sinkRecorder{}
	d := New([]ExecutorDescriptor{descriptorFor(ts, "s")}, config.DistributorConfig{}, nil, sink, nil, nil)

	done := d.deliverOnce(context.Background(), d.execs["exec-1"].desc, testSignal(85))
	assert.True(t, done, "business rejection is terminal for the distributor")
	require.Len(t, sink.entries, 1)
	assert.Equal(t, signal.ReasonPositionCap, sink.entries[0])
}

func TestTerminalRejectionNotQueued(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(signal.ExecutorResponse{
			Success: false, ReasonCode: signal.ReasonShortCryptoUnsupported, ExecutorID: "exec-1",
		})
	}))
	defer ts.Close()

	sink := &sinkRecorder{}
	d := New([]ExecutorDescriptor{descriptorFor(ts, "s")}, config.DistributorConfig{}, nil, sink, nil, nil)

	done := d.deliverOnce(context.Background(), d.execs["exec-1"].desc, testSignal(85))
	assert.True(t, done)
	assert.Empty(t, sink.entries, "terminal rejections never enter the rejected queue")
}

func TestBadRequestDoesNotRetry(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	d := New([]ExecutorDescriptor{descriptorFor(ts, "s")}, config.DistributorConfig{}, nil, nil, nil, nil)
	done := d.deliverOnce(context.Background(), d.execs["exec-1"].desc, testSignal(85))
	assert.True(t, done)
	assert.Equal(t, 1, calls)
}

func TestServerErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	d := New([]ExecutorDescriptor{descriptorFor(ts, "s")}, config.DistributorConfig{}, nil, nil, nil, nil)
	done := d.deliverOnce(context.Background(), d.execs["exec-1"].desc, testSignal(85))
	assert.False(t, done, "5xx must signal retry")
}

func TestDispatchFilters(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	desc := descriptorFor(ts, "s")
	desc.SymbolAllowlist = []string{"MSFT"}
	d := New([]ExecutorDescriptor{desc}, config.DistributorConfig{}, nil, nil, nil, nil)

	// Below min confidence.
	d.Dispatch(context.Background(), testSignal(50))
	assert.Empty(t, d.execs["exec-1"].queue)

	// Symbol not allowlisted.
	d.Dispatch(context.Background(), testSignal(85))
	assert.Empty(t, d.execs["exec-1"].queue)

	sig := testSignal(85)
	sig.Symbol = "MSFT"
	_ = sig.Seal()
	d.Dispatch(context.Background(), sig)
	assert.Len(t, d.execs["exec-1"].queue, 1)
}

func TestSlidingWindowRateLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	desc := descriptorFor(ts, "s")
	desc.MaxSignalsPerWindow = 2
	d := New([]ExecutorDescriptor{desc}, config.DistributorConfig{RateWindow: time.Minute}, nil, nil, nil, nil)

	for i := 0; i < 5; i++ {
		d.Dispatch(context.Background(), testSignal(85))
	}
	assert.Len(t, d.execs["exec-1"].queue, 2, "over-limit signals are dropped")
}

func TestLoadDescriptors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
executors:
  - id: exec-1
    endpoint: http://localhost:9000/api/v1/trading/execute
    shared_secret: xK9mQ2vL8pWn4uTz
    enabled: true
    min_confidence: 80
    symbol_allowlist: [AAPL, BTC-USD]
    max_signals_per_window: 10
  - id: exec-2
    enabled: false
`), 0o644))

	descs, err := LoadDescriptors(path)
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, 80.0, descs[0].MinConfidence)
	assert.False(t, descs[1].Enabled)

	// Duplicate ids are rejected.
	require.NoError(t, os.WriteFile(path, []byte(`
executors:
  - id: dup
    enabled: false
  - id: dup
    enabled: false
`), 0o644))
	_, err = LoadDescriptors(path)
	assert.Error(t, err)
}
