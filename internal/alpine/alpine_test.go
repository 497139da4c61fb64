package alpine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/signal"
)

func testSignal() *signal.Signal {
	return &signal.Signal{
		SignalID:    uuid.New(),
		CreatedAt:   time.Now().UTC(),
		Symbol:      "AAPL",
		Action:      signal.ActionLong,
		EntryPrice:  100,
		StopPrice:   97,
		TargetPrice: 106,
		Confidence:  82,
		Regime:      signal.RegimeTrending,
		SourcesUsed: []string{"technical"},
		ServiceType: "standard",
	}
}

func TestDisabledSyncerIsNil(t *testing.T) {
	var s *Syncer
	assert.Nil(t, NewSyncer(config.AlpineConfig{Enabled: false}))
	s.Push(testSignal()) // nil-safe
	s.Run(context.Background())
}

func TestPushMirrorsSignal(t *testing.T) {
	var received atomic.Int32
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSyncer(config.AlpineConfig{Enabled: true, Endpoint: srv.URL, APIKey: "k"})
	require.NotNil(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Push(testSignal())
	require.Eventually(t, func() bool { return received.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Bearer k", gotAuth.Load())
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	// No worker running: the queue fills and further pushes must return
	// immediately.
	s := NewSyncer(config.AlpineConfig{Enabled: true, Endpoint: "http://127.0.0.1:0"})
	require.NotNil(t, s)

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueDepth+10; i++ {
			s.Push(testSignal())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked on a full queue")
	}
}
