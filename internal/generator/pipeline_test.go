package generator

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsignals/signalforge/internal/audit"
	"github.com/quantsignals/signalforge/internal/broker"
	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/consensus"
	"github.com/quantsignals/signalforge/internal/distributor"
	"github.com/quantsignals/signalforge/internal/executor"
	"github.com/quantsignals/signalforge/internal/quality"
	"github.com/quantsignals/signalforge/internal/regime"
	"github.com/quantsignals/signalforge/internal/signal"
	"github.com/quantsignals/signalforge/internal/sources"
	"github.com/quantsignals/signalforge/internal/store"
)

// Full pipeline: sources -> consensus -> store -> distributor -> a real
// executor service over HTTP -> sim broker. Only the market data and
// the source verdicts are stubbed.
func TestPipelineEndToEnd(t *testing.T) {
	dir := t.TempDir()
	const secret = "pipeline-secret"

	auditLog, err := audit.Open(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	defer auditLog.Close()

	signalStore, err := store.Open(config.StoreConfig{
		Path:        filepath.Join(dir, "signals.db"),
		ArchivePath: filepath.Join(dir, "archive.db"),
		SidecarDir:  dir,
		BatchSize:   50,
	}, nil)
	require.NoError(t, err)
	defer signalStore.Close()

	// Executor service on a real listener with the sim broker.
	sim := broker.NewSim(1_000_000)
	execSvc := executor.New(config.ExecutorConfig{
		ExecutorID:      "exec-e2e",
		SharedSecret:    secret,
		MinConfidence:   70,
		MaxPositions:    5,
		PositionSizePct: 0.05,
	}, broker.NewGuard(sim, config.BrokerConfig{}))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	execSvc.Register(router)
	execSrv := httptest.NewServer(router)
	defer execSrv.Close()

	dist := distributor.New([]distributor.ExecutorDescriptor{{
		ID:           "exec-e2e",
		Endpoint:     execSrv.URL + "/api/v1/trading/execute",
		SharedSecret: secret,
		Enabled:      true,
	}}, config.DistributorConfig{}, auditLog, nil, signalStore, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dist.Run(ctx)

	// Two directional sources agreeing on AAPL.
	provider := &fakeProvider{snaps: map[string]*sources.Snapshot{}}
	provider.setPrice("AAPL", 150)

	alpha := &stubSource{id: "alpha", verdicts: map[string]*signal.SourceVerdict{
		"AAPL": longVerdict(88),
	}}
	beta := &stubSource{id: "beta", verdicts: map[string]*signal.SourceVerdict{
		"AAPL": longVerdict(82),
	}}

	gen := New(
		config.GeneratorConfig{Watchlist: []string{"AAPL"}},
		config.AppConfig{},
		Deps{
			Registry:   newRegistry(t, alpha, beta),
			Provider:   provider,
			Regimes:    regime.NewDetector(config.RegimeConfig{}),
			Engine:     consensus.NewEngine(config.ConsensusConfig{}),
			Scorer:     quality.NewScorer(signalStore),
			Store:      signalStore,
			Dispatcher: dist,
			Audit:      auditLog,
		},
	)

	gen.RunCycle(ctx)

	// The signal reached the sim broker through the whole chain.
	require.Eventually(t, func() bool {
		positions, err := sim.ListPositions(ctx)
		return err == nil && len(positions) == 1
	}, 5*time.Second, 50*time.Millisecond, "signal never reached the broker")

	positions, err := sim.ListPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, broker.SideBuy, positions[0].Side)

	// Persisted and chained.
	n, err := signalStore.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, err := signalStore.QueryRecent(ctx, store.RecentFilter{Symbol: "AAPL"}, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotEmpty(t, stored[0].SHA256)

	report, err := signalStore.VerifyIntegrity(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.True(t, report.Clean())

	// The audit trail has both the emission and the executor decision.
	checked, broken, err := auditLog.Verify(ctx)
	require.NoError(t, err)
	assert.Empty(t, broken)
	assert.GreaterOrEqual(t, checked, 2)
}

// A low-confidence executor rejection flows back as a business outcome,
// not an error, and the signal stays stored.
func TestPipelineExecutorDecline(t *testing.T) {
	dir := t.TempDir()
	const secret = "pipeline-secret"

	auditLog, err := audit.Open(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	defer auditLog.Close()

	signalStore, err := store.Open(config.StoreConfig{
		Path:       filepath.Join(dir, "signals.db"),
		SidecarDir: dir,
	}, nil)
	require.NoError(t, err)
	defer signalStore.Close()

	sim := broker.NewSim(1_000_000)
	execSvc := executor.New(config.ExecutorConfig{
		ExecutorID:      "exec-strict",
		SharedSecret:    secret,
		MinConfidence:   99, // declines everything this test emits
		MaxPositions:    5,
		PositionSizePct: 0.05,
	}, broker.NewGuard(sim, config.BrokerConfig{}))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	execSvc.Register(router)
	execSrv := httptest.NewServer(router)
	defer execSrv.Close()

	dist := distributor.New([]distributor.ExecutorDescriptor{{
		ID:           "exec-strict",
		Endpoint:     execSrv.URL + "/api/v1/trading/execute",
		SharedSecret: secret,
		Enabled:      true,
	}}, config.DistributorConfig{}, auditLog, nil, signalStore, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dist.Run(ctx)

	provider := &fakeProvider{snaps: map[string]*sources.Snapshot{}}
	provider.setPrice("AAPL", 150)
	src := &stubSource{id: "alpha", verdicts: map[string]*signal.SourceVerdict{
		"AAPL": longVerdict(85),
	}}

	gen := New(
		config.GeneratorConfig{Watchlist: []string{"AAPL"}},
		config.AppConfig{},
		Deps{
			Registry:   newRegistry(t, src),
			Provider:   provider,
			Regimes:    regime.NewDetector(config.RegimeConfig{}),
			Engine:     consensus.NewEngine(config.ConsensusConfig{}),
			Store:      signalStore,
			Dispatcher: dist,
			Audit:      auditLog,
		},
	)

	gen.RunCycle(ctx)

	// Broker stays untouched, store keeps the signal.
	require.Never(t, func() bool {
		positions, _ := sim.ListPositions(ctx)
		return len(positions) > 0
	}, time.Second, 100*time.Millisecond)

	n, err := signalStore.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
