// The generator binary runs the full signal pipeline: market data in,
// source fan-out, consensus, quality adjustment, the hash-chained
// store, and distribution to executors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsignals/signalforge/internal/alerts"
	"github.com/quantsignals/signalforge/internal/alpine"
	"github.com/quantsignals/signalforge/internal/audit"
	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/consensus"
	"github.com/quantsignals/signalforge/internal/distributor"
	"github.com/quantsignals/signalforge/internal/generator"
	"github.com/quantsignals/signalforge/internal/health"
	"github.com/quantsignals/signalforge/internal/quality"
	"github.com/quantsignals/signalforge/internal/regime"
	"github.com/quantsignals/signalforge/internal/rejected"
	sigpkg "github.com/quantsignals/signalforge/internal/signal"
	"github.com/quantsignals/signalforge/internal/sources"
	"github.com/quantsignals/signalforge/internal/store"
)

// rejectedProxy breaks the construction cycle between the distributor
// and the rejected queue: the distributor needs a sink before the queue
// exists, the queue needs the distributor as its deliverer.
type rejectedProxy struct{ q *rejected.Queue }

func (p *rejectedProxy) EnqueueRejected(sig *sigpkg.Signal, executorID, reasonCode string) {
	if p.q != nil {
		p.q.EnqueueRejected(sig, executorID, reasonCode)
	}
}

// fanout dispatches stored signals to the executors and mirrors them to
// Alpine.
type fanout struct {
	dist   *distributor.Distributor
	alpine *alpine.Syncer
}

func (f *fanout) Dispatch(ctx context.Context, sig *sigpkg.Signal) {
	f.dist.Dispatch(ctx, sig)
	f.alpine.Push(sig)
}

// errIntegrity marks a startup hash-chain verification failure so main
// can map it to its own exit code.
var errIntegrity = errors.New("integrity check failed")

func main() {
	err := run()
	if err == nil {
		return
	}
	log.Error().Err(err).Msg("Generator exited with error")
	var valErr *config.ValidationError
	switch {
	case errors.As(err, &valErr):
		os.Exit(2)
	case errors.Is(err, errIntegrity):
		os.Exit(3)
	default:
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	verify := flag.Bool("verify-integrity", false, "verify the signal hash chain, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	handle := config.NewHandle(cfg)

	log.Info().
		Str("environment", cfg.App.Environment).
		Bool("always_on", cfg.App.Always24x7).
		Msg("Starting signalforge generator")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	resolver, err := config.NewSecretResolver(cfg.Vault)
	if err != nil {
		return fmt.Errorf("secret resolver: %w", err)
	}

	// Alerting channel. Disabled config yields a no-op manager.
	var alertManager *alerts.Manager
	if cfg.Alerts.Enabled {
		token, err := resolver.ResolveRequired(ctx, "telegram_token", cfg.Alerts.TelegramToken, cfg.App.Production())
		if err != nil {
			return err
		}
		tg, err := alerts.NewTelegramAlerter(token, cfg.Alerts.ChatIDs)
		if err != nil {
			return fmt.Errorf("telegram alerter: %w", err)
		}
		alertManager = alerts.NewManager(tg)
	} else {
		alertManager = alerts.NewManager()
	}

	signalStore, err := store.Open(cfg.Store, alertManager)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer signalStore.Close()

	if *verify {
		report, err := signalStore.VerifyIntegrity(ctx, time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		if !report.Clean() {
			return fmt.Errorf("%w: %d mismatches in %d rows", errIntegrity, len(report.Mismatches), report.Checked)
		}
		log.Info().Int("checked", report.Checked).Msg("Hash chain verified")
		return nil
	}

	auditLog, err := audit.Open(cfg.Store.AuditPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()
	if err := auditLog.Append(ctx, audit.EventStartup, "generator", map[string]string{
		"environment": cfg.App.Environment,
	}); err != nil {
		return fmt.Errorf("startup audit record: %w", err)
	}

	// Market data: REST primary with an optional websocket fallback.
	var provider sources.SnapshotProvider
	restProvider := sources.NewRESTProvider("market_data", cfg.Sources["market_data"])
	provider = restProvider
	if wsCfg, ok := cfg.Sources["market_data_ws"]; ok && wsCfg.Enabled && wsCfg.Endpoint != "" {
		feed := sources.NewWSFeed(wsCfg.Endpoint, 0)
		go feed.Run(ctx, cfg.Generator.Watchlist)
		provider = sources.NewFallbackProvider(restProvider, feed)
	}

	cache := sources.NewVerdictCache(sources.NewRedisClient(cfg.Redis), 30*time.Second)

	registry := sources.NewRegistry()
	if err := registry.Register(sources.NewTechnicalSource(), cfg.Sources["technical"], cache); err != nil {
		return err
	}
	if err := registry.Register(sources.NewMomentumSource(), cfg.Sources["momentum"], cache); err != nil {
		return err
	}
	if err := registry.Register(sources.NewSentimentSource(cfg.Sources["sentiment"]), cfg.Sources["sentiment"], cache); err != nil {
		return err
	}
	if err := registry.Register(sources.NewOrderflowSource(), cfg.Sources["orderflow"], cache); err != nil {
		return err
	}
	if registry.Len() == 0 {
		return fmt.Errorf("no data sources enabled")
	}

	calibrator := quality.NewCalibrator()
	if path := os.Getenv("SIGNALFORGE_CALIBRATION_FILE"); path != "" {
		if err := calibrator.LoadFile(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Calibration artifact not loaded, using identity")
		}
	}

	// Distributor and rejected queue reference each other; the proxy
	// breaks the cycle.
	proxy := &rejectedProxy{}
	descs, err := distributor.LoadDescriptors(cfg.Distributor.DescriptorFile)
	if err != nil {
		return fmt.Errorf("load executor descriptors: %w", err)
	}
	dist := distributor.New(descs, cfg.Distributor, auditLog, proxy, signalStore, alertManager)
	queue := rejected.New(dist)
	proxy.q = queue
	if err := queue.ConnectNATS(cfg.NATS); err != nil {
		log.Warn().Err(err).Msg("NATS unavailable, rejected queue falls back to polling")
	}

	alpineSync := alpine.NewSyncer(cfg.Alpine)

	gen := generator.New(cfg.Generator, cfg.App, generator.Deps{
		Registry:   registry,
		Provider:   provider,
		Regimes:    regime.NewDetector(cfg.Regime),
		Engine:     consensus.NewEngine(cfg.Consensus),
		Scorer:     quality.NewScorer(signalStore),
		Calibrator: calibrator,
		Store:      signalStore,
		Dispatcher: &fanout{dist: dist, alpine: alpineSync},
		Audit:      auditLog,
	})

	healthSrv := health.NewServer(cfg.HTTP, cfg.App.Production(),
		health.Check{Name: "store", Probe: signalStore.Ping},
		health.Check{Name: "sources", Probe: func(ctx context.Context) error {
			if registry.Len() == 0 {
				return fmt.Errorf("no sources registered")
			}
			return nil
		}},
		health.Check{Name: "config", Probe: func(ctx context.Context) error {
			return handle.Current().Validate()
		}},
	)

	go signalStore.Run(ctx)
	go dist.Run(ctx)
	go queue.Run(ctx)
	go alpineSync.Run(ctx)
	go watchReload(ctx, *configPath, handle, auditLog)
	go func() {
		if err := healthSrv.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
			cancel()
		}
	}()

	if err := gen.Ready(); err != nil {
		return err
	}
	runErr := gen.Run(ctx)
	if runErr != nil && runErr != context.Canceled {
		return runErr
	}

	// Graceful shutdown: the store's Run loop has already done its final
	// flush on ctx cancellation.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := auditLog.Append(shutdownCtx, audit.EventShutdown, "generator", map[string]string{
		"pending_signals": fmt.Sprintf("%d", signalStore.PendingCount()),
	}); err != nil {
		log.Error().Err(err).Msg("Shutdown audit record failed")
	}
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown failed")
	}
	log.Info().Msg("Generator shut down cleanly")
	return nil
}

// watchReload re-reads the config file on SIGHUP and swaps it in when
// it validates. A bad file keeps the running config.
func watchReload(ctx context.Context, configPath string, handle *config.Handle, auditLog *audit.Log) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			fresh, err := config.Load(configPath)
			if err != nil {
				log.Error().Err(err).Msg("Config reload failed, keeping current config")
				continue
			}
			handle.Swap(fresh)
			if err := auditLog.Append(ctx, audit.EventConfigChange, "generator", map[string]string{
				"trigger": "SIGHUP",
			}); err != nil {
				log.Error().Err(err).Msg("Config change audit record failed")
			}
			log.Info().Msg("Configuration reloaded")
		}
	}
}
