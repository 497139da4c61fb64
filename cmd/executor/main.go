// The executor binary receives signed signal envelopes over HTTP and
// executes them against the configured broker behind the risk gates.
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

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/quantsignals/signalforge/internal/audit"
	"github.com/quantsignals/signalforge/internal/broker"
	"github.com/quantsignals/signalforge/internal/config"
	"github.com/quantsignals/signalforge/internal/executor"
	"github.com/quantsignals/signalforge/internal/health"
)

func main() {
	err := run()
	if err == nil {
		return
	}
	log.Error().Err(err).Msg("Executor exited with error")
	var valErr *config.ValidationError
	if errors.As(err, &valErr) {
		os.Exit(2)
	}
	os.Exit(1)
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().
		Str("executor_id", cfg.Executor.ExecutorID).
		Str("broker", cfg.Broker.Kind).
		Msg("Starting signalforge executor")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	resolver, err := config.NewSecretResolver(cfg.Vault)
	if err != nil {
		return fmt.Errorf("secret resolver: %w", err)
	}
	sharedSecret, err := resolver.ResolveRequired(ctx, "executor_shared_secret", cfg.Executor.SharedSecret, cfg.App.Production())
	if err != nil {
		return err
	}
	cfg.Executor.SharedSecret = sharedSecret

	brk, err := buildBroker(ctx, cfg, resolver)
	if err != nil {
		return err
	}
	guarded := broker.NewGuard(brk, cfg.Broker)

	auditLog, err := audit.Open(cfg.Store.AuditPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()
	if err := auditLog.Append(ctx, audit.EventStartup, cfg.Executor.ExecutorID, map[string]string{
		"broker": cfg.Broker.Kind,
	}); err != nil {
		return fmt.Errorf("startup audit record: %w", err)
	}

	opts := []executor.Option{executor.WithAudit(auditLog)}

	if cfg.Executor.DatabaseURL != "" {
		ledger, err := executor.NewLedger(ctx, cfg.Executor.DatabaseURL)
		if err != nil {
			return fmt.Errorf("order ledger: %w", err)
		}
		defer ledger.Close()
		opts = append(opts, executor.WithLedger(ledger))
	}

	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, position-close wakes disabled")
		} else {
			defer nc.Close()
			opts = append(opts, executor.WithWake(nc, cfg.NATS.Subject))
		}
	}

	svc := executor.New(cfg.Executor, guarded, opts...)

	healthSrv := health.NewServer(cfg.HTTP, cfg.App.Production(),
		health.Check{Name: "broker", Probe: func(ctx context.Context) error {
			_, err := guarded.GetAccount(ctx)
			return err
		}},
	)
	svc.Register(healthSrv.Router())

	errCh := make(chan error, 1)
	go func() { errCh <- healthSrv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := auditLog.Append(shutdownCtx, audit.EventShutdown, cfg.Executor.ExecutorID, nil); err != nil {
		log.Error().Err(err).Msg("Shutdown audit record failed")
	}
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("Executor shut down cleanly")
	return nil
}

// buildBroker constructs the configured broker adapter with its secrets
// resolved.
func buildBroker(ctx context.Context, cfg *config.Config, resolver *config.SecretResolver) (broker.Broker, error) {
	switch cfg.Broker.Kind {
	case "sim", "":
		return broker.NewSim(0), nil
	case "binance":
		apiKey, err := resolver.ResolveRequired(ctx, "binance_api_key", cfg.Broker.APIKey, cfg.App.Production())
		if err != nil {
			return nil, err
		}
		secretKey, err := resolver.ResolveRequired(ctx, "binance_secret_key", cfg.Broker.SecretKey, cfg.App.Production())
		if err != nil {
			return nil, err
		}
		brokerCfg := cfg.Broker
		brokerCfg.APIKey = apiKey
		brokerCfg.SecretKey = secretKey
		return broker.NewBinance(brokerCfg), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}
