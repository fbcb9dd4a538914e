// Command orchestrator runs the off-chain aid-pipeline process: it dials
// the ledger, starts the event poller, wires C1 through C8 together, and
// serves the HTTP/WebSocket surface until it receives a shutdown signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/aidchain/orchestrator/internal/attestation"
	"github.com/aidchain/orchestrator/internal/bus"
	"github.com/aidchain/orchestrator/internal/config"
	"github.com/aidchain/orchestrator/internal/consensus"
	"github.com/aidchain/orchestrator/internal/domain"
	"github.com/aidchain/orchestrator/internal/fulfill"
	"github.com/aidchain/orchestrator/internal/gnss"
	"github.com/aidchain/orchestrator/internal/httpapi"
	"github.com/aidchain/orchestrator/internal/ledger"
	"github.com/aidchain/orchestrator/internal/logging"
	"github.com/aidchain/orchestrator/internal/pipeline"
)

func main() {
	cfg, lists, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "aidchain: config:", err)
		os.Exit(1)
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Str("env", cfg.Env).Msg("starting aidchain orchestrator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := ledger.NewNeoClient(ctx, ledger.NeoClientConfig{
		RPCURL:     cfg.LedgerRPCURL,
		NetworkID:  cfg.LedgerNetworkID,
		OracleWIF:  cfg.LedgerOracleWIF,
		RPCTimeout: cfg.LedgerRPCTimeout,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("dial ledger rpc")
	}

	ledgerAdp := ledger.New(backend, ledger.Config{
		GatewayHash:  cfg.GatewayHash,
		RegistryHash: cfg.RegistryHash,
		EscrowHash:   cfg.EscrowHash,
		RPCTimeout:   cfg.LedgerRPCTimeout,
		Retry: ledger.BackoffSchedule{
			Attempts: cfg.LedgerRetryAttempts,
			Base:     cfg.LedgerRetryBaseDelay,
			Max:      cfg.LedgerRetryMaxDelay,
		},
	}, log)

	cursorStore, closeCursor, err := buildCursorStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("provision event cursor store")
	}
	poller := ledger.NewPoller(backend, cursorStore, cfg.LedgerPollInterval, log)

	gnssClient := gnss.New(cfg.GnssAuthenticatorURL, gnss.Config{
		MinSatellites:        cfg.GnssMinSatellites,
		CNRStdDevThresholdDB: cfg.GnssCNRStdDevDB,
		ElevationDeltaDB:     cfg.GnssElevationDeltaDB,
		PositionToleranceM:   cfg.GnssPositionToleranceM,
		Timeout:              cfg.GnssTimeout,
	}, log)

	providers := buildProviders(lists, cfg, log)
	attestEngine := attestation.New(providers, log)

	consensusEngine := consensus.New(buildLLMEndpoints(lists, cfg), cfg.ConsensusNodeTimeout, log)

	dispatcher := fulfill.New(buildFulfillerRegistry(ctx, ledgerAdp, lists, log), cfg.FulfillerDispatchTimeout, log)

	eventBus := bus.New(cfg.SubscriberQueueSize)
	var relay *bus.RedisRelay
	if cfg.RedisURL != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		relay = bus.NewRedisRelay(rdb, "aidchain:events", eventBus, log)
		eventBus.OnPublish(func(ev bus.Event) {
			if err := relay.Publish(ctx, ev); err != nil {
				log.Warn().Err(err).Msg("relay publish failed")
			}
		})
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("redis relay stopped")
			}
		}()
	}

	orchestrator := pipeline.New(ledgerAdp, gnssClient, attestEngine, consensusEngine, dispatcher, eventBus, pipeline.Config{
		DeliveryTimeoutWindow: cfg.DeliveryTimeoutWindow,
		AerialToleranceMeters: cfg.AerialToleranceMeters,
		EventSearchRadiusKM:   cfg.EventSearchRadiusKM,
	}, log)

	issuer := httpapi.NewTokenIssuer([]byte(cfg.JWTSigningKey), cfg.TokenLifetime, cfg.ClockSkewTolerance)
	server := httpapi.NewServer(ledgerAdp, orchestrator, eventBus, issuer, cfg.WebhookSharedSecret, providers, log)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sched := cron.New(cron.WithSeconds())
	if _, err := sched.AddFunc(everySpec(cfg.LedgerPollInterval), func() {
		if err := poller.Tick(ctx); err != nil {
			log.Error().Err(err).Msg("event poll tick failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule event poll")
	}
	if _, err := sched.AddFunc(everySpec(cfg.TimeoutSweepInterval), func() {
		orchestrator.SweepTimeouts(ctx)
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule timeout sweep")
	}
	sched.Start()

	go relayLedgerEvents(ctx, poller, eventBus, log)

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var result *multierror.Error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
	}
	cronCtx := sched.Stop()
	<-cronCtx.Done()
	if err := closeCursor(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close cursor store: %w", err))
	}

	if result.ErrorOrNil() != nil {
		log.Error().Err(result).Msg("shutdown completed with errors")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}

// relayLedgerEvents republishes on-ledger notifications onto the bus so
// every connected WebSocket client sees state transitions regardless of
// which orchestrator replica originated the write (§4.7). It never drives
// a pipeline directly: submission requires the device's raw GNSS signal,
// which only arrives on the HTTP request body. The poll itself is driven by
// the cron schedule calling poller.Tick; this goroutine only drains the
// resulting channel.
func relayLedgerEvents(ctx context.Context, poller *ledger.Poller, eventBus *bus.Bus, log logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-poller.Events():
			if !ok {
				return
			}
			status := bus.StatusCompleted
			if ev.Type == ledger.EventRequestTimedOut {
				status = bus.StatusFailed
			}
			eventBus.Publish(bus.Event{
				RequestID: ev.RequestID,
				Stage:     string(ev.Type),
				Status:    status,
				Message:   "on-ledger event: " + string(ev.Type),
				Timestamp: time.Now(),
				Payload:   map[string]string{"tx_hash": ev.TxHash},
			})
			if ev.Type == ledger.EventRequestTimedOut || ev.Type == ledger.EventPayoutReleased {
				log.Info().Uint64("request_id", ev.RequestID).Str("type", string(ev.Type)).Msg("observed terminal ledger event")
			}
		}
	}
}

func buildCursorStore(ctx context.Context, cfg *config.Config) (ledger.CursorStore, func() error, error) {
	if cfg.CursorDatabaseURL == "" {
		return &ledger.InMemoryCursorStore{}, func() error { return nil }, nil
	}
	if err := ledger.MigrateCursorSchema(cfg.CursorDatabaseURL, cfg.MigrationsPath); err != nil {
		return nil, nil, fmt.Errorf("migrate cursor schema: %w", err)
	}
	store, err := ledger.OpenPostgresCursorStore(ctx, cfg.CursorDatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open cursor store: %w", err)
	}
	return store, store.Close, nil
}

func buildProviders(lists *config.DataLists, cfg *config.Config, log logging.Logger) []*attestation.Provider {
	out := make([]*attestation.Provider, 0, len(lists.Providers))
	for _, p := range lists.Providers {
		rps := cfg.EventProviderRPS
		out = append(out, attestation.NewProvider(attestation.Endpoint{
			Name:   p.Name,
			Kind:   attestation.ProviderKind(p.Kind),
			URL:    p.BaseURL,
			APIKey: p.APIKey,
			RPS:    rps,
		}, cfg.EventProviderTimeout, log))
	}
	return out
}

func buildLLMEndpoints(lists *config.DataLists, cfg *config.Config) []consensus.Endpoint {
	out := make([]consensus.Endpoint, 0, len(lists.LLMs))
	for _, e := range lists.LLMs {
		out = append(out, consensus.Endpoint{
			NodeID:  e.NodeID,
			ModelID: e.ModelID,
			BaseURL: e.BaseURL,
			APIKey:  e.APIKey,
			RPS:     cfg.ConsensusEndpointRPS,
		})
	}
	return out
}

func buildFulfillerRegistry(ctx context.Context, ledgerAdp *ledger.Adapter, lists *config.DataLists, log logging.Logger) fulfill.Registry {
	fallback := make(map[domain.FulfillerClass]fulfill.Entry, len(lists.Fulfillers))
	for _, f := range lists.Fulfillers {
		class := domain.FulfillerAerial
		if f.Class == "human" {
			class = domain.FulfillerHuman
		}
		fallback[class] = fulfill.Entry{Address: f.Address, Endpoint: f.Endpoint, SharedSecret: f.SharedSecret}
	}
	staticRegistry := fulfill.NewStaticRegistry(fallback)

	records, err := ledgerAdp.ApprovedFulfillers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("approved fulfillers unavailable at startup, using yaml fallback only")
		return staticRegistry
	}
	ledgerRecords := make([]fulfill.LedgerFulfillerRecord, 0, len(records))
	for _, r := range records {
		ledgerRecords = append(ledgerRecords, fulfill.LedgerFulfillerRecord{
			Address:  r.Address,
			Class:    r.Class,
			Endpoint: r.Endpoint,
		})
	}
	return fulfill.NewLedgerRegistry(ledgerRecords, staticRegistry)
}

// everySpec turns a plain interval into a robfig/cron "@every" spec,
// falling back to a sane floor so a zero-value config duration never
// produces a busy-loop schedule.
func everySpec(d time.Duration) string {
	if d <= 0 {
		d = 10 * time.Second
	}
	return "@every " + d.String()
}
