// Package main runs the liquidity manager service: the control loop over
// rule evaluation, pipeline execution and rule reactivation, plus the ops
// HTTP surface (metrics, health, live status stream).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"liquidity-manager/internal/action"
	"liquidity-manager/internal/action/stub"
	"liquidity-manager/internal/control"
	"liquidity-manager/internal/domain"
	"liquidity-manager/internal/engine"
	"liquidity-manager/internal/evaluator"
	"liquidity-manager/internal/notify"
	"liquidity-manager/internal/observability"
	"liquidity-manager/internal/status"
	"liquidity-manager/internal/storage"
	chstore "liquidity-manager/internal/storage/clickhouse"
	"liquidity-manager/internal/storage/memory"
	"liquidity-manager/internal/storage/migrations"
	pgstore "liquidity-manager/internal/storage/postgres"
)

type stores struct {
	rules     storage.RuleStore
	actions   storage.ActionStore
	pipelines storage.PipelineStore
	orders    storage.OrderStore
}

func main() {
	// .env is optional; system env vars win on conflict elsewhere anyway.
	_ = godotenv.Load()

	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string for the attempt audit log (optional)")
	webhookURL := flag.String("webhook-url", os.Getenv("NOTIFY_WEBHOOK_URL"), "Webhook URL for pipeline notifications (optional)")
	listenAddr := flag.String("listen-addr", ":8080", "HTTP listen address for metrics, health and status stream")
	evalInterval := flag.Duration("eval-interval", time.Minute, "Rule evaluation interval")
	stepInterval := flag.Duration("step-interval", 15*time.Second, "Pipeline step interval")
	reactivationInterval := flag.Duration("reactivation-interval", 5*time.Minute, "Paused rule reactivation check interval")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	migrate := flag.Bool("migrate", true, "Run migrations on startup")
	dryRun := flag.Bool("dry-run", false, "Serve every action type with the stub client")
	pretty := flag.Bool("pretty-log", false, "Human-readable console log output")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if !*useMemory && *postgresDSN == "" {
		log.Fatal().Msg("--postgres-dsn is required (use --use-memory for in-memory storage)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, audit, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory, *migrate)
	if err != nil {
		log.Fatal().Err(err).Msg("storage setup failed")
	}
	defer cleanup()

	var sinks []notify.Sink
	if *webhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(*webhookURL))
	}
	sinks = append(sinks, &notify.LogSink{})

	hub := status.NewHub()
	stopHub := make(chan struct{})
	defer close(stopHub)
	go hub.Run(stopHub)

	var eng *engine.Engine
	eng, err = engine.New(engine.Options{
		Rules:     st.rules,
		Actions:   st.actions,
		Pipelines: st.pipelines,
		Orders:    st.orders,
		Clients:   actionClients(*dryRun),
		Sinks:     sinks,
		Audit:     audit,
		Listener:  hub,
		ScheduleRetry: func(pipelineID int64, at time.Time) {
			control.ArmRetry(ctx, eng, pipelineID, at)
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("engine setup failed")
	}

	runner, err := control.New(control.Options{
		Engine:               eng,
		Rules:                st.rules,
		Pipelines:            st.pipelines,
		Balances:             balanceReader(),
		EvalInterval:         *evalInterval,
		StepInterval:         *stepInterval,
		ReactivationInterval: *reactivationInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("control loop setup failed")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	httpSrv := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", *listenAddr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("control loop failed")
	}

	log.Info().Msg("shutdown complete")
}

// createStores builds the storage layer: memory, or postgres with an
// optional clickhouse attempt log.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory, migrate bool) (*stores, storage.AttemptLog, func(), error) {
	if useMemory {
		st := &stores{
			rules:     memory.NewRuleStore(),
			actions:   memory.NewActionStore(),
			pipelines: memory.NewPipelineStore(),
			orders:    memory.NewOrderStore(),
		}
		return st, memory.NewAttemptLog(), func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if migrate {
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
	}

	st := &stores{
		rules:     pgstore.NewRuleStore(pool),
		actions:   pgstore.NewActionStore(pool),
		pipelines: pgstore.NewPipelineStore(pool),
		orders:    pgstore.NewOrderStore(pool),
	}

	if clickhouseDSN == "" {
		log.Warn().Msg("no clickhouse dsn, attempt audit log kept in memory")
		return st, memory.NewAttemptLog(), pool.Close, nil
	}

	var conn *chstore.Conn
	if migrate {
		conn, err = migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	} else {
		conn, err = chstore.NewConn(ctx, clickhouseDSN)
	}
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}

	cleanup := func() {
		conn.Close()
		pool.Close()
	}
	return st, chstore.NewAttemptLog(conn), cleanup, nil
}

// actionClients returns the registry of executable action types. Exchange
// and custody integrations register here; with --dry-run every type is
// served by the stub client, which confirms each operation at its submitted
// amount. An unregistered type fails pipeline creation loudly.
func actionClients(dryRun bool) action.Registry {
	if !dryRun {
		return action.Registry{}
	}
	return action.Registry{
		domain.ActionTypeTrade:    stub.New(),
		domain.ActionTypeTransfer: stub.New(),
		domain.ActionTypePayout:   stub.New(),
	}
}

// balanceReader supplies balances to the evaluator. Deployments plug the
// treasury snapshot source in here; without one every rule skips its cycle.
func balanceReader() evaluator.BalanceReader {
	return evaluator.BalanceReaderFunc(func(_ context.Context, _ *domain.Rule) (float64, error) {
		return 0, evaluator.ErrBalanceUnavailable
	})
}
