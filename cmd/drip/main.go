package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	ch "github.com/malbeclabs/drip/pkg/clickhouse"
	"github.com/malbeclabs/drip/pkg/custody"
	"github.com/malbeclabs/drip/pkg/distributor"
	"github.com/malbeclabs/drip/pkg/journal"
	"github.com/malbeclabs/drip/pkg/logger"
	"github.com/malbeclabs/drip/pkg/metrics"
	"github.com/malbeclabs/drip/pkg/pg"
	"github.com/malbeclabs/drip/pkg/registry"
	"github.com/malbeclabs/drip/pkg/schedule"
	"github.com/malbeclabs/drip/pkg/server"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for the HTTP API")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics (empty disables)")

	identityFlag := flag.String("identity", "", "Account identity this scheduler distributes under (or set DRIP_IDENTITY env var)")
	operatorTokenHashFlag := flag.String("operator-token-hash", "", "Hex sha256 of the recovery operator token; empty disables recovery (or set DRIP_OPERATOR_TOKEN_HASH env var)")
	registryPathFlag := flag.String("registry-path", "", "Path to the JSON distribution-target registry file")
	custodyURLFlag := flag.String("custody-url", "", "Base URL of the custody service (or set CUSTODY_URL env var)")
	custodyTokenFlag := flag.String("custody-token", "", "Bearer token for the custody service (or set CUSTODY_TOKEN env var)")
	epochFlag := flag.Duration("epoch", schedule.DefaultEpoch, "Activation epoch; keys must align to this boundary")

	// Storage configuration
	storeFlag := flag.String("store", "postgres", "Node store backend: 'postgres' or 'mem' (mem is for development only)")
	pgHostFlag := flag.String("pg-host", "localhost", "Postgres host (or set PG_HOST env var)")
	pgPortFlag := flag.String("pg-port", "5432", "Postgres port (or set PG_PORT env var)")
	pgDatabaseFlag := flag.String("pg-database", "drip", "Postgres database name (or set PG_DATABASE env var)")
	pgUsernameFlag := flag.String("pg-username", "drip", "Postgres username (or set PG_USERNAME env var)")
	pgPasswordFlag := flag.String("pg-password", "", "Postgres password (or set PG_PASSWORD env var)")
	pgSSLModeFlag := flag.String("pg-sslmode", "disable", "Postgres sslmode (or set PG_SSLMODE env var)")

	// ClickHouse journal configuration (optional)
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port); empty disables the audit journal (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", ch.DefaultDatabase, "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	mutatePerMinuteFlag := flag.Int("mutate-per-minute", 60, "Per-IP rate limit for mutating routes, requests per minute")
	mutateBurstFlag := flag.Int("mutate-burst", 10, "Per-IP burst for mutating routes")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for graceful shutdown")

	flag.Parse()

	// Load a local .env if present; real environment always wins.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	applyEnvOverrides(map[string]*string{
		"DRIP_IDENTITY":            identityFlag,
		"DRIP_OPERATOR_TOKEN_HASH": operatorTokenHashFlag,
		"DRIP_REGISTRY_PATH":       registryPathFlag,
		"CUSTODY_URL":              custodyURLFlag,
		"CUSTODY_TOKEN":            custodyTokenFlag,
		"PG_HOST":                  pgHostFlag,
		"PG_PORT":                  pgPortFlag,
		"PG_DATABASE":              pgDatabaseFlag,
		"PG_USERNAME":              pgUsernameFlag,
		"PG_PASSWORD":              pgPasswordFlag,
		"PG_SSLMODE":               pgSSLModeFlag,
		"CLICKHOUSE_ADDR_TCP":      clickhouseAddrFlag,
		"CLICKHOUSE_DATABASE":      clickhouseDatabaseFlag,
		"CLICKHOUSE_USERNAME":      clickhouseUsernameFlag,
		"CLICKHOUSE_PASSWORD":      clickhousePasswordFlag,
	})
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	if *identityFlag == "" {
		return fmt.Errorf("--identity is required")
	}
	if *registryPathFlag == "" {
		return fmt.Errorf("--registry-path is required")
	}
	if *custodyURLFlag == "" {
		return fmt.Errorf("--custody-url is required")
	}
	if *mutatePerMinuteFlag <= 0 {
		return fmt.Errorf("--mutate-per-minute must be positive")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     dsn,
			Release: fmt.Sprintf("drip@%s", version),
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry error reporting enabled")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Node store
	var store schedule.NodeStore
	switch *storeFlag {
	case "mem":
		log.Warn("using in-memory node store, ledger state will not survive restarts")
		store = schedule.NewMemStore()
	case "postgres":
		pool, err := pg.NewPool(ctx, pg.Config{
			Host:     *pgHostFlag,
			Port:     *pgPortFlag,
			Database: *pgDatabaseFlag,
			Username: *pgUsernameFlag,
			Password: *pgPasswordFlag,
			SSLMode:  *pgSSLModeFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer pool.Close()
		store, err = pg.NewStore(pg.StoreConfig{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown store backend %q", *storeFlag)
	}

	book, err := schedule.NewBook(schedule.BookConfig{
		Logger: log,
		Store:  store,
		Epoch:  *epochFlag,
	})
	if err != nil {
		return err
	}

	reg, err := registry.NewStatic(registry.StaticConfig{Logger: log, Path: *registryPathFlag})
	if err != nil {
		return err
	}
	reloadRegistryOnHUP(ctx, log, reg)

	custodyClient := custody.NewClient(*custodyURLFlag, *custodyTokenFlag, log)

	// Audit journal (optional)
	var auditJournal distributor.Journal
	if *clickhouseAddrFlag != "" {
		chClient, err := ch.NewClient(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
		if err != nil {
			return fmt.Errorf("failed to connect to clickhouse: %w", err)
		}
		j, err := journal.New(journal.Config{Logger: log, ClickHouse: chClient})
		if err != nil {
			return err
		}
		if err := j.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to ensure journal schema: %w", err)
		}
		auditJournal = j
		log.Info("audit journal enabled", "addr", *clickhouseAddrFlag, "database", *clickhouseDatabaseFlag)
	}

	dist, err := distributor.New(distributor.Config{
		Logger:            log,
		Book:              book,
		Registry:          reg,
		Transferer:        custodyClient,
		Notifier:          custodyClient,
		Journal:           auditJournal,
		Identity:          *identityFlag,
		OperatorTokenHash: *operatorTokenHashFlag,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		Distributor:     dist,
		MutateRate:      rate.Every(time.Minute / time.Duration(*mutatePerMinuteFlag)),
		MutateBurst:     *mutateBurstFlag,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		g.Go(func() error {
			return serveMetrics(gctx, log, *metricsAddrFlag)
		})
	}

	log.Info("drip scheduler started",
		"version", version, "identity", *identityFlag,
		"store", *storeFlag, "epoch", epochFlag.String())
	return g.Wait()
}

// applyEnvOverrides replaces flag values with non-empty environment values.
func applyEnvOverrides(overrides map[string]*string) {
	for key, dst := range overrides {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
}

// reloadRegistryOnHUP re-reads the target registry when the process receives
// SIGHUP, so target rollouts don't require a restart.
func reloadRegistryOnHUP(ctx context.Context, log *slog.Logger, reg *registry.Static) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(hup)
				return
			case <-hup:
				if err := reg.Reload(); err != nil {
					log.Error("failed to reload registry", "error", err)
				}
			}
		}
	}()
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start prometheus metrics listener: %w", err)
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serveErrCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serveErrCh:
		return err
	}
}
