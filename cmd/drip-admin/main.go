package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	ch "github.com/malbeclabs/drip/pkg/clickhouse"
	"github.com/malbeclabs/drip/pkg/journal"
	"github.com/malbeclabs/drip/pkg/logger"
	"github.com/malbeclabs/drip/pkg/pg"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Postgres configuration
	pgHostFlag := flag.String("pg-host", "localhost", "Postgres host (or set PG_HOST env var)")
	pgPortFlag := flag.String("pg-port", "5432", "Postgres port (or set PG_PORT env var)")
	pgDatabaseFlag := flag.String("pg-database", "drip", "Postgres database name (or set PG_DATABASE env var)")
	pgUsernameFlag := flag.String("pg-username", "drip", "Postgres username (or set PG_USERNAME env var)")
	pgPasswordFlag := flag.String("pg-password", "", "Postgres password (or set PG_PASSWORD env var)")
	pgSSLModeFlag := flag.String("pg-sslmode", "disable", "Postgres sslmode (or set PG_SSLMODE env var)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", ch.DefaultDatabase, "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run Postgres ledger migrations")
	migrateDownFlag := flag.Bool("migrate-down", false, "Roll back the most recent Postgres ledger migration")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show Postgres ledger migration status")
	resetDBFlag := flag.Bool("reset-db", false, "Drop the ledger table and its migration history")
	journalSchemaFlag := flag.Bool("journal-schema", false, "Create the ClickHouse audit journal table if missing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	for key, dst := range map[string]*string{
		"PG_HOST":             pgHostFlag,
		"PG_PORT":             pgPortFlag,
		"PG_DATABASE":         pgDatabaseFlag,
		"PG_USERNAME":         pgUsernameFlag,
		"PG_PASSWORD":         pgPasswordFlag,
		"PG_SSLMODE":          pgSSLModeFlag,
		"CLICKHOUSE_ADDR_TCP": clickhouseAddrFlag,
		"CLICKHOUSE_DATABASE": clickhouseDatabaseFlag,
		"CLICKHOUSE_USERNAME": clickhouseUsernameFlag,
		"CLICKHOUSE_PASSWORD": clickhousePasswordFlag,
	} {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	pgCfg := pg.Config{
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUsernameFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	}

	switch {
	case *migrateFlag:
		return pg.MigrateUp(log, pgCfg.ConnString())

	case *migrateDownFlag:
		return pg.MigrateDown(log, pgCfg.ConnString())

	case *migrateStatusFlag:
		return pg.MigrateStatus(log, pgCfg.ConnString())

	case *resetDBFlag:
		if !*yesFlag && !confirm(fmt.Sprintf("Drop all ledger data in %s/%s?", *pgHostFlag, *pgDatabaseFlag)) {
			return fmt.Errorf("aborted")
		}
		return resetDB(log, pgCfg)

	case *journalSchemaFlag:
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --journal-schema")
		}
		ctx := context.Background()
		chClient, err := ch.NewClient(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
		if err != nil {
			return fmt.Errorf("failed to connect to clickhouse: %w", err)
		}
		j, err := journal.New(journal.Config{Logger: log, ClickHouse: chClient})
		if err != nil {
			return err
		}
		return j.EnsureSchema(ctx)
	}

	flag.Usage()
	return fmt.Errorf("no command specified")
}

func resetDB(log *slog.Logger, cfg pg.Config) error {
	ctx := context.Background()
	pool, err := pg.NewPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	for _, table := range []string{"schedule_nodes", "goose_db_version"} {
		if _, err := pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
		log.Info("dropped table", "table", table)
	}
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
