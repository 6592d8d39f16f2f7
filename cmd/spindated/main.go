package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/velvetlabs/spindate/pkg/logger"
	"github.com/velvetlabs/spindate/pkg/match"
	"github.com/velvetlabs/spindate/pkg/metrics"
	"github.com/velvetlabs/spindate/pkg/pg"
	"github.com/velvetlabs/spindate/pkg/server"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Best effort; the file is only present in dev environments.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set LISTEN_ADDR env var)")

	// PostgreSQL configuration
	pgHostFlag := flag.String("pg-host", "localhost", "PostgreSQL host (or set PG_HOST env var)")
	pgPortFlag := flag.String("pg-port", "5432", "PostgreSQL port (or set PG_PORT env var)")
	pgDatabaseFlag := flag.String("pg-database", "spindate", "PostgreSQL database name (or set PG_DATABASE env var)")
	pgUsernameFlag := flag.String("pg-username", "spindate", "PostgreSQL username (or set PG_USERNAME env var)")
	pgPasswordFlag := flag.String("pg-password", "", "PostgreSQL password (or set PG_PASSWORD env var)")
	pgSSLModeFlag := flag.String("pg-sslmode", "disable", "PostgreSQL sslmode (or set PG_SSLMODE env var)")

	// Matching knobs
	voteWindowFlag := flag.Duration("vote-window", 15*time.Second, "duration of the mutual vote window")
	offlineThresholdFlag := flag.Duration("offline-threshold", 30*time.Second, "evict waiting users silent for this long")
	disconnectCooldownFlag := flag.Duration("disconnect-cooldown", 30*time.Second, "cooldown applied on disconnect during a match")
	batchSizeFlag := flag.Int("batch-size", 100, "max rows processed per scheduler job run")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "run database migrations and exit")
	migrateStatusFlag := flag.Bool("migrate-status", false, "show database migration status and exit")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("PG_HOST"); env != "" {
		*pgHostFlag = env
	}
	if env := os.Getenv("PG_PORT"); env != "" {
		*pgPortFlag = env
	}
	if env := os.Getenv("PG_DATABASE"); env != "" {
		*pgDatabaseFlag = env
	}
	if env := os.Getenv("PG_USERNAME"); env != "" {
		*pgUsernameFlag = env
	}
	if env := os.Getenv("PG_PASSWORD"); env != "" {
		*pgPasswordFlag = env
	}
	if env := os.Getenv("PG_SSLMODE"); env != "" {
		*pgSSLModeFlag = env
	}

	pgCfg := pg.Config{
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUsernameFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	}
	if err := pgCfg.Validate(); err != nil {
		return err
	}

	if *migrateFlag {
		return pg.MigrateUp(log, pgCfg.ConnStr())
	}
	if *migrateStatusFlag {
		return pg.MigrateStatus(log, pgCfg.ConnStr())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pg.Connect(ctx, log, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	store, err := match.NewStore(match.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	bus := match.NewBus(log, 256)

	engine, err := match.NewEngine(match.Config{
		Logger:             log,
		Store:              store,
		Publisher:          bus,
		VoteWindow:         *voteWindowFlag,
		OfflineThreshold:   *offlineThresholdFlag,
		DisconnectCooldown: *disconnectCooldownFlag,
		BatchSize:          *batchSizeFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:     log,
		ListenAddr: *listenAddrFlag,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
		Engine:    engine,
		Scheduler: match.NewScheduler(engine),
		Bus:       bus,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	log.Info("starting spindated", "version", version, "listen", *listenAddrFlag)
	return srv.Run(ctx)
}
