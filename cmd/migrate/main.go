package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/sitedeploy/internal/app/migrate"
	"github.com/splax/sitedeploy/pkg/config"
	"github.com/splax/sitedeploy/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down|version)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	flag.Parse()

	cfg := config.LoadOrchestratorConfig()
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := execute(ctx, runner, *command, *target, log); err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		runner.Close()
		os.Exit(1)
	}
	log.Info("migration command completed", "command", *command)
}

func execute(ctx context.Context, runner migrate.Runner, command string, target int64, log *slog.Logger) error {
	switch command {
	case "up":
		return runner.Ensure(ctx)
	case "status":
		states, err := runner.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range states {
			applied := "pending"
			if st.Applied {
				applied = "applied " + st.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%05d  %-40s  %s\n", st.Version, st.Path, applied)
		}
		return nil
	case "down":
		return runner.Down(ctx, target)
	case "version":
		version, err := runner.Version(ctx)
		if err != nil {
			return err
		}
		log.Info("current schema version", "version", version)
		fmt.Println(version)
		return nil
	default:
		return fmt.Errorf("unsupported command %q", command)
	}
}
