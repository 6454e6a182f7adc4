// Command migrate applies or rolls back the run-state cache schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/stratdesk/internal/infra/config"
	"github.com/coachpo/stratdesk/internal/infra/persistence/migrations"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", "", "PostgreSQL DSN (defaults to cache.database.dsn from -config)")
		cfgPath = fs.String("config", "", "Application config file used when -database is empty")
		dir     = fs.String("path", migrations.Embedded, "Directory containing SQL migrations (empty uses the embedded set)")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resolved, err := resolveDSN(ctx, *dsn, *cfgPath)
	if err != nil {
		return err
	}

	args := fs.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "stratdesk-migrate ", log.LstdFlags)
	}

	switch args[0] {
	case "up":
		return migrations.Apply(ctx, resolved, *dir, logger)
	case "down":
		steps, err := parseSteps(args[1:])
		if err != nil {
			return err
		}
		return migrations.Rollback(ctx, resolved, *dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}

func resolveDSN(ctx context.Context, dsn, cfgPath string) (string, error) {
	if trimmed := strings.TrimSpace(dsn); trimmed != "" {
		return trimmed, nil
	}
	if strings.TrimSpace(cfgPath) == "" {
		return "", errors.New("-database or -config flag is required")
	}
	cfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cfg.Cache.Database.DSN) == "" {
		return "", fmt.Errorf("%s: cache.database.dsn is empty", cfgPath)
	}
	return cfg.Cache.Database.DSN, nil
}

func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid down steps %q", args[0])
	}
	return n, nil
}
