// Package migrations wires golang-migrate execution for the stratdesk cache schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/stratdesk/db/migrations"
	"github.com/coachpo/stratdesk/internal/infra/telemetry"
)

// Embedded selects the SQL files compiled into the binary instead of a directory.
const Embedded = ""

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the schema at dsn up to date. An empty migrationsDir uses the
// embedded migrations. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	return withMigrator(ctx, dsn, migrationsDir, logger, func(m *migrate.Migrate, label string) error {
		if logger != nil {
			logger.Printf("running database migrations: source=%s", label)
		}
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "up", "noop")
				if logger != nil {
					logger.Printf("database migrations up-to-date")
				}
				return nil
			}
			recordMigrationMetric(ctx, "up", "failed")
			return fmt.Errorf("apply migrations: %w", err)
		}
		recordMigrationMetric(ctx, "up", "applied")
		if logger != nil {
			logger.Printf("database migrations applied successfully")
		}
		return nil
	})
}

// Rollback reverts the given number of migration steps.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be >0, got %d", steps)
	}
	return withMigrator(ctx, dsn, migrationsDir, logger, func(m *migrate.Migrate, label string) error {
		if logger != nil {
			logger.Printf("rolling back database migrations: source=%s steps=%d", label, steps)
		}
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "down", "noop")
				return nil
			}
			recordMigrationMetric(ctx, "down", "failed")
			return fmt.Errorf("rollback migrations: %w", err)
		}
		recordMigrationMetric(ctx, "down", "applied")
		return nil
	})
}

func withMigrator(ctx context.Context, dsn, migrationsDir string, logger *log.Logger, fn func(*migrate.Migrate, string) error) error {
	var resolvedDir string
	if strings.TrimSpace(migrationsDir) != Embedded {
		dir, err := resolveDir(migrationsDir)
		if err != nil {
			return err
		}
		resolvedDir = dir
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var (
		m     *migrate.Migrate
		label string
	)
	if resolvedDir == "" {
		source, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return fmt.Errorf("open embedded migrations: %w", err)
		}
		label = "embedded"
		m, err = migrate.NewWithInstance("iofs", source, "pgx5", driver)
		if err != nil {
			return fmt.Errorf("initialise migrate instance: %w", err)
		}
	} else {
		label = resolvedDir
		m, err = migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", driver)
		if err != nil {
			return fmt.Errorf("initialise migrate instance: %w", err)
		}
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	return fn(m, label)
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, direction, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("stratdesk_db_migrations_total",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrAction.String(direction),
		telemetry.AttrResult.String(result),
	))
}
