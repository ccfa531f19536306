// Package testutil starts a disposable PostgreSQL for integration tests and
// wires the audited gorm stack on top of it.
//
//	func TestMain(m *testing.M) {
//	    pg := testutil.MustStartPostgres()
//	    db, _ = pg.Open(context.Background(), testutil.Logger())
//	    code := m.Run()
//	    pg.Close()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"

	"github.com/eduassist/eduassist/internal/audit"
	"github.com/eduassist/eduassist/internal/model"
	"github.com/eduassist/eduassist/internal/storage"
	"github.com/eduassist/eduassist/migrations"
)

const postgresImage = "postgres:17-alpine"

// Postgres is a running container and the DSN that reaches it.
type Postgres struct {
	container *postgres.PostgresContainer
	DSN       string
}

// StartPostgres runs a fresh container and waits until it accepts
// connections.
func StartPostgres(ctx context.Context) (*Postgres, error) {
	c, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("eduassist"),
		postgres.WithUsername("eduassist"),
		postgres.WithPassword("eduassist"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("testutil: start %s: %w", postgresImage, err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("testutil: connection string: %w", err)
	}
	return &Postgres{container: c, DSN: dsn}, nil
}

// MustStartPostgres is StartPostgres for TestMain: it exits the test binary
// when the container cannot start.
func MustStartPostgres() *Postgres {
	pg, err := StartPostgres(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return pg
}

// Open connects a storage.DB and applies every migration.
func (pg *Postgres) Open(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, pg.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: open: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("testutil: migrate: %w", err)
	}
	return db, nil
}

// Close terminates the container.
func (pg *Postgres) Close() {
	_ = pg.container.Terminate(context.Background())
}

// AuditedGorm returns a gorm handle on db whose writes are recorded to db's
// audit table, along with the recorder behind it.
func AuditedGorm(db *storage.DB, logger *slog.Logger) (*gorm.DB, *audit.Recorder, error) {
	rec := audit.NewRecorder(db, audit.Options{Logger: logger})
	gdb, err := db.OpenGorm(audit.NewPlugin(rec))
	if err != nil {
		return nil, nil, err
	}
	return gdb, rec, nil
}

// NewUser inserts an active user with a unique username.
func NewUser(ctx context.Context, db *storage.DB, role model.Role, dept *uuid.UUID) (model.User, error) {
	return db.CreateUser(ctx, model.User{
		Username:     string(role) + "-" + uuid.NewString()[:8],
		Email:        "user@example.edu",
		Role:         role,
		DepartmentID: dept,
		Active:       true,
	})
}

// Logger writes warnings and errors only.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
