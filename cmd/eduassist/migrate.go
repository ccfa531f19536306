package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/eduassist/eduassist/internal/audit"
	"github.com/eduassist/eduassist/internal/auth"
	"github.com/eduassist/eduassist/internal/model"
	"github.com/eduassist/eduassist/internal/storage"
	"github.com/eduassist/eduassist/migrations"
)

var (
	seedAdminUsername string
	seedAdminPassword string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and optionally seed a superadmin",
	Long: `migrate applies the embedded SQL migrations. With --admin-username it also
creates an active superadmin account. Auditing is off for the whole run.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&seedAdminUsername, "admin-username", "", "create a superadmin with this username")
	migrateCmd.Flags().StringVar(&seedAdminPassword, "admin-password", "", "password for the seeded superadmin")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if seedAdminUsername != "" && len(seedAdminPassword) < model.MinPasswordLen {
		return fmt.Errorf("--admin-password must be at least %d characters", model.MinPasswordLen)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("migrations applied")

	if seedAdminUsername == "" {
		return nil
	}

	recorder := audit.NewRecorder(db, audit.Options{Disabled: true, Logger: logger})
	gdb, err := db.OpenGorm(audit.NewPlugin(recorder))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if _, err := db.GetUserByUsername(ctx, seedAdminUsername); err == nil {
		logger.Info("admin already exists, skipping seed", "username", seedAdminUsername)
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("migrate: look up admin: %w", err)
	}

	hash, err := auth.HashPassword(seedAdminPassword)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	admin := model.User{
		ID:           uuid.New(),
		Username:     seedAdminUsername,
		Role:         model.RoleSuperAdmin,
		Staff:        true,
		Superuser:    true,
		Active:       true,
		PasswordHash: hash,
	}
	if err := gdb.WithContext(ctx).Create(&admin).Error; err != nil {
		return fmt.Errorf("migrate: seed admin: %w", err)
	}
	logger.Info("superadmin seeded", "username", admin.Username, "user_id", admin.ID)
	return nil
}
