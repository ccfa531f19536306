package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/eduassist/eduassist/internal/model"
)

const userColumns = `id, username, email, role, department_id, is_staff, is_superuser, is_active,
	password_hash, created_at, updated_at`

func scanUser(row pgx.Row) (model.User, error) {
	var (
		u    model.User
		role string
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &role, &u.DepartmentID, &u.Staff, &u.Superuser,
		&u.Active, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, err
	}
	u.Role = model.Role(role)
	return u, nil
}

// CreateUser inserts a user. PasswordHash must already be hashed.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO users (id, username, email, role, department_id, is_staff, is_superuser, is_active, password_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		u.ID, u.Username, u.Email, string(u.Role), u.DepartmentID, u.Staff, u.Superuser, u.Active, u.PasswordHash,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with the given ID.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.User{}, err
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// GetUserByUsername returns the user with the given username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.User{}, err
		}
		return model.User{}, fmt.Errorf("storage: get user by username: %w", err)
	}
	return u, nil
}

// GetPrincipal loads the active user behind a token subject.
func (db *DB) GetPrincipal(ctx context.Context, id uuid.UUID) (*model.Principal, error) {
	u, err := db.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if !u.Active {
		return nil, ErrNotFound
	}
	return u.Principal(), nil
}

// UpdatePasswordHash replaces a user's password hash.
func (db *DB) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("storage: update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApproveUser activates a provisioned user with the given role and department.
func (db *DB) ApproveUser(ctx context.Context, id uuid.UUID, role model.Role, departmentID *uuid.UUID) (model.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx,
		`UPDATE users SET role = $2, department_id = $3, is_active = true, updated_at = now()
		 WHERE id = $1
		 RETURNING `+userColumns,
		id, string(role), departmentID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.User{}, err
		}
		return model.User{}, fmt.Errorf("storage: approve user: %w", err)
	}
	return u, nil
}
