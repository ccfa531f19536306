package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/eduassist/eduassist/internal/model"
)

// ErrDuplicateLink is returned when a parent is already linked to a student.
var ErrDuplicateLink = errors.New("storage: parent already linked to student")

// LinkedStudentIDs returns the students linked to a parent. The result is
// read fresh on every call.
func (db *DB) LinkedStudentIDs(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT student_id FROM parent_student_links WHERE parent_id = $1 ORDER BY created_at`, parentID)
	if err != nil {
		return nil, fmt.Errorf("storage: linked students: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: linked students: %w", err)
	}
	return ids, nil
}

// CreateLink links a parent to a student.
func (db *DB) CreateLink(ctx context.Context, link model.ParentStudentLink) (model.ParentStudentLink, error) {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO parent_student_links (id, parent_id, student_id, relationship)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		link.ID, link.ParentID, link.StudentID, link.Relationship,
	).Scan(&link.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.ParentStudentLink{}, ErrDuplicateLink
		}
		return model.ParentStudentLink{}, fmt.Errorf("storage: create link: %w", err)
	}
	return link, nil
}

// DeleteLink removes a parent-student link.
func (db *DB) DeleteLink(ctx context.Context, parentID, studentID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM parent_student_links WHERE parent_id = $1 AND student_id = $2`, parentID, studentID)
	if err != nil {
		return fmt.Errorf("storage: delete link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
