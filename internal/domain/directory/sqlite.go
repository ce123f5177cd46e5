package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type sqliteDirectory struct{ db *sql.DB }

func NewSQLite(db *sql.DB) Directory {
	return &sqliteDirectory{db: db}
}

func (d *sqliteDirectory) ResolveByRoutingID(ctx context.Context, routingID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := d.db.QueryRowContext(ctx,
		`SELECT id FROM branch WHERE routing_id = ? AND active = 1`, routingID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return id, err
}

func (d *sqliteDirectory) FirstAvailable(ctx context.Context) (*uuid.UUID, error) {
	var id uuid.UUID
	err := d.db.QueryRowContext(ctx,
		`SELECT id FROM branch WHERE active = 1 ORDER BY created_at, name LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (d *sqliteDirectory) BranchAccessFor(ctx context.Context, userID string) ([]uuid.UUID, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT a.branch_id FROM staff_branch_access a
		JOIN branch b ON b.id = a.branch_id
		WHERE a.user_id = ? AND b.active = 1
		ORDER BY b.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query branch access: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (d *sqliteDirectory) UsersWithRoles(ctx context.Context, roles []string, branchID *uuid.UUID) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(roles)+1)
	for _, r := range roles {
		args = append(args, r)
	}
	q := `SELECT u.id FROM staff_user u
		WHERE u.active = 1 AND u.role IN (` + placeholders(len(roles)) + `)`
	if branchID != nil {
		q += ` AND EXISTS (SELECT 1 FROM staff_branch_access a WHERE a.user_id = u.id AND a.branch_id = ?)`
		args = append(args, branchID.String())
	}
	q += ` ORDER BY u.id`

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query staff by role: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (d *sqliteDirectory) LookupByPhone(ctx context.Context, phoneNormalized string) (*Contact, error) {
	var c Contact
	err := d.db.QueryRowContext(ctx, `
		SELECT id, full_name, COALESCE(phone, '') FROM contact
		WHERE phone_normalized = ?
		ORDER BY created_at DESC LIMIT 1`, phoneNormalized).Scan(&c.ID, &c.FullName, &c.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
