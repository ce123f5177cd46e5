package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgDirectory struct{ pool *pgxpool.Pool }

func NewPG(pool *pgxpool.Pool) Directory {
	return &pgDirectory{pool: pool}
}

func (d *pgDirectory) ResolveByRoutingID(ctx context.Context, routingID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := d.pool.QueryRow(ctx,
		`SELECT id FROM branch WHERE routing_id = $1 AND active`, routingID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return id, err
}

func (d *pgDirectory) FirstAvailable(ctx context.Context) (*uuid.UUID, error) {
	var id uuid.UUID
	err := d.pool.QueryRow(ctx,
		`SELECT id FROM branch WHERE active ORDER BY created_at, name LIMIT 1`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (d *pgDirectory) BranchAccessFor(ctx context.Context, userID string) ([]uuid.UUID, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT a.branch_id FROM staff_branch_access a
		JOIN branch b ON b.id = a.branch_id
		WHERE a.user_id = $1 AND b.active
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

func (d *pgDirectory) UsersWithRoles(ctx context.Context, roles []string, branchID *uuid.UUID) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	rows, err := d.pool.Query(ctx, `
		SELECT u.id FROM staff_user u
		WHERE u.active AND u.role = ANY($1)
		  AND ($2::uuid IS NULL OR EXISTS (
			SELECT 1 FROM staff_branch_access a WHERE a.user_id = u.id AND a.branch_id = $2))
		ORDER BY u.id`, roles, branchID)
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

func (d *pgDirectory) LookupByPhone(ctx context.Context, phoneNormalized string) (*Contact, error) {
	var c Contact
	err := d.pool.QueryRow(ctx, `
		SELECT id, full_name, COALESCE(phone, '') FROM contact
		WHERE phone_normalized = $1
		ORDER BY created_at DESC LIMIT 1`, phoneNormalized).Scan(&c.ID, &c.FullName, &c.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
