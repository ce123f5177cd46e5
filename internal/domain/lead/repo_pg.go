package lead

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pipelinePG struct{ pool *pgxpool.Pool }

func NewPipelinePG(pool *pgxpool.Pool) Pipeline {
	return &pipelinePG{pool: pool}
}

const leadCols = `id, full_name, phone, phone_normalized, channel, motive, status, branch_id, appointment_id, created_at`

func activeStatusStrings() []string {
	out := make([]string, len(activeStatuses))
	for i, s := range activeStatuses {
		out[i] = string(s)
	}
	return out
}

func (r *pipelinePG) FindActiveByPhone(ctx context.Context, phoneNormalized string) (*Lead, error) {
	var l Lead
	err := r.pool.QueryRow(ctx, `SELECT `+leadCols+` FROM contact_request
		WHERE phone_normalized = $1 AND status = ANY($2) AND appointment_id IS NULL
		ORDER BY created_at DESC LIMIT 1`, phoneNormalized, activeStatusStrings()).
		Scan(&l.ID, &l.FullName, &l.Phone, &l.PhoneNormalized, &l.Channel, &l.Motive,
			&l.Status, &l.BranchID, &l.AppointmentID, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *pipelinePG) Create(ctx context.Context, l *Lead) error {
	l.ID = uuid.New()
	if l.Status == "" {
		l.Status = StatusNew
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO contact_request (`+leadCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		l.ID, l.FullName, l.Phone, l.PhoneNormalized, l.Channel, l.Motive,
		string(l.Status), l.BranchID, l.AppointmentID, l.CreatedAt)
	return err
}
