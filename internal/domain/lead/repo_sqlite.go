package lead

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

type pipelineSQLite struct{ db *sql.DB }

func NewPipelineSQLite(db *sql.DB) Pipeline {
	return &pipelineSQLite{db: db}
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func (r *pipelineSQLite) FindActiveByPhone(ctx context.Context, phoneNormalized string) (*Lead, error) {
	args := []any{phoneNormalized}
	for _, s := range activeStatuses {
		args = append(args, string(s))
	}
	in := strings.TrimSuffix(strings.Repeat("?,", len(activeStatuses)), ",")

	var (
		l       Lead
		created int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+leadCols+` FROM contact_request
		WHERE phone_normalized = ? AND status IN (`+in+`) AND appointment_id IS NULL
		ORDER BY created_at DESC LIMIT 1`, args...).
		Scan(&l.ID, &l.FullName, &l.Phone, &l.PhoneNormalized, &l.Channel, &l.Motive,
			&l.Status, &l.BranchID, &l.AppointmentID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.CreatedAt = time.Unix(0, created).UTC()
	return &l, nil
}

func (r *pipelineSQLite) Create(ctx context.Context, l *Lead) error {
	l.ID = uuid.New()
	if l.Status == "" {
		l.Status = StatusNew
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO contact_request (`+leadCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.ID.String(), l.FullName, l.Phone, l.PhoneNormalized, l.Channel, l.Motive,
		string(l.Status), nullUUID(l.BranchID), nullUUID(l.AppointmentID), l.CreatedAt.UnixNano())
	return err
}
