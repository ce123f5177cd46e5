package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sqlQueryable is satisfied by *sql.DB and *sql.Tx.
type sqlQueryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// repoSQLite stores timestamps as unix nanoseconds. The handle is expected to
// be limited to one connection (see db.OpenSQLite), so statements inside a
// transaction must go through the *sql.Tx.
type repoSQLite struct{ db *sql.DB }

func NewRepoSQLite(db *sql.DB) Repository {
	return &repoSQLite{db: db}
}

func (r *repoSQLite) inTx(ctx context.Context, fn func(q sqlQueryable) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func scanConversationSQLite(row rowScanner) (*Conversation, error) {
	var (
		c                  Conversation
		lastAt, closedAt   sql.NullInt64
		createdAt, updated int64
	)
	err := row.Scan(&c.ID, &c.Channel, &c.ExternalID, &c.TenantID, &c.DisplayName, &c.LastMessage,
		&lastAt, &c.UnreadCount, &c.Status, &c.Priority, &c.AssignedTo, &c.ContactID,
		&createdAt, &updated, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.LastMessageAt = fromNullNanos(lastAt)
	c.ClosedAt = fromNullNanos(closedAt)
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

func scanMessageSQLite(row rowScanner) (*Message, error) {
	var (
		m                  Message
		attURL, name, mime *string
		size               *int64
		duration           *int
		sentAt, createdAt  int64
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.AuthorKind, &m.AuthorID, &m.Body,
		&m.Type, &m.DeliveryStatus, &m.ProviderMessageID, &m.Error, &attURL, &name, &mime,
		&size, &duration, &sentAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Attachment = attachmentFromColumns(attURL, name, mime, size, duration)
	m.SentAt = fromNanos(sentAt)
	m.CreatedAt = fromNanos(createdAt)
	return &m, nil
}

// SQLite evaluates every SET expression against the pre-update row, so the
// last-message CASEs compare against the stored timestamp.
const upsertInboundSQLite = `
	INSERT INTO conversation (id, channel, external_id, tenant_id, tenant_key, display_name,
		last_message, last_message_at, unread_count, status, priority, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 'active', 'normal', ?, ?)
	ON CONFLICT (channel, external_id, tenant_key) DO UPDATE SET
		unread_count = unread_count + 1,
		last_message = CASE
			WHEN last_message_at IS NULL OR excluded.last_message_at >= last_message_at
			THEN excluded.last_message ELSE last_message END,
		last_message_at = CASE
			WHEN last_message_at IS NULL OR excluded.last_message_at >= last_message_at
			THEN excluded.last_message_at ELSE last_message_at END,
		status = CASE WHEN status = 'closed' THEN 'active' ELSE status END,
		closed_at = CASE WHEN status = 'closed' THEN NULL ELSE closed_at END,
		display_name = CASE
			WHEN ? <> '' AND (display_name = '' OR display_name = external_id)
			THEN ? ELSE display_name END,
		updated_at = excluded.updated_at
	RETURNING ` + convCols

func (r *repoSQLite) UpsertInbound(ctx context.Context, key IdentityKey, in InboundMessage) (*Conversation, *Message, error) {
	key = key.Normalize()
	now := time.Now().UTC()
	sentAt := in.SentAt
	if sentAt.IsZero() {
		sentAt = now
	}

	var (
		conv *Conversation
		msg  *Message
	)
	err := r.inTx(ctx, func(q sqlQueryable) error {
		c, err := scanConversationSQLite(q.QueryRowContext(ctx, upsertInboundSQLite,
			uuid.NewString(), string(key.Channel), key.ExternalID, nullUUID(key.TenantID), key.TenantKey(),
			initialDisplayName(key, in.DisplayNameHint), Snippet(in.Body, in.Type), nanos(sentAt),
			nanos(now), nanos(now),
			in.DisplayNameHint, in.DisplayNameHint))
		if err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}

		m := &Message{
			ID:                uuid.New(),
			ConversationID:    c.ID,
			Direction:         DirectionInbound,
			AuthorKind:        AuthorContact,
			Body:              in.Body,
			Type:              in.Type,
			DeliveryStatus:    DeliveryDelivered,
			ProviderMessageID: strPtr(in.ProviderMessageID),
			Attachment:        in.Attachment,
			SentAt:            sentAt,
			CreatedAt:         now,
		}
		if err := insertMessageSQLite(ctx, q, m); err != nil {
			return err
		}

		tags, err := loadTagsSQLite(ctx, q, []uuid.UUID{c.ID})
		if err != nil {
			return err
		}
		attachTags([]*Conversation{c}, tags)
		conv, msg = c, m
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return conv, msg, nil
}

func insertMessageSQLite(ctx context.Context, q sqlQueryable, m *Message) error {
	attURL, name, mime, size, duration := attachmentColumns(m.Attachment)
	_, err := q.ExecContext(ctx, `
		INSERT INTO conversation_message (id, conversation_id, direction, author_kind, author_id, body,
			message_type, delivery_status, provider_message_id, error, attachment_url, attachment_name,
			attachment_mime, attachment_size, attachment_duration, sent_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID.String(), m.ConversationID.String(), string(m.Direction), string(m.AuthorKind), m.AuthorID, m.Body,
		string(m.Type), string(m.DeliveryStatus), m.ProviderMessageID, m.Error, attURL, name,
		mime, size, duration, nanos(m.SentAt), nanos(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *repoSQLite) AppendOutbound(ctx context.Context, msg *Message) (*Conversation, error) {
	var conv *Conversation
	err := r.inTx(ctx, func(q sqlQueryable) error {
		sent := nanos(msg.SentAt)
		c, err := scanConversationSQLite(q.QueryRowContext(ctx, `
			UPDATE conversation SET
				last_message = CASE WHEN last_message_at IS NULL OR ? >= last_message_at
					THEN ? ELSE last_message END,
				last_message_at = CASE WHEN last_message_at IS NULL OR ? >= last_message_at
					THEN ? ELSE last_message_at END,
				updated_at = ?
			WHERE id = ?
			RETURNING `+convCols,
			sent, Snippet(msg.Body, msg.Type), sent, sent, nanos(time.Now()), msg.ConversationID.String()))
		if err != nil {
			return err
		}
		if err := insertMessageSQLite(ctx, q, msg); err != nil {
			return err
		}
		tags, err := loadTagsSQLite(ctx, q, []uuid.UUID{c.ID})
		if err != nil {
			return err
		}
		attachTags([]*Conversation{c}, tags)
		conv = c
		return nil
	})
	return conv, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func loadTagsSQLite(ctx context.Context, q sqlQueryable, ids []uuid.UUID) (map[uuid.UUID][]string, error) {
	out := make(map[uuid.UUID][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	rows, err := q.QueryContext(ctx, `
		SELECT conversation_id, tag FROM conversation_tag
		WHERE conversation_id IN (`+placeholders(len(ids))+`) ORDER BY tag`, args...)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, err
		}
		out[id] = append(out[id], tag)
	}
	return out, rows.Err()
}

func (r *repoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	c, err := scanConversationSQLite(r.db.QueryRowContext(ctx, `SELECT `+convCols+` FROM conversation WHERE id = ?`, id.String()))
	if err != nil {
		return nil, err
	}
	tags, err := loadTagsSQLite(ctx, r.db, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	attachTags([]*Conversation{c}, tags)
	return c, nil
}

func (r *repoSQLite) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Conversation, int, error) {
	var (
		where []string
		args  []any
	)
	if f.ScopeBranchIDs != nil {
		if len(f.ScopeBranchIDs) == 0 {
			where = append(where, "tenant_id IS NULL")
		} else {
			where = append(where, "(tenant_id IS NULL OR tenant_id IN ("+placeholders(len(f.ScopeBranchIDs))+"))")
			for _, id := range f.ScopeBranchIDs {
				args = append(args, id.String())
			}
		}
	}
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, string(f.Channel))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		p := containsPattern(strings.ToLower(s))
		where = append(where, `(casefold(display_name) LIKE ? ESCAPE '\' OR casefold(external_id) LIKE ? ESCAPE '\' OR casefold(COALESCE(last_message, '')) LIKE ? ESCAPE '\')`)
		args = append(args, p, p, p)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+convCols+` FROM conversation`+clause+
		` ORDER BY last_message_at DESC NULLS LAST, created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}

	var (
		items []*Conversation
		ids   []uuid.UUID
	)
	for rows.Next() {
		c, err := scanConversationSQLite(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		items = append(items, c)
		ids = append(ids, c.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Tags are loaded after the cursor is closed: the single connection
	// cannot serve a second query while rows are open.
	tags, err := loadTagsSQLite(ctx, r.db, ids)
	if err != nil {
		return nil, 0, err
	}
	attachTags(items, tags)
	return items, total, nil
}

func (r *repoSQLite) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_message WHERE conversation_id = ?`, conversationID.String()).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+msgCols+` FROM conversation_message
		WHERE conversation_id = ? ORDER BY sent_at, created_at LIMIT ? OFFSET ?`,
		conversationID.String(), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var items []*Message
	for rows.Next() {
		m, err := scanMessageSQLite(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func (r *repoSQLite) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	return scanMessageSQLite(r.db.QueryRowContext(ctx, `SELECT `+msgCols+` FROM conversation_message WHERE id = ?`, id.String()))
}

func (r *repoSQLite) MarkRead(ctx context.Context, id uuid.UUID) (bool, error) {
	var changed bool
	err := r.inTx(ctx, func(q sqlQueryable) error {
		var unread int
		err := q.QueryRowContext(ctx, `SELECT unread_count FROM conversation WHERE id = ?`, id.String()).Scan(&unread)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if unread > 0 {
			if _, err := q.ExecContext(ctx, `UPDATE conversation SET unread_count = 0, updated_at = ? WHERE id = ?`,
				nanos(time.Now()), id.String()); err != nil {
				return fmt.Errorf("reset unread: %w", err)
			}
		}
		res, err := q.ExecContext(ctx, `
			UPDATE conversation_message SET delivery_status = 'read'
			WHERE conversation_id = ? AND direction = 'inbound' AND delivery_status <> 'read'`, id.String())
		if err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = unread > 0 || n > 0
		return nil
	})
	return changed, err
}

func (r *repoSQLite) exists(ctx context.Context, id uuid.UUID) error {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM conversation WHERE id = ?`, id.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *repoSQLite) AddTag(ctx context.Context, id uuid.UUID, tag string) (bool, error) {
	if err := r.exists(ctx, id); err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO conversation_tag (conversation_id, tag, created_at) VALUES (?, ?, ?)
		ON CONFLICT (conversation_id, tag) DO NOTHING`, id.String(), tag, nanos(time.Now()))
	if err != nil {
		return false, fmt.Errorf("add tag: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *repoSQLite) RemoveTag(ctx context.Context, id uuid.UUID, tag string) (bool, error) {
	if err := r.exists(ctx, id); err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversation_tag WHERE conversation_id = ? AND tag = ?`, id.String(), tag)
	if err != nil {
		return false, fmt.Errorf("remove tag: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *repoSQLite) update(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoSQLite) Assign(ctx context.Context, id uuid.UUID, staffID *string) error {
	return r.update(ctx, `UPDATE conversation SET assigned_to = ?, updated_at = ? WHERE id = ?`,
		staffID, nanos(time.Now()), id.String())
}

func (r *repoSQLite) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	now := nanos(time.Now())
	return r.update(ctx, `
		UPDATE conversation SET status = ?1,
			closed_at = CASE WHEN ?1 = 'closed' THEN COALESCE(closed_at, ?2) ELSE NULL END,
			updated_at = ?2
		WHERE id = ?3`, string(status), now, id.String())
}

func (r *repoSQLite) SetPriority(ctx context.Context, id uuid.UUID, p Priority) error {
	return r.update(ctx, `UPDATE conversation SET priority = ?, updated_at = ? WHERE id = ?`,
		string(p), nanos(time.Now()), id.String())
}

func (r *repoSQLite) UpdateDisplayName(ctx context.Context, id uuid.UUID, name string) error {
	return r.update(ctx, `UPDATE conversation SET display_name = ?, updated_at = ? WHERE id = ?`,
		name, nanos(time.Now()), id.String())
}

func (r *repoSQLite) UpdateDelivery(ctx context.Context, messageID uuid.UUID, status DeliveryStatus, providerMessageID, errText *string) (*Message, error) {
	sources := TransitionSources(status)
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: nothing moves to %s", ErrInvalidTransition, status)
	}
	args := []any{string(status), providerMessageID, errText, messageID.String()}
	for _, s := range sources {
		args = append(args, string(s))
	}
	msg, err := scanMessageSQLite(r.db.QueryRowContext(ctx, `
		UPDATE conversation_message SET delivery_status = ?,
			provider_message_id = COALESCE(?, provider_message_id),
			error = ?
		WHERE id = ? AND delivery_status IN (`+placeholders(len(sources))+`)
		RETURNING `+msgCols, args...))
	if !errors.Is(err, ErrMessageNotFound) {
		return msg, err
	}
	current, err := r.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.DeliveryStatus, status)
}
