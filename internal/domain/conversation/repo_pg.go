package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

// inTx runs fn in a new transaction, committing when fn succeeds.
func (r *repoPG) inTx(ctx context.Context, fn func(q queryable) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const convCols = `id, channel, external_id, tenant_id, display_name, last_message, last_message_at,
	unread_count, status, priority, assigned_to, contact_id, created_at, updated_at, closed_at`

const msgCols = `id, conversation_id, direction, author_kind, author_id, body, message_type,
	delivery_status, provider_message_id, error, attachment_url, attachment_name, attachment_mime,
	attachment_size, attachment_duration, sent_at, created_at`

func scanConversationPG(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.Channel, &c.ExternalID, &c.TenantID, &c.DisplayName, &c.LastMessage,
		&c.LastMessageAt, &c.UnreadCount, &c.Status, &c.Priority, &c.AssignedTo, &c.ContactID,
		&c.CreatedAt, &c.UpdatedAt, &c.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMessagePG(row pgx.Row) (*Message, error) {
	var (
		m                  Message
		attURL, name, mime *string
		size               *int64
		duration           *int
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.AuthorKind, &m.AuthorID, &m.Body,
		&m.Type, &m.DeliveryStatus, &m.ProviderMessageID, &m.Error, &attURL, &name, &mime,
		&size, &duration, &m.SentAt, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Attachment = attachmentFromColumns(attURL, name, mime, size, duration)
	return &m, nil
}

const upsertInboundPG = `
	INSERT INTO conversation (id, channel, external_id, tenant_id, tenant_key, display_name,
		last_message, last_message_at, unread_count, status, priority, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, 'active', 'normal', NOW(), NOW())
	ON CONFLICT (channel, external_id, tenant_key) DO UPDATE SET
		unread_count = conversation.unread_count + 1,
		last_message = CASE
			WHEN conversation.last_message_at IS NULL OR EXCLUDED.last_message_at >= conversation.last_message_at
			THEN EXCLUDED.last_message ELSE conversation.last_message END,
		last_message_at = GREATEST(conversation.last_message_at, EXCLUDED.last_message_at),
		status = CASE WHEN conversation.status = 'closed' THEN 'active' ELSE conversation.status END,
		closed_at = CASE WHEN conversation.status = 'closed' THEN NULL ELSE conversation.closed_at END,
		display_name = CASE
			WHEN $9::text <> '' AND (conversation.display_name = '' OR conversation.display_name = conversation.external_id)
			THEN $9::text ELSE conversation.display_name END,
		updated_at = NOW()
	RETURNING ` + convCols

func (r *repoPG) UpsertInbound(ctx context.Context, key IdentityKey, in InboundMessage) (*Conversation, *Message, error) {
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
	err := r.inTx(ctx, func(q queryable) error {
		c, err := scanConversationPG(q.QueryRow(ctx, upsertInboundPG,
			uuid.New(), key.Channel, key.ExternalID, key.TenantID, key.TenantKey(),
			initialDisplayName(key, in.DisplayNameHint), Snippet(in.Body, in.Type), sentAt,
			in.DisplayNameHint))
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
		if err := insertMessagePG(ctx, q, m); err != nil {
			return err
		}

		tags, err := loadTagsPG(ctx, q, []uuid.UUID{c.ID})
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

func insertMessagePG(ctx context.Context, q queryable, m *Message) error {
	attURL, name, mime, size, duration := attachmentColumns(m.Attachment)
	_, err := q.Exec(ctx, `
		INSERT INTO conversation_message (id, conversation_id, direction, author_kind, author_id, body,
			message_type, delivery_status, provider_message_id, error, attachment_url, attachment_name,
			attachment_mime, attachment_size, attachment_duration, sent_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		m.ID, m.ConversationID, m.Direction, m.AuthorKind, m.AuthorID, m.Body,
		m.Type, m.DeliveryStatus, m.ProviderMessageID, m.Error, attURL, name,
		mime, size, duration, m.SentAt, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *repoPG) AppendOutbound(ctx context.Context, msg *Message) (*Conversation, error) {
	var conv *Conversation
	err := r.inTx(ctx, func(q queryable) error {
		c, err := scanConversationPG(q.QueryRow(ctx, `
			UPDATE conversation SET
				last_message = CASE WHEN last_message_at IS NULL OR $2 >= last_message_at
					THEN $3 ELSE last_message END,
				last_message_at = GREATEST(last_message_at, $2),
				updated_at = NOW()
			WHERE id = $1
			RETURNING `+convCols,
			msg.ConversationID, msg.SentAt, Snippet(msg.Body, msg.Type)))
		if err != nil {
			return err
		}
		if err := insertMessagePG(ctx, q, msg); err != nil {
			return err
		}
		tags, err := loadTagsPG(ctx, q, []uuid.UUID{c.ID})
		if err != nil {
			return err
		}
		attachTags([]*Conversation{c}, tags)
		conv = c
		return nil
	})
	return conv, err
}

func loadTagsPG(ctx context.Context, q queryable, ids []uuid.UUID) (map[uuid.UUID][]string, error) {
	out := make(map[uuid.UUID][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, `
		SELECT conversation_id, tag FROM conversation_tag
		WHERE conversation_id = ANY($1) ORDER BY tag`, ids)
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

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	q := r.pool
	c, err := scanConversationPG(q.QueryRow(ctx, `SELECT `+convCols+` FROM conversation WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	tags, err := loadTagsPG(ctx, q, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	attachTags([]*Conversation{c}, tags)
	return c, nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Conversation, int, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.ScopeBranchIDs != nil {
		where = append(where, "(tenant_id IS NULL OR tenant_id = ANY("+arg(f.ScopeBranchIDs)+"))")
	}
	if f.Channel != "" {
		where = append(where, "channel = "+arg(f.Channel))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_to = "+arg(f.AssignedTo))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		p := arg(containsPattern(s))
		where = append(where, "(display_name ILIKE "+p+` ESCAPE '\' OR external_id ILIKE `+p+` ESCAPE '\' OR last_message ILIKE `+p+` ESCAPE '\')`)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	q := r.pool
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM conversation`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	query := `SELECT ` + convCols + ` FROM conversation` + clause +
		` ORDER BY last_message_at DESC NULLS LAST, created_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var (
		items []*Conversation
		ids   []uuid.UUID
	)
	for rows.Next() {
		c, err := scanConversationPG(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	tags, err := loadTagsPG(ctx, q, ids)
	if err != nil {
		return nil, 0, err
	}
	attachTags(items, tags)
	return items, total, nil
}

func (r *repoPG) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	q := r.pool
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM conversation_message WHERE conversation_id = $1`, conversationID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	rows, err := q.Query(ctx, `SELECT `+msgCols+` FROM conversation_message
		WHERE conversation_id = $1 ORDER BY sent_at, created_at LIMIT $2 OFFSET $3`,
		conversationID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var items []*Message
	for rows.Next() {
		m, err := scanMessagePG(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func (r *repoPG) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	return scanMessagePG(r.pool.QueryRow(ctx, `SELECT `+msgCols+` FROM conversation_message WHERE id = $1`, id))
}

func (r *repoPG) MarkRead(ctx context.Context, id uuid.UUID) (bool, error) {
	var changed bool
	err := r.inTx(ctx, func(q queryable) error {
		var unread int
		err := q.QueryRow(ctx, `SELECT unread_count FROM conversation WHERE id = $1 FOR UPDATE`, id).Scan(&unread)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if unread > 0 {
			if _, err := q.Exec(ctx, `UPDATE conversation SET unread_count = 0, updated_at = NOW() WHERE id = $1`, id); err != nil {
				return fmt.Errorf("reset unread: %w", err)
			}
		}
		tag, err := q.Exec(ctx, `
			UPDATE conversation_message SET delivery_status = 'read'
			WHERE conversation_id = $1 AND direction = 'inbound' AND delivery_status <> 'read'`, id)
		if err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
		changed = unread > 0 || tag.RowsAffected() > 0
		return nil
	})
	return changed, err
}

func (r *repoPG) exists(ctx context.Context, q queryable, id uuid.UUID) error {
	var one int
	err := q.QueryRow(ctx, `SELECT 1 FROM conversation WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *repoPG) AddTag(ctx context.Context, id uuid.UUID, tag string) (bool, error) {
	q := r.pool
	if err := r.exists(ctx, q, id); err != nil {
		return false, err
	}
	ct, err := q.Exec(ctx, `
		INSERT INTO conversation_tag (conversation_id, tag) VALUES ($1, $2)
		ON CONFLICT (conversation_id, tag) DO NOTHING`, id, tag)
	if err != nil {
		return false, fmt.Errorf("add tag: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (r *repoPG) RemoveTag(ctx context.Context, id uuid.UUID, tag string) (bool, error) {
	q := r.pool
	if err := r.exists(ctx, q, id); err != nil {
		return false, err
	}
	ct, err := q.Exec(ctx, `DELETE FROM conversation_tag WHERE conversation_id = $1 AND tag = $2`, id, tag)
	if err != nil {
		return false, fmt.Errorf("remove tag: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (r *repoPG) update(ctx context.Context, query string, args ...interface{}) error {
	ct, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Assign(ctx context.Context, id uuid.UUID, staffID *string) error {
	return r.update(ctx, `UPDATE conversation SET assigned_to = $2, updated_at = NOW() WHERE id = $1`, id, staffID)
}

func (r *repoPG) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	return r.update(ctx, `
		UPDATE conversation SET status = $2,
			closed_at = CASE WHEN $2 = 'closed' THEN COALESCE(closed_at, NOW()) ELSE NULL END,
			updated_at = NOW()
		WHERE id = $1`, id, string(status))
}

func (r *repoPG) SetPriority(ctx context.Context, id uuid.UUID, p Priority) error {
	return r.update(ctx, `UPDATE conversation SET priority = $2, updated_at = NOW() WHERE id = $1`, id, string(p))
}

func (r *repoPG) UpdateDisplayName(ctx context.Context, id uuid.UUID, name string) error {
	return r.update(ctx, `UPDATE conversation SET display_name = $2, updated_at = NOW() WHERE id = $1`, id, name)
}

func (r *repoPG) UpdateDelivery(ctx context.Context, messageID uuid.UUID, status DeliveryStatus, providerMessageID, errText *string) (*Message, error) {
	sources := TransitionSources(status)
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: nothing moves to %s", ErrInvalidTransition, status)
	}
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}
	msg, err := scanMessagePG(r.pool.QueryRow(ctx, `
		UPDATE conversation_message SET delivery_status = $2,
			provider_message_id = COALESCE($3, provider_message_id),
			error = $4
		WHERE id = $1 AND delivery_status = ANY($5)
		RETURNING `+msgCols, messageID, string(status), providerMessageID, errText, from))
	if !errors.Is(err, ErrMessageNotFound) {
		return msg, err
	}
	current, err := r.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.DeliveryStatus, status)
}
