package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/omnihub/internal/platform/db/dbtest"
)

// These run only when OMNIHUB_TEST_DATABASE_URL points at a Postgres server.

type pgFixture struct {
	pool  *pgxpool.Pool
	repo  Repository
	north uuid.UUID
	south uuid.UUID
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	pool := dbtest.NewPostgres(t)
	f := &pgFixture{pool: pool, repo: NewRepoPG(pool), north: uuid.New(), south: uuid.New()}
	dbtest.ExecPG(t, pool, `INSERT INTO branch (id, name, routing_id) VALUES ($1, 'North', 'pn-100')`, f.north)
	dbtest.ExecPG(t, pool, `INSERT INTO branch (id, name, routing_id) VALUES ($1, 'South', 'pn-200')`, f.south)
	return f
}

func (f *pgFixture) ingest(t *testing.T, key IdentityKey, in InboundMessage) *Conversation {
	t.Helper()
	conv, _, err := f.repo.UpsertInbound(context.Background(), key, in)
	require.NoError(t, err)
	return conv
}

func TestRepoPG_ConcurrentUpsertSameKey(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	key := whatsappKey("5215512345678", f.north)
	const n = 25

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.repo.UpsertInbound(ctx, key, text("hola", time.Now()))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	items, total, err := f.repo.List(ctx, ListFilter{}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, n, items[0].UnreadCount)
	require.NotNil(t, items[0].TenantID)
	assert.Equal(t, f.north, *items[0].TenantID)

	_, msgTotal, err := f.repo.ListMessages(ctx, items[0].ID, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, n, msgTotal)

	// The same phone at another branch is a separate conversation.
	other := f.ingest(t, whatsappKey("5215512345678", f.south), text("hola", time.Now()))
	assert.NotEqual(t, items[0].ID, other.ID)
}

func TestRepoPG_MarkReadAndTags(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	key := messengerKey("psid-1")
	f.ingest(t, key, text("one", time.Now()))
	conv := f.ingest(t, key, text("two", time.Now()))
	assert.Equal(t, 2, conv.UnreadCount)

	changed, err := f.repo.MarkRead(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = f.repo.MarkRead(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	msgs, _, err := f.repo.ListMessages(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.Equal(t, DeliveryRead, m.DeliveryStatus)
	}

	var added atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.repo.AddTag(ctx, conv.ID, "vip")
			assert.NoError(t, err)
			if ok {
				added.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), added.Load(), "exactly one concurrent add wins")

	_, err = f.repo.AddTag(ctx, conv.ID, "dental")
	require.NoError(t, err)
	got, err := f.repo.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCount)
	assert.Equal(t, []string{"dental", "vip"}, got.Tags)

	removed, err := f.repo.RemoveTag(ctx, conv.ID, "vip")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = f.repo.RemoveTag(ctx, conv.ID, "vip")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = f.repo.MarkRead(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.repo.AddTag(ctx, uuid.New(), "vip")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepoPG_ListScopeAndSearch(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	north := f.ingest(t, whatsappKey("5215500000001", f.north), text("dolor de muela", base))
	f.ingest(t, whatsappKey("5215500000002", f.south), text("descuento 20% en limpieza", base.Add(time.Minute)))
	global := f.ingest(t, messengerKey("psid-9"), text("hello", base.Add(2*time.Minute)))

	scoped, total, err := f.repo.List(ctx, ListFilter{ScopeBranchIDs: []uuid.UUID{f.north}}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, scoped, 2)
	assert.ElementsMatch(t, []uuid.UUID{north.ID, global.ID}, []uuid.UUID{scoped[0].ID, scoped[1].ID})

	none, total, err := f.repo.List(ctx, ListFilter{ScopeBranchIDs: []uuid.UUID{}}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, global.ID, none[0].ID)

	_, total, err = f.repo.List(ctx, ListFilter{Search: "LIMPIEZA"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	_, total, err = f.repo.List(ctx, ListFilter{Search: "20%"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	_, total, err = f.repo.List(ctx, ListFilter{Search: "%"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "only the literal percent sign matches")
	_, total, err = f.repo.List(ctx, ListFilter{Search: "_"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestRepoPG_UpdateDeliveryGuard(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	conv := f.ingest(t, messengerKey("psid-1"), text("hi", time.Now()))
	now := time.Now().UTC()
	msg := &Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Direction:      DirectionOutbound,
		AuthorKind:     AuthorStaff,
		Body:           "hello",
		Type:           MessageText,
		DeliveryStatus: DeliverySending,
		SentAt:         now,
		CreatedAt:      now,
	}
	_, err := f.repo.AppendOutbound(ctx, msg)
	require.NoError(t, err)

	_, err = f.repo.UpdateDelivery(ctx, msg.ID, DeliveryRead, nil, nil)
	require.NoError(t, err)
	pid := "mid.late"
	_, err = f.repo.UpdateDelivery(ctx, msg.ID, DeliverySent, &pid, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := f.repo.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, DeliveryRead, got.DeliveryStatus)
	assert.Nil(t, got.ProviderMessageID)

	_, err = f.repo.UpdateDelivery(ctx, uuid.New(), DeliverySent, nil, nil)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}
