package omnichannel

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/omnihub/internal/domain/conversation"
	"github.com/clinicops/omnihub/internal/domain/directory"
	"github.com/clinicops/omnihub/internal/domain/lead"
	"github.com/clinicops/omnihub/internal/platform/db/dbtest"
	"github.com/clinicops/omnihub/internal/platform/notification"
)

type recordingEvents struct {
	mu      sync.Mutex
	updates []conversation.Conversation
	appends int
}

func (r *recordingEvents) MessageAppended(*conversation.Conversation, *conversation.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appends++
}

func (r *recordingEvents) ConversationUpdated(conv *conversation.Conversation, _ *conversation.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, *conv)
}

type countingSink struct {
	mu    sync.Mutex
	count int
}

func (s *countingSink) Notify(context.Context, []string, notification.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return nil
}

type stubProfiles map[string]string

func (s stubProfiles) DisplayName(_ context.Context, _, userID string) (string, error) {
	if name, ok := s[userID]; ok {
		return name, nil
	}
	return "", errors.New("profile not found")
}

type hub struct {
	db       *sql.DB
	convs    *conversation.Service
	events   *recordingEvents
	sink     *countingSink
	tasks    *inlineScheduler
	pipeline *Pipeline
	north    uuid.UUID
	south    uuid.UUID
}

func newHub(t *testing.T) *hub {
	t.Helper()
	sqlDB := dbtest.NewSQLite(t)
	h := &hub{
		db:     sqlDB,
		events: &recordingEvents{},
		sink:   &countingSink{},
		tasks:  &inlineScheduler{},
		north:  uuid.New(),
		south:  uuid.New(),
	}
	dbtest.Exec(t, sqlDB, `INSERT INTO branch (id, name, routing_id, active, created_at) VALUES (?, 'North', 'pn-100', 1, 1)`, h.north.String())
	dbtest.Exec(t, sqlDB, `INSERT INTO branch (id, name, routing_id, active, created_at) VALUES (?, 'South', 'pn-200', 1, 2)`, h.south.String())
	dbtest.Exec(t, sqlDB, `INSERT INTO staff_user (id, full_name, role, active) VALUES ('rec-n', 'Rita North', 'reception', 1)`)
	dbtest.Exec(t, sqlDB, `INSERT INTO staff_branch_access (user_id, branch_id) VALUES ('rec-n', ?)`, h.north.String())

	dir := directory.NewSQLite(sqlDB)
	logger := zerolog.Nop()
	h.convs = conversation.NewService(conversation.NewRepoSQLite(sqlDB), h.events, nil, h.tasks, logger)
	leads := lead.NewService(lead.NewPipelineSQLite(sqlDB), dir, dir, h.sink, lead.Config{NotifyRoles: []string{"reception"}}, logger)
	enricher := conversation.NewEnricher(h.convs, dir, stubProfiles{"1000123": "Juan Pérez"}, h.tasks, logger)
	h.pipeline = NewPipeline(NewNormalizer(logger), dir, h.convs, leads, enricher, h.tasks, logger)
	return h
}

func (h *hub) conversations(t *testing.T) []*conversation.Conversation {
	t.Helper()
	items, _, err := h.convs.List(context.Background(), conversation.ListFilter{}, 50, 0)
	require.NoError(t, err)
	return items
}

func (h *hub) leadCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow(`SELECT COUNT(*) FROM contact_request`).Scan(&n))
	return n
}

func TestDispatch_WhatsAppFirstContact(t *testing.T) {
	h := newHub(t)

	n := h.pipeline.Dispatch(context.Background(), conversation.ChannelWhatsApp, []byte(whatsAppText))
	assert.Equal(t, 1, n)
	for _, err := range h.tasks.errs {
		require.NoError(t, err)
	}

	convs := h.conversations(t)
	require.Len(t, convs, 1)
	conv := convs[0]
	assert.Equal(t, "Laura", conv.DisplayName)
	require.NotNil(t, conv.TenantID)
	assert.Equal(t, h.north, *conv.TenantID)
	assert.Equal(t, 1, conv.UnreadCount)

	assert.Equal(t, 1, h.leadCount(t))
	assert.Equal(t, 1, h.sink.count)
	assert.Contains(t, h.tasks.names, "ingest:whatsapp:wamid.1")

	h.pipeline.Dispatch(context.Background(), conversation.ChannelWhatsApp, []byte(whatsAppText))
	assert.Equal(t, 1, h.leadCount(t), "a second message from the same number creates no lead")
	assert.Equal(t, 1, h.sink.count)
	assert.Equal(t, 2, h.conversations(t)[0].UnreadCount)
}

func TestDispatch_MessengerRenamedFromProfile(t *testing.T) {
	h := newHub(t)

	body := `{"object":"page","entry":[{"id":"PAGE-1","messaging":[{"sender":{"id":"1000123"},"recipient":{"id":"PAGE-1"},"timestamp":1767261600000,"message":{"mid":"m_1","text":"Hola"}}]}]}`
	h.pipeline.Dispatch(context.Background(), conversation.ChannelMessenger, []byte(body))
	for _, err := range h.tasks.errs {
		require.NoError(t, err)
	}

	convs := h.conversations(t)
	require.Len(t, convs, 1)
	conv := convs[0]
	assert.Equal(t, conversation.ChannelMessenger, conv.Channel)
	assert.Equal(t, "1000123", conv.ExternalID)
	assert.Equal(t, 1, conv.UnreadCount)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "Hola", *conv.LastMessage)
	assert.Equal(t, "Juan Pérez", conv.DisplayName)

	msgs, total, err := h.convs.Messages(context.Background(), conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "Hola", msgs[0].Body)

	last := h.events.updates[len(h.events.updates)-1]
	assert.Equal(t, "Juan Pérez", last.DisplayName)
}

func TestDispatch_TenantParticipatesInIdentity(t *testing.T) {
	h := newHub(t)
	ctx := context.Background()

	north := InboundEvent{Provider: conversation.ChannelWhatsApp, ExternalSenderID: "5215512345678", Body: "a", MessageType: conversation.MessageText, TenantHint: "pn-100"}
	south := north
	south.TenantHint = "pn-200"

	require.NoError(t, h.pipeline.Process(ctx, north))
	require.NoError(t, h.pipeline.Process(ctx, south))

	convs := h.conversations(t)
	require.Len(t, convs, 2)
	assert.NotEqual(t, convs[0].ID, convs[1].ID)
}

func TestProcess_UnknownRoutingIDIsDropped(t *testing.T) {
	h := newHub(t)

	ev := InboundEvent{Provider: conversation.ChannelWhatsApp, ExternalSenderID: "521", Body: "x", MessageType: conversation.MessageText, TenantHint: "pn-999"}
	require.NoError(t, h.pipeline.Process(context.Background(), ev))

	ev.TenantHint = ""
	require.NoError(t, h.pipeline.Process(context.Background(), ev))

	assert.Empty(t, h.conversations(t))
	assert.Equal(t, 0, h.leadCount(t))
}

type flakyIngestor struct {
	fail string
	ok   []string
}

func (f *flakyIngestor) IngestInbound(_ context.Context, key conversation.IdentityKey, _ conversation.InboundMessage) (*conversation.Conversation, *conversation.Message, error) {
	if key.ExternalID == f.fail {
		return nil, nil, errors.New("database is locked")
	}
	f.ok = append(f.ok, key.ExternalID)
	return &conversation.Conversation{ID: uuid.New(), Channel: key.Channel, ExternalID: key.ExternalID, DisplayName: "Known"},
		&conversation.Message{ID: uuid.New()}, nil
}

type failingLeads struct{ calls int }

func (f *failingLeads) EnsureLead(context.Context, lead.Request) (*lead.Lead, error) {
	f.calls++
	return nil, errors.New("crm unavailable")
}

type countingEnricher struct{ calls int }

func (c *countingEnricher) MaybeEnrich(*conversation.Conversation) { c.calls++ }

func TestDispatch_FailingEventDoesNotBlockSiblings(t *testing.T) {
	ingest := &flakyIngestor{fail: "bad-sender"}
	leads := &failingLeads{}
	enricher := &countingEnricher{}
	tasks := &inlineScheduler{}
	p := NewPipeline(NewNormalizer(zerolog.Nop()), nil, ingest, leads, enricher, tasks, zerolog.Nop())

	body := `{"object":"page","entry":[{"id":"PAGE-1","messaging":[
		{"sender":{"id":"bad-sender"},"message":{"mid":"m_1","text":"one"}},
		{"sender":{"id":"good-sender"},"message":{"mid":"m_2","text":"two"}}
	]}]}`
	assert.Equal(t, 2, p.Dispatch(context.Background(), conversation.ChannelMessenger, []byte(body)))

	require.Len(t, tasks.errs, 2)
	assert.Error(t, tasks.errs[0])
	assert.NoError(t, tasks.errs[1], "lead failures do not fail the event")
	assert.Equal(t, []string{"good-sender"}, ingest.ok)
	assert.Equal(t, 1, leads.calls)
	assert.Equal(t, 1, enricher.calls)
}
