package conversation

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/omnihub/internal/platform/db/dbtest"
	"github.com/clinicops/omnihub/internal/platform/graph"
)

type recordedEvent struct {
	kind string
	conv Conversation
	msg  *Message
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) MessageAppended(conv *Conversation, msg *Message) {
	p.record("message:new", conv, msg)
}

func (p *recordingPublisher) ConversationUpdated(conv *Conversation, msg *Message) {
	p.record("conversation:updated", conv, msg)
}

func (p *recordingPublisher) record(kind string, conv *Conversation, msg *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{kind: kind, conv: *conv, msg: msg})
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.kind
	}
	return out
}

func (p *recordingPublisher) last() recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

// inlineScheduler runs tasks synchronously so tests can observe their effects.
type inlineScheduler struct {
	mu    sync.Mutex
	names []string
	errs  []error
}

func (s *inlineScheduler) Go(name string, fn func(ctx context.Context) error) {
	err := fn(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	s.errs = append(s.errs, err)
}

type fakeSender struct {
	id   string
	err  error
	sent []graph.OutboundMessage
	to   []string
}

func (f *fakeSender) Send(_ context.Context, channel, recipientID string, msg graph.OutboundMessage) (string, error) {
	f.sent = append(f.sent, msg)
	f.to = append(f.to, channel+":"+recipientID)
	return f.id, f.err
}

type fixture struct {
	db     *sql.DB
	repo   Repository
	events *recordingPublisher
	tasks  *inlineScheduler
	sender *fakeSender
	svc    *Service
	north  uuid.UUID
	south  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqlDB := dbtest.NewSQLite(t)
	f := &fixture{
		db:     sqlDB,
		repo:   NewRepoSQLite(sqlDB),
		events: &recordingPublisher{},
		tasks:  &inlineScheduler{},
		sender: &fakeSender{id: "mid.provider.1"},
		north:  uuid.New(),
		south:  uuid.New(),
	}
	dbtest.Exec(t, sqlDB, `INSERT INTO branch (id, name, routing_id, active, created_at) VALUES (?, 'North', 'pn-100', 1, 1)`, f.north.String())
	dbtest.Exec(t, sqlDB, `INSERT INTO branch (id, name, routing_id, active, created_at) VALUES (?, 'South', 'pn-200', 1, 2)`, f.south.String())
	f.svc = NewService(f.repo, f.events, f.sender, f.tasks, zerolog.Nop())
	return f
}

func whatsappKey(phone string, tenant uuid.UUID) IdentityKey {
	return IdentityKey{Channel: ChannelWhatsApp, ExternalID: phone, TenantID: &tenant}
}

func messengerKey(psid string) IdentityKey {
	return IdentityKey{Channel: ChannelMessenger, ExternalID: psid}
}

func text(body string, at time.Time) InboundMessage {
	return InboundMessage{Body: body, Type: MessageText, SentAt: at}
}

// ingest stores an inbound message through the repository and fails the test on error.
func (f *fixture) ingest(t *testing.T, key IdentityKey, in InboundMessage) *Conversation {
	t.Helper()
	conv, _, err := f.repo.UpsertInbound(context.Background(), key, in)
	require.NoError(t, err)
	return conv
}
