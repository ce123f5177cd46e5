package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/omnihub/internal/platform/graph"
)

const maxTagLength = 64

// EventPublisher receives conversation changes after they are committed.
type EventPublisher interface {
	MessageAppended(conv *Conversation, msg *Message)
	// ConversationUpdated reports a change to conv. msg is set when the
	// change concerns a single message, such as a delivery result.
	ConversationUpdated(conv *Conversation, msg *Message)
}

// Sender pushes staff replies to the provider.
type Sender interface {
	Send(ctx context.Context, channel, recipientID string, msg graph.OutboundMessage) (string, error)
}

// Scheduler runs fire-and-forget work.
type Scheduler interface {
	Go(name string, fn func(ctx context.Context) error)
}

type Service struct {
	repo   Repository
	events EventPublisher
	sender Sender
	tasks  Scheduler
	logger zerolog.Logger
}

func NewService(repo Repository, events EventPublisher, sender Sender, tasks Scheduler, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		events: events,
		sender: sender,
		tasks:  tasks,
		logger: logger.With().Str("component", "conversation").Logger(),
	}
}

// IngestInbound stores an inbound provider message under its identity key
// and publishes it.
func (s *Service) IngestInbound(ctx context.Context, key IdentityKey, in InboundMessage) (*Conversation, *Message, error) {
	key = key.Normalize()
	if !key.Channel.Valid() || strings.TrimSpace(key.ExternalID) == "" {
		return nil, nil, ErrInvalidIdentity
	}
	if key.Channel.TenantScoped() && key.TenantID == nil {
		return nil, nil, ErrMissingTenant
	}
	if in.Type == "" {
		in.Type = MessageText
	}
	if !validMessageTypes[in.Type] {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidType, in.Type)
	}

	conv, msg, err := s.repo.UpsertInbound(ctx, key, in)
	if err != nil {
		return nil, nil, err
	}

	s.events.MessageAppended(conv, msg)
	s.events.ConversationUpdated(conv, nil)
	return conv, msg, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Conversation, int, error) {
	if f.Status != "" && !validStatuses[f.Status] {
		return nil, 0, ErrInvalidStatus
	}
	if f.Channel != "" && !f.Channel.Valid() {
		return nil, 0, ErrInvalidIdentity
	}
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) Messages(ctx context.Context, id uuid.UUID, limit, offset int) ([]*Message, int, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.repo.ListMessages(ctx, id, limit, offset)
}

// CanView reports whether scope may see the conversation.
func (s *Service) CanView(ctx context.Context, id uuid.UUID, scope Scope) (bool, error) {
	conv, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return scope.Allows(conv.TenantID), nil
}

// MarkRead resets the unread counter. Calling it on a read conversation is a
// no-op and publishes nothing.
func (s *Service) MarkRead(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	changed, err := s.repo.MarkRead(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, id, changed)
}

func normalizeTag(tag string) (string, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" || utf8.RuneCountInString(tag) > maxTagLength {
		return "", ErrInvalidTag
	}
	return tag, nil
}

func (s *Service) AddTag(ctx context.Context, id uuid.UUID, tag string) (*Conversation, error) {
	tag, err := normalizeTag(tag)
	if err != nil {
		return nil, err
	}
	added, err := s.repo.AddTag(ctx, id, tag)
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, id, added)
}

func (s *Service) RemoveTag(ctx context.Context, id uuid.UUID, tag string) (*Conversation, error) {
	tag, err := normalizeTag(tag)
	if err != nil {
		return nil, err
	}
	removed, err := s.repo.RemoveTag(ctx, id, tag)
	if err != nil {
		return nil, err
	}
	return s.reload(ctx, id, removed)
}

// Assign sets or clears (nil) the assignee. Last write wins.
func (s *Service) Assign(ctx context.Context, id uuid.UUID, staffID *string) (*Conversation, error) {
	if staffID != nil && strings.TrimSpace(*staffID) == "" {
		staffID = nil
	}
	if err := s.repo.Assign(ctx, id, staffID); err != nil {
		return nil, err
	}
	return s.reload(ctx, id, true)
}

func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status Status) (*Conversation, error) {
	if !validStatuses[status] {
		return nil, ErrInvalidStatus
	}
	if err := s.repo.SetStatus(ctx, id, status); err != nil {
		return nil, err
	}
	return s.reload(ctx, id, true)
}

func (s *Service) SetPriority(ctx context.Context, id uuid.UUID, p Priority) (*Conversation, error) {
	if !validPriorities[p] {
		return nil, ErrInvalidPriority
	}
	if err := s.repo.SetPriority(ctx, id, p); err != nil {
		return nil, err
	}
	return s.reload(ctx, id, true)
}

// RenameFromProfile replaces the display name with one resolved from a
// contact record or provider profile.
func (s *Service) RenameFromProfile(ctx context.Context, id uuid.UUID, name string) (*Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > 255 {
		return nil, ErrInvalidName
	}
	conv, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.DisplayName == name {
		return conv, nil
	}
	if err := s.repo.UpdateDisplayName(ctx, id, name); err != nil {
		return nil, err
	}
	return s.reload(ctx, id, true)
}

func (s *Service) reload(ctx context.Context, id uuid.UUID, publish bool) (*Conversation, error) {
	conv, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if publish {
		s.events.ConversationUpdated(conv, nil)
	}
	return conv, nil
}

// SendOutbound stores a staff reply. For channels with provider delivery the
// message starts as sending and is pushed in the background; the outcome is
// recorded on the message. Provider failures never fail this call.
func (s *Service) SendOutbound(ctx context.Context, id uuid.UUID, staffID string, content OutboundContent) (*Message, error) {
	content.Body = strings.TrimSpace(content.Body)
	if content.Attachment != nil && content.Attachment.URL == "" {
		content.Attachment = nil
	}
	if content.Body == "" && content.Attachment == nil {
		return nil, ErrEmptyMessage
	}
	if content.Type == "" {
		content.Type = MessageText
		if content.Attachment != nil {
			content.Type = MessageFile
		}
	}
	if !validMessageTypes[content.Type] || content.Type == MessageSystem {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, content.Type)
	}

	conv, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Direction:      DirectionOutbound,
		AuthorKind:     AuthorStaff,
		AuthorID:       strPtr(staffID),
		Body:           content.Body,
		Type:           content.Type,
		DeliveryStatus: DeliverySent,
		Attachment:     content.Attachment,
		SentAt:         now,
		CreatedAt:      now,
	}
	if conv.Channel.ProviderDelivery() {
		msg.DeliveryStatus = DeliverySending
	}

	conv, err = s.repo.AppendOutbound(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.events.MessageAppended(conv, msg)
	s.events.ConversationUpdated(conv, nil)

	if conv.Channel.ProviderDelivery() {
		recipient, channel, msgID := conv.ExternalID, conv.Channel, msg.ID
		out := toGraphMessage(content)
		s.tasks.Go("deliver:"+msgID.String(), func(ctx context.Context) error {
			return s.deliver(ctx, channel, recipient, msgID, out)
		})
	}
	return msg, nil
}

func toGraphMessage(c OutboundContent) graph.OutboundMessage {
	out := graph.OutboundMessage{Text: c.Body}
	if c.Attachment != nil {
		out.Attachment = &graph.Attachment{Type: string(c.Type), URL: c.Attachment.URL}
	}
	return out
}

func (s *Service) deliver(ctx context.Context, channel Channel, recipient string, msgID uuid.UUID, out graph.OutboundMessage) error {
	var sendErr error
	providerID := ""
	if s.sender == nil {
		sendErr = errors.New("no provider sender configured")
	} else {
		providerID, sendErr = s.sender.Send(ctx, string(channel), recipient, out)
	}

	if sendErr != nil {
		errText := sendErr.Error()
		if _, err := s.UpdateDelivery(ctx, msgID, DeliveryFailed, nil, &errText); err != nil {
			s.logger.Error().Err(err).Str("message_id", msgID.String()).Msg("record delivery failure")
		}
		return fmt.Errorf("deliver message %s: %w", msgID, sendErr)
	}

	if _, err := s.UpdateDelivery(ctx, msgID, DeliverySent, strPtr(providerID), nil); err != nil {
		return fmt.Errorf("record delivery of %s: %w", msgID, err)
	}
	return nil
}

// UpdateDelivery moves a message to status if the transition is allowed and
// publishes the change. The check and the write are one statement, so racing
// receipts cannot move a message backwards.
func (s *Service) UpdateDelivery(ctx context.Context, msgID uuid.UUID, status DeliveryStatus, providerMessageID, errText *string) (*Message, error) {
	msg, err := s.repo.UpdateDelivery(ctx, msgID, status, providerMessageID, errText)
	if err != nil {
		return nil, err
	}
	conv, err := s.repo.GetByID(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	s.events.ConversationUpdated(conv, msg)
	return msg, nil
}
