package conversation

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/omnihub/internal/platform/websocket"
)

// Emitter is the realtime fan-out used by RealtimePublisher.
type Emitter interface {
	Emit(event string, scope websocket.Scope, payload any) error
}

// MessageEvent is the message:new payload.
type MessageEvent struct {
	ConversationID uuid.UUID     `json:"conversationId"`
	Message        *Message      `json:"message"`
	Conversation   *Conversation `json:"conversation"`
}

// UpdateEvent is the conversation:updated payload.
type UpdateEvent struct {
	ConversationID uuid.UUID     `json:"conversationId"`
	Conversation   *Conversation `json:"conversation"`
	Message        *Message      `json:"message,omitempty"`
}

// RealtimePublisher publishes conversation changes to connected staff.
// Events for a branch-owned conversation reach that branch and privileged
// observers; conversations without a branch reach everyone. The assignee is
// always included.
type RealtimePublisher struct {
	emitter Emitter
	logger  zerolog.Logger
}

func NewRealtimePublisher(emitter Emitter, logger zerolog.Logger) *RealtimePublisher {
	return &RealtimePublisher{emitter: emitter, logger: logger.With().Str("component", "conversation").Logger()}
}

func scopeOf(conv *Conversation) websocket.Scope {
	sc := websocket.Scope{ConversationID: conv.ID, BranchID: conv.TenantID}
	if conv.AssignedTo != nil {
		sc.UserIDs = []string{*conv.AssignedTo}
	}
	return sc
}

func (p *RealtimePublisher) MessageAppended(conv *Conversation, msg *Message) {
	err := p.emitter.Emit(websocket.EventMessageNew, scopeOf(conv), MessageEvent{
		ConversationID: conv.ID,
		Message:        msg,
		Conversation:   conv,
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("conversation_id", conv.ID.String()).Msg("emit message:new")
	}
}

func (p *RealtimePublisher) ConversationUpdated(conv *Conversation, msg *Message) {
	err := p.emitter.Emit(websocket.EventConversationUpdated, scopeOf(conv), UpdateEvent{
		ConversationID: conv.ID,
		Conversation:   conv,
		Message:        msg,
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("conversation_id", conv.ID.String()).Msg("emit conversation:updated")
	}
}
