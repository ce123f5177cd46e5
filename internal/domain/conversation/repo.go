package conversation

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("conversation not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrInvalidIdentity   = errors.New("invalid conversation identity")
	ErrMissingTenant     = errors.New("channel requires a resolved branch")
	ErrInvalidTag        = errors.New("invalid tag")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidPriority   = errors.New("invalid priority")
	ErrInvalidName       = errors.New("invalid display name")
	ErrEmptyMessage      = errors.New("message has no body or attachment")
	ErrInvalidType       = errors.New("invalid message type")
	ErrInvalidTransition = errors.New("invalid delivery status transition")
)

// Repository persists conversations and their messages.
type Repository interface {
	// UpsertInbound atomically creates or updates the conversation for key and
	// appends the inbound message to it. Concurrent calls for one key yield
	// one conversation, every message, and an unread count equal to the
	// number of calls.
	UpsertInbound(ctx context.Context, key IdentityKey, in InboundMessage) (*Conversation, *Message, error)
	// AppendOutbound inserts msg and refreshes the last-message fields.
	AppendOutbound(ctx context.Context, msg *Message) (*Conversation, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Conversation, int, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*Message, int, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)

	// MarkRead zeroes the unread count and marks inbound messages read. It
	// reports whether anything changed.
	MarkRead(ctx context.Context, id uuid.UUID) (bool, error)
	AddTag(ctx context.Context, id uuid.UUID, tag string) (bool, error)
	RemoveTag(ctx context.Context, id uuid.UUID, tag string) (bool, error)
	Assign(ctx context.Context, id uuid.UUID, staffID *string) error
	SetStatus(ctx context.Context, id uuid.UUID, status Status) error
	SetPriority(ctx context.Context, id uuid.UUID, p Priority) error
	UpdateDisplayName(ctx context.Context, id uuid.UUID, name string) error
	// UpdateDelivery moves a message to status only when its current status
	// allows it (see CanTransition), in a single conditional update.
	// Otherwise it returns ErrInvalidTransition.
	UpdateDelivery(ctx context.Context, messageID uuid.UUID, status DeliveryStatus, providerMessageID, errText *string) (*Message, error)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// attachmentColumns flattens an attachment into its nullable columns.
func attachmentColumns(a *Attachment) (url, name, mime *string, size *int64, duration *int) {
	if a == nil || a.URL == "" {
		return nil, nil, nil, nil, nil
	}
	return &a.URL, strPtr(a.Name), strPtr(a.Mime), a.Size, a.Duration
}

func attachmentFromColumns(url, name, mime *string, size *int64, duration *int) *Attachment {
	if url == nil || *url == "" {
		return nil
	}
	a := &Attachment{URL: *url, Size: size, Duration: duration}
	if name != nil {
		a.Name = *name
	}
	if mime != nil {
		a.Mime = *mime
	}
	return a
}

// initialDisplayName is the name a new conversation starts with: the
// provider hint when present, the raw external id otherwise.
func initialDisplayName(key IdentityKey, hint string) string {
	if hint != "" {
		return hint
	}
	return key.ExternalID
}

func attachTags(convs []*Conversation, tags map[uuid.UUID][]string) {
	for _, c := range convs {
		c.Tags = tags[c.ID]
		if c.Tags == nil {
			c.Tags = []string{}
		}
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a LIKE pattern matching s anywhere in the text.
// Wildcards typed by the user match literally; queries use ESCAPE '\'.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}
