package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Channel is the external messaging provider a conversation lives on.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelMessenger Channel = "messenger"
	ChannelInstagram Channel = "instagram"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelMessenger, ChannelInstagram:
		return true
	}
	return false
}

// TenantScoped reports whether the branch participates in the identity key.
// The same phone number writing to two branches' WhatsApp lines is two
// conversations; page and direct messaging ids are global.
func (c Channel) TenantScoped() bool {
	return c == ChannelWhatsApp
}

// ProviderDelivery reports whether staff replies are pushed to the provider.
func (c Channel) ProviderDelivery() bool {
	return c == ChannelMessenger || c == ChannelInstagram
}

// IdentityKey identifies exactly one conversation.
type IdentityKey struct {
	Channel    Channel
	ExternalID string
	TenantID   *uuid.UUID
}

// Normalize drops the tenant for channels with global identity.
func (k IdentityKey) Normalize() IdentityKey {
	if !k.Channel.TenantScoped() {
		k.TenantID = nil
	}
	return k
}

// TenantKey is the tenant component of the unique constraint: the branch id
// text, or "" for global identity.
func (k IdentityKey) TenantKey() string {
	if k.TenantID == nil {
		return ""
	}
	return k.TenantID.String()
}

type Status string

const (
	StatusActive  Status = "active"
	StatusPending Status = "pending"
	StatusClosed  Status = "closed"
)

var validStatuses = map[Status]bool{StatusActive: true, StatusPending: true, StatusClosed: true}

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var validPriorities = map[Priority]bool{
	PriorityUrgent: true, PriorityHigh: true, PriorityNormal: true, PriorityLow: true,
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type AuthorKind string

const (
	AuthorContact AuthorKind = "contact"
	AuthorStaff   AuthorKind = "staff"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageAudio  MessageType = "audio"
	MessageFile   MessageType = "file"
	MessageVideo  MessageType = "video"
	MessageSystem MessageType = "system"
)

var validMessageTypes = map[MessageType]bool{
	MessageText: true, MessageImage: true, MessageAudio: true,
	MessageFile: true, MessageVideo: true, MessageSystem: true,
}

type DeliveryStatus string

const (
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

var deliveryRank = map[DeliveryStatus]int{
	DeliverySending:   0,
	DeliverySent:      1,
	DeliveryDelivered: 2,
	DeliveryRead:      3,
}

// Terminal reports whether no further transition is allowed.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryRead || s == DeliveryFailed
}

// CanTransition reports whether a message may move from one delivery status
// to another. Progress is monotonic along sending, sent, delivered, read;
// failed is reachable from any non-terminal status.
func CanTransition(from, to DeliveryStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == DeliveryFailed {
		_, known := deliveryRank[from]
		return known
	}
	fr, ok1 := deliveryRank[from]
	tr, ok2 := deliveryRank[to]
	return ok1 && ok2 && tr > fr
}

var deliveryOrder = []DeliveryStatus{DeliverySending, DeliverySent, DeliveryDelivered, DeliveryRead, DeliveryFailed}

// TransitionSources lists the statuses from which a message may move to to.
// Repositories use it as the guard of a conditional update.
func TransitionSources(to DeliveryStatus) []DeliveryStatus {
	var out []DeliveryStatus
	for _, from := range deliveryOrder {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Conversation is one thread with an external contact.
type Conversation struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	Channel       Channel    `db:"channel" json:"channel"`
	ExternalID    string     `db:"external_id" json:"external_id"`
	TenantID      *uuid.UUID `db:"tenant_id" json:"tenant_id,omitempty"`
	DisplayName   string     `db:"display_name" json:"display_name"`
	LastMessage   *string    `db:"last_message" json:"last_message,omitempty"`
	LastMessageAt *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	UnreadCount   int        `db:"unread_count" json:"unread_count"`
	Status        Status     `db:"status" json:"status"`
	Priority      Priority   `db:"priority" json:"priority"`
	Tags          []string   `json:"tags"`
	AssignedTo    *string    `db:"assigned_to" json:"assigned_to,omitempty"`
	ContactID     *uuid.UUID `db:"contact_id" json:"contact_id,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
	ClosedAt      *time.Time `db:"closed_at" json:"closed_at,omitempty"`
}

// Key returns the conversation's identity key.
func (c *Conversation) Key() IdentityKey {
	return IdentityKey{Channel: c.Channel, ExternalID: c.ExternalID, TenantID: c.TenantID}
}

type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Size     *int64 `json:"size,omitempty"`
	Duration *int   `json:"duration,omitempty"`
}

// Message belongs to exactly one conversation and is deleted with it.
type Message struct {
	ID                uuid.UUID      `db:"id" json:"id"`
	ConversationID    uuid.UUID      `db:"conversation_id" json:"conversation_id"`
	Direction         Direction      `db:"direction" json:"direction"`
	AuthorKind        AuthorKind     `db:"author_kind" json:"author_kind"`
	AuthorID          *string        `db:"author_id" json:"author_id,omitempty"`
	Body              string         `db:"body" json:"body"`
	Type              MessageType    `db:"message_type" json:"type"`
	DeliveryStatus    DeliveryStatus `db:"delivery_status" json:"delivery_status"`
	ProviderMessageID *string        `db:"provider_message_id" json:"provider_message_id,omitempty"`
	Error             *string        `db:"error" json:"error,omitempty"`
	Attachment        *Attachment    `json:"attachment,omitempty"`
	SentAt            time.Time      `db:"sent_at" json:"sent_at"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
}

// InboundMessage is a normalized provider message ready to be stored.
type InboundMessage struct {
	Body              string
	Type              MessageType
	Attachment        *Attachment
	ProviderMessageID string
	DisplayNameHint   string
	SentAt            time.Time
}

// OutboundContent is a staff reply.
type OutboundContent struct {
	Body       string      `json:"body"`
	Type       MessageType `json:"type"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Snippet is the last-message preview stored on the conversation.
func Snippet(body string, t MessageType) string {
	if body != "" {
		if r := []rune(body); len(r) > 200 {
			return string(r[:200])
		}
		return body
	}
	switch t {
	case MessageImage:
		return "[image]"
	case MessageAudio:
		return "[audio]"
	case MessageVideo:
		return "[video]"
	case MessageFile:
		return "[file]"
	}
	return ""
}

// Scope is what a caller may see. Privileged callers see every branch.
type Scope struct {
	Privileged bool
	BranchIDs  []uuid.UUID
}

// Allows reports whether a conversation owned by tenant is visible.
// Conversations without a branch are visible to every staff member.
func (s Scope) Allows(tenant *uuid.UUID) bool {
	if s.Privileged || tenant == nil {
		return true
	}
	for _, b := range s.BranchIDs {
		if b == *tenant {
			return true
		}
	}
	return false
}

// BranchFilter returns the ListFilter scope: nil for privileged callers and a
// non-nil (possibly empty) slice otherwise.
func (s Scope) BranchFilter() []uuid.UUID {
	if s.Privileged {
		return nil
	}
	if s.BranchIDs == nil {
		return []uuid.UUID{}
	}
	return s.BranchIDs
}

// ListFilter narrows List. ScopeBranchIDs nil means unrestricted.
type ListFilter struct {
	ScopeBranchIDs []uuid.UUID
	Channel        Channel
	Status         Status
	AssignedTo     string
	Search         string
}
