// Package omnichannel receives provider webhooks, normalizes their payloads,
// and feeds each inbound message into the conversation hub.
package omnichannel

import (
	"time"

	"github.com/clinicops/omnihub/internal/domain/conversation"
)

// InboundEvent is one inbound message in provider-independent form.
type InboundEvent struct {
	Provider         conversation.Channel
	ExternalSenderID string
	Body             string
	MessageType      conversation.MessageType
	AttachmentURL    string
	AttachmentName   string
	AttachmentMime   string
	// TenantHint is the provider-side routing id of the receiving line,
	// resolved to a branch for tenant-scoped channels.
	TenantHint        string
	DisplayNameHint   string
	ProviderMessageID string
	SentAt            time.Time
}

// Message converts the event into the shape the conversation store takes.
func (e InboundEvent) Message() conversation.InboundMessage {
	in := conversation.InboundMessage{
		Body:              e.Body,
		Type:              e.MessageType,
		ProviderMessageID: e.ProviderMessageID,
		DisplayNameHint:   e.DisplayNameHint,
		SentAt:            e.SentAt,
	}
	if e.AttachmentURL != "" {
		in.Attachment = &conversation.Attachment{
			URL:  e.AttachmentURL,
			Name: e.AttachmentName,
			Mime: e.AttachmentMime,
		}
	}
	return in
}
