package omnichannel

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicops/omnihub/internal/domain/conversation"
)

type waPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string  `json:"field"`
			Value waValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []waMessage `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		RecipientID string `json:"recipient_id"`
	} `json:"statuses"`
}

type waMedia struct {
	ID       string `json:"id"`
	Link     string `json:"link"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
	Voice    bool   `json:"voice"`
}

type waMessage struct {
	From      string   `json:"from"`
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *waMedia `json:"image"`
	Audio    *waMedia `json:"audio"`
	Voice    *waMedia `json:"voice"`
	Video    *waMedia `json:"video"`
	Document *waMedia `json:"document"`
	Sticker  *waMedia `json:"sticker"`
	Button   *struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

type whatsAppParser struct {
	logger zerolog.Logger
}

func (p *whatsAppParser) Parse(raw []byte) []InboundEvent {
	var payload waPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}

	var out []InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, s := range v.Statuses {
				p.logger.Debug().
					Str("provider", string(conversation.ChannelWhatsApp)).
					Str("provider_message_id", s.ID).
					Str("status", s.Status).
					Msg("delivery receipt ignored")
			}
			for _, m := range v.Messages {
				if m.From == "" {
					continue
				}
				ev := InboundEvent{
					Provider:          conversation.ChannelWhatsApp,
					ExternalSenderID:  m.From,
					TenantHint:        v.Metadata.PhoneNumberID,
					DisplayNameHint:   names[m.From],
					ProviderMessageID: m.ID,
					SentAt:            unixSeconds(m.Timestamp),
				}
				if ev.DisplayNameHint == "" && len(v.Contacts) == 1 {
					ev.DisplayNameHint = v.Contacts[0].Profile.Name
				}
				fillWhatsAppContent(&ev, m)
				out = append(out, ev)
			}
		}
	}
	return out
}

func fillWhatsAppContent(ev *InboundEvent, m waMessage) {
	media := func(t conversation.MessageType, md *waMedia) {
		ev.MessageType = t
		if md == nil {
			return
		}
		ev.Body = md.Caption
		ev.AttachmentURL = md.Link
		if ev.AttachmentURL == "" {
			ev.AttachmentURL = md.ID
		}
		ev.AttachmentName = md.Filename
		ev.AttachmentMime = md.MimeType
	}

	switch m.Type {
	case "text":
		ev.MessageType = conversation.MessageText
		if m.Text != nil {
			ev.Body = m.Text.Body
		}
	case "image":
		media(conversation.MessageImage, m.Image)
	case "sticker":
		media(conversation.MessageImage, m.Sticker)
	case "audio":
		media(conversation.MessageAudio, m.Audio)
	case "voice":
		media(conversation.MessageAudio, m.Voice)
	case "video":
		media(conversation.MessageVideo, m.Video)
	case "document":
		media(conversation.MessageFile, m.Document)
	case "button":
		ev.MessageType = conversation.MessageText
		if m.Button != nil {
			ev.Body = m.Button.Text
		}
	case "interactive":
		ev.MessageType = conversation.MessageText
		if i := m.Interactive; i != nil {
			switch {
			case i.ButtonReply != nil:
				ev.Body = i.ButtonReply.Title
			case i.ListReply != nil:
				ev.Body = i.ListReply.Title
			}
		}
	default:
		ev.MessageType = conversation.MessageSystem
		ev.Body = "[unsupported message: " + m.Type + "]"
	}
}

// unixSeconds parses a decimal unix timestamp, returning the zero time when
// it is missing or malformed.
func unixSeconds(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}
