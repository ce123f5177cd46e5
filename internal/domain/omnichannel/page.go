package omnichannel

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicops/omnihub/internal/domain/conversation"
)

type pagePayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string          `json:"id"`
		Messaging []pageMessaging `json:"messaging"`
	} `json:"entry"`
}

type pageMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64        `json:"timestamp"`
	Message   *pageMessage `json:"message"`
	Delivery  *struct {
		Mids []string `json:"mids"`
	} `json:"delivery"`
	Read *struct {
		Watermark int64 `json:"watermark"`
	} `json:"read"`
}

type pageMessage struct {
	Mid         string `json:"mid"`
	Text        string `json:"text"`
	IsEcho      bool   `json:"is_echo"`
	Attachments []struct {
		Type    string `json:"type"`
		Payload struct {
			URL string `json:"url"`
		} `json:"payload"`
	} `json:"attachments"`
}

// pageParser reads the page messaging format shared by Messenger ("page")
// and Instagram ("instagram") webhooks.
type pageParser struct {
	object  string
	channel conversation.Channel
	logger  zerolog.Logger
}

func (p *pageParser) Parse(raw []byte) []InboundEvent {
	var payload pagePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Object != p.object {
		return nil
	}

	var out []InboundEvent
	for _, entry := range payload.Entry {
		for _, m := range entry.Messaging {
			switch {
			case m.Delivery != nil:
				p.logger.Debug().Str("provider", string(p.channel)).Int("mids", len(m.Delivery.Mids)).Msg("delivery receipt ignored")
				continue
			case m.Read != nil:
				p.logger.Debug().Str("provider", string(p.channel)).Int64("watermark", m.Read.Watermark).Msg("read receipt ignored")
				continue
			case m.Message == nil || m.Message.IsEcho || m.Sender.ID == "":
				continue
			}

			ev := InboundEvent{
				Provider:          p.channel,
				ExternalSenderID:  m.Sender.ID,
				Body:              m.Message.Text,
				MessageType:       conversation.MessageText,
				TenantHint:        entry.ID,
				ProviderMessageID: m.Message.Mid,
			}
			if m.Timestamp > 0 {
				ev.SentAt = time.UnixMilli(m.Timestamp).UTC()
			}
			if len(m.Message.Attachments) > 0 {
				a := m.Message.Attachments[0]
				ev.MessageType = pageAttachmentType(a.Type)
				ev.AttachmentURL = a.Payload.URL
			}
			if ev.Body == "" && ev.AttachmentURL == "" {
				continue
			}
			out = append(out, ev)
		}
	}
	return out
}

func pageAttachmentType(t string) conversation.MessageType {
	switch t {
	case "image":
		return conversation.MessageImage
	case "audio":
		return conversation.MessageAudio
	case "video":
		return conversation.MessageVideo
	}
	return conversation.MessageFile
}
