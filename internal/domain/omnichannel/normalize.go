package omnichannel

import (
	"github.com/rs/zerolog"

	"github.com/clinicops/omnihub/internal/domain/conversation"
)

// Parser turns one raw webhook body into inbound events. Parsers never fail:
// anything they cannot read yields no events.
type Parser interface {
	Parse(raw []byte) []InboundEvent
}

// Normalizer dispatches raw payloads to the parser for their provider.
type Normalizer struct {
	parsers map[conversation.Channel]Parser
}

func NewNormalizer(logger zerolog.Logger) *Normalizer {
	logger = logger.With().Str("component", "normalizer").Logger()
	return &Normalizer{parsers: map[conversation.Channel]Parser{
		conversation.ChannelWhatsApp:  &whatsAppParser{logger: logger},
		conversation.ChannelMessenger: &pageParser{object: "page", channel: conversation.ChannelMessenger, logger: logger},
		conversation.ChannelInstagram: &pageParser{object: "instagram", channel: conversation.ChannelInstagram, logger: logger},
	}}
}

// Normalize returns the inbound messages in raw. Unknown providers and
// malformed payloads yield an empty slice.
func (n *Normalizer) Normalize(provider conversation.Channel, raw []byte) []InboundEvent {
	p, ok := n.parsers[provider]
	if !ok {
		return nil
	}
	return p.Parse(raw)
}
