package omnichannel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/omnihub/internal/domain/conversation"
	"github.com/clinicops/omnihub/internal/domain/directory"
	"github.com/clinicops/omnihub/internal/domain/lead"
)

// TenantResolver maps a provider routing id to a branch.
type TenantResolver interface {
	ResolveByRoutingID(ctx context.Context, routingID string) (uuid.UUID, error)
}

type Ingestor interface {
	IngestInbound(ctx context.Context, key conversation.IdentityKey, in conversation.InboundMessage) (*conversation.Conversation, *conversation.Message, error)
}

type LeadEnsurer interface {
	EnsureLead(ctx context.Context, req lead.Request) (*lead.Lead, error)
}

type NameEnricher interface {
	MaybeEnrich(conv *conversation.Conversation)
}

type Scheduler interface {
	Go(name string, fn func(ctx context.Context) error)
}

// Pipeline processes verified webhook bodies. Each inbound message runs as
// its own task so one bad event never holds up the others.
type Pipeline struct {
	normalizer *Normalizer
	tenants    TenantResolver
	convs      Ingestor
	leads      LeadEnsurer
	enricher   NameEnricher
	tasks      Scheduler
	logger     zerolog.Logger
}

func NewPipeline(normalizer *Normalizer, tenants TenantResolver, convs Ingestor, leads LeadEnsurer, enricher NameEnricher, tasks Scheduler, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		normalizer: normalizer,
		tenants:    tenants,
		convs:      convs,
		leads:      leads,
		enricher:   enricher,
		tasks:      tasks,
		logger:     logger.With().Str("component", "omnichannel").Logger(),
	}
}

// Dispatch normalizes raw and schedules one task per inbound message. It
// returns the number of messages scheduled.
func (p *Pipeline) Dispatch(_ context.Context, provider conversation.Channel, raw []byte) int {
	events := p.normalizer.Normalize(provider, raw)
	for i, ev := range events {
		name := fmt.Sprintf("ingest:%s:%s", provider, ev.ProviderMessageID)
		if ev.ProviderMessageID == "" {
			name = fmt.Sprintf("ingest:%s:#%d", provider, i)
		}
		p.tasks.Go(name, func(ctx context.Context) error {
			return p.Process(ctx, ev)
		})
	}
	p.logger.Debug().Str("provider", string(provider)).Int("events", len(events)).Msg("webhook dispatched")
	return len(events)
}

// Process stores one inbound message, bootstraps a lead for its sender, and
// queues name enrichment. Lead failures are logged and do not fail the event.
func (p *Pipeline) Process(ctx context.Context, ev InboundEvent) error {
	key := conversation.IdentityKey{Channel: ev.Provider, ExternalID: ev.ExternalSenderID}

	if ev.Provider.TenantScoped() {
		tenant, err := p.resolveTenant(ctx, ev)
		if err != nil {
			return err
		}
		if tenant == nil {
			return nil
		}
		key.TenantID = tenant
	}

	conv, msg, err := p.convs.IngestInbound(ctx, key, ev.Message())
	if err != nil {
		return fmt.Errorf("ingest %s message from %s: %w", ev.Provider, ev.ExternalSenderID, err)
	}
	p.logger.Info().
		Str("provider", string(ev.Provider)).
		Str("conversation_id", conv.ID.String()).
		Str("message_id", msg.ID.String()).
		Msg("inbound message stored")

	_, err = p.leads.EnsureLead(ctx, lead.Request{
		ExternalSenderID: ev.ExternalSenderID,
		Channel:          string(ev.Provider),
		DisplayNameHint:  ev.DisplayNameHint,
		TenantID:         key.TenantID,
	})
	if err != nil {
		p.logger.Warn().Err(err).
			Str("provider", string(ev.Provider)).
			Str("conversation_id", conv.ID.String()).
			Msg("lead bootstrap failed")
	}

	if p.enricher != nil {
		p.enricher.MaybeEnrich(conv)
	}
	return nil
}

// resolveTenant returns the branch for the event's routing hint, or nil when
// the event must be dropped.
func (p *Pipeline) resolveTenant(ctx context.Context, ev InboundEvent) (*uuid.UUID, error) {
	if ev.TenantHint == "" {
		p.logger.Warn().Str("provider", string(ev.Provider)).Msg("inbound message without routing id dropped")
		return nil, nil
	}
	id, err := p.tenants.ResolveByRoutingID(ctx, ev.TenantHint)
	if errors.Is(err, directory.ErrNotFound) {
		p.logger.Warn().
			Str("provider", string(ev.Provider)).
			Str("routing_id", ev.TenantHint).
			Msg("inbound message for unknown line dropped")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve routing id %s: %w", ev.TenantHint, err)
	}
	return &id, nil
}
