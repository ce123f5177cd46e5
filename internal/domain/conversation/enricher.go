package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinicops/omnihub/internal/domain/directory"
	"github.com/clinicops/omnihub/internal/domain/lead"
)

var numericName = regexp.MustCompile(`^\+?[0-9]+$`)

// IsPlaceholderName reports whether name is not a real person's name: empty,
// the raw external id, or a bare phone number.
func IsPlaceholderName(name, externalID string) bool {
	name = strings.TrimSpace(name)
	return name == "" || name == externalID || numericName.MatchString(name)
}

// ProfileSource resolves provider profile names.
type ProfileSource interface {
	DisplayName(ctx context.Context, channel, userID string) (string, error)
}

// ContactSource finds known contacts by normalized phone.
type ContactSource interface {
	LookupByPhone(ctx context.Context, phoneNormalized string) (*directory.Contact, error)
}

// Enricher replaces placeholder display names, best effort. A failed attempt
// leaves the placeholder in place; the next inbound message tries again.
type Enricher struct {
	svc      *Service
	contacts ContactSource
	profiles ProfileSource
	tasks    Scheduler
	logger   zerolog.Logger
}

func NewEnricher(svc *Service, contacts ContactSource, profiles ProfileSource, tasks Scheduler, logger zerolog.Logger) *Enricher {
	return &Enricher{
		svc:      svc,
		contacts: contacts,
		profiles: profiles,
		tasks:    tasks,
		logger:   logger.With().Str("component", "enricher").Logger(),
	}
}

// MaybeEnrich schedules Enrich when the conversation still has a placeholder name.
func (e *Enricher) MaybeEnrich(conv *Conversation) {
	if conv == nil || !IsPlaceholderName(conv.DisplayName, conv.ExternalID) {
		return
	}
	snapshot := *conv
	e.tasks.Go("enrich:"+conv.ID.String(), func(ctx context.Context) error {
		return e.Enrich(ctx, &snapshot)
	})
}

// Enrich resolves a name for conv and renames it.
func (e *Enricher) Enrich(ctx context.Context, conv *Conversation) error {
	name, err := e.resolve(ctx, conv)
	if err != nil {
		return fmt.Errorf("enrich %s: %w", conv.ID, err)
	}
	if IsPlaceholderName(name, conv.ExternalID) {
		return fmt.Errorf("enrich %s: resolved name %q is a placeholder", conv.ID, name)
	}

	if _, err := e.svc.RenameFromProfile(ctx, conv.ID, name); err != nil {
		return fmt.Errorf("rename %s: %w", conv.ID, err)
	}
	e.logger.Info().Str("conversation_id", conv.ID.String()).Str("channel", string(conv.Channel)).Msg("display name resolved")
	return nil
}

func (e *Enricher) resolve(ctx context.Context, conv *Conversation) (string, error) {
	switch conv.Channel {
	case ChannelWhatsApp:
		if e.contacts == nil {
			return "", errors.New("no contact directory")
		}
		phone := lead.NormalizePhone(conv.ExternalID)
		if phone == "" {
			return "", errors.New("external id has no digits")
		}
		c, err := e.contacts.LookupByPhone(ctx, phone)
		if err != nil {
			return "", err
		}
		return c.FullName, nil
	case ChannelMessenger, ChannelInstagram:
		if e.profiles == nil {
			return "", errors.New("no profile source")
		}
		return e.profiles.DisplayName(ctx, string(conv.Channel), conv.ExternalID)
	}
	return "", fmt.Errorf("unknown channel %q", conv.Channel)
}
