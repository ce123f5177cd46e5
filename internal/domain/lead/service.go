// Package lead bootstraps CRM leads from first-contact inbound messages.
package lead

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/omnihub/internal/platform/notification"
)

// BranchLocator picks a branch for channels without tenant routing.
type BranchLocator interface {
	FirstAvailable(ctx context.Context) (*uuid.UUID, error)
}

// RecipientDirectory lists the staff to notify.
type RecipientDirectory interface {
	UsersWithRoles(ctx context.Context, roles []string, branchID *uuid.UUID) ([]string, error)
}

type Config struct {
	DefaultMotive string
	NotifyRoles   []string
}

// Request describes the sender of an inbound message.
type Request struct {
	ExternalSenderID string
	Channel          string
	DisplayNameHint  string
	// TenantID is the resolved branch for tenant-routed channels.
	TenantID *uuid.UUID
}

type Service struct {
	pipeline Pipeline
	branches BranchLocator
	staff    RecipientDirectory
	sink     notification.Sink
	cfg      Config
	logger   zerolog.Logger
}

func NewService(pipeline Pipeline, branches BranchLocator, staff RecipientDirectory, sink notification.Sink, cfg Config, logger zerolog.Logger) *Service {
	if cfg.DefaultMotive == "" {
		cfg.DefaultMotive = "Inbound message"
	}
	return &Service{
		pipeline: pipeline,
		branches: branches,
		staff:    staff,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With().Str("component", "lead").Logger(),
	}
}

// EnsureLead creates a lead for the sender unless an open one already exists
// for the same normalized phone. It returns the created lead, or nil when
// nothing was created.
//
// The lookup and the insert are not atomic: two concurrent first messages
// from one sender can both create a lead. Such duplicates are merged by hand
// in the CRM.
func (s *Service) EnsureLead(ctx context.Context, req Request) (*Lead, error) {
	phone := NormalizePhone(req.ExternalSenderID)
	if phone == "" {
		return nil, nil
	}

	existing, err := s.pipeline.FindActiveByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("find lead: %w", err)
	}
	if existing != nil {
		return nil, nil
	}

	branch := req.TenantID
	if branch == nil {
		branch, err = s.branches.FirstAvailable(ctx)
		if err != nil {
			return nil, fmt.Errorf("pick branch: %w", err)
		}
	}

	name := strings.TrimSpace(req.DisplayNameHint)
	if name == "" {
		name = req.ExternalSenderID
	}
	l := &Lead{
		FullName:        name,
		Phone:           req.ExternalSenderID,
		PhoneNormalized: phone,
		Channel:         req.Channel,
		Motive:          s.cfg.DefaultMotive,
		Status:          StatusNew,
		BranchID:        branch,
	}
	if err := s.pipeline.Create(ctx, l); err != nil {
		return nil, fmt.Errorf("create lead: %w", err)
	}

	s.logger.Info().
		Str("lead_id", l.ID.String()).
		Str("channel", req.Channel).
		Str("phone", phone).
		Msg("lead created")

	s.notify(ctx, l)
	return l, nil
}

// notify tells eligible staff about a new lead. Failures are only logged.
func (s *Service) notify(ctx context.Context, l *Lead) {
	if s.sink == nil || len(s.cfg.NotifyRoles) == 0 {
		return
	}
	recipients, err := s.staff.UsersWithRoles(ctx, s.cfg.NotifyRoles, l.BranchID)
	if err != nil {
		s.logger.Warn().Err(err).Str("lead_id", l.ID.String()).Msg("resolve lead recipients")
		return
	}
	if len(recipients) == 0 {
		return
	}

	n := notification.Notification{
		Type:      notification.TypeLeadCreated,
		Title:     "New lead",
		Body:      fmt.Sprintf("%s wrote via %s", l.FullName, l.Channel),
		BranchID:  l.BranchID,
		CreatedAt: l.CreatedAt,
		Data: map[string]string{
			"lead_id": l.ID.String(),
			"phone":   l.PhoneNormalized,
			"channel": l.Channel,
		},
	}
	if err := s.sink.Notify(ctx, recipients, n); err != nil {
		s.logger.Warn().Err(err).Str("lead_id", l.ID.String()).Msg("notify lead")
	}
}
