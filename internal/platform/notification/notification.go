// Package notification delivers internal staff notifications produced by the
// conversation hub, such as a lead created from a first inbound message.
package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notification types.
const (
	TypeLeadCreated = "lead.created"
)

// Notification is an internal message addressed to staff users.
type Notification struct {
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	BranchID  *uuid.UUID        `json:"branch_id,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Sink delivers a notification to a set of staff users.
type Sink interface {
	Notify(ctx context.Context, userIDs []string, n Notification) error
}

// LogSink writes notifications to the log. It is the fallback when no broker
// is configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notification").Logger()}
}

func (s *LogSink) Notify(_ context.Context, userIDs []string, n Notification) error {
	ev := s.logger.Info().
		Str("type", n.Type).
		Strs("recipients", userIDs).
		Str("title", n.Title)
	if n.BranchID != nil {
		ev = ev.Str("branch_id", n.BranchID.String())
	}
	ev.Msg(n.Body)
	return nil
}

// FanoutSink delivers to every sink and joins their errors.
type FanoutSink []Sink

func (f FanoutSink) Notify(ctx context.Context, userIDs []string, n Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, userIDs, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
