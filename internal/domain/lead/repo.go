package lead

import "context"

// Pipeline is the slice of the CRM pipeline the hub touches.
type Pipeline interface {
	// FindActiveByPhone returns an open lead with no appointment for the
	// normalized phone, or nil when there is none.
	FindActiveByPhone(ctx context.Context, phoneNormalized string) (*Lead, error)
	Create(ctx context.Context, l *Lead) error
}
