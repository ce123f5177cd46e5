// Package directory reads the branch, staff and contact records owned by the
// clinic back office. The hub never writes to these tables.
package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("directory: not found")

type Contact struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"full_name"`
	Phone    string    `json:"phone,omitempty"`
}

// BranchDirectory routes inbound traffic to branches.
type BranchDirectory interface {
	// ResolveByRoutingID maps a provider routing identifier (the inbound
	// phone-number id of the cloud messaging API) to an active branch.
	ResolveByRoutingID(ctx context.Context, routingID string) (uuid.UUID, error)
	// FirstAvailable returns the first active branch, or nil when there is none.
	FirstAvailable(ctx context.Context) (*uuid.UUID, error)
}

// StaffDirectory answers staff visibility questions.
type StaffDirectory interface {
	BranchAccessFor(ctx context.Context, userID string) ([]uuid.UUID, error)
	// UsersWithRoles lists active staff holding any of roles. With a branch,
	// only staff with access to that branch are returned.
	UsersWithRoles(ctx context.Context, roles []string, branchID *uuid.UUID) ([]string, error)
}

// ContactDirectory finds known patients/contacts.
type ContactDirectory interface {
	LookupByPhone(ctx context.Context, phoneNormalized string) (*Contact, error)
}

// Directory bundles the three read models.
type Directory interface {
	BranchDirectory
	StaffDirectory
	ContactDirectory
}
