package lead

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusNew              Status = "new"
	StatusContacted        Status = "contacted"
	StatusScheduledPending Status = "scheduled_pending"
	StatusScheduled        Status = "scheduled"
	StatusConverted        Status = "converted"
	StatusDiscarded        Status = "discarded"
)

// activeStatuses are the pipeline stages in which a lead still counts as open.
var activeStatuses = []Status{StatusNew, StatusContacted, StatusScheduledPending}

// Lead is a contact request in the CRM pipeline. The hub only creates them;
// the pipeline owns every later transition.
type Lead struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	FullName        string     `db:"full_name" json:"full_name"`
	Phone           string     `db:"phone" json:"phone"`
	PhoneNormalized string     `db:"phone_normalized" json:"phone_normalized"`
	Channel         string     `db:"channel" json:"channel"`
	Motive          string     `db:"motive" json:"motive"`
	Status          Status     `db:"status" json:"status"`
	BranchID        *uuid.UUID `db:"branch_id" json:"branch_id,omitempty"`
	AppointmentID   *uuid.UUID `db:"appointment_id" json:"appointment_id,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}
