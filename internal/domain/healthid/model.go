package healthid

import (
	"time"

	"github.com/google/uuid"
)

// MciHealthID is a HID issued by this MCI and recorded in the registry.
type MciHealthID struct {
	HID       string    `json:"hid"`
	CreatedAt time.Time `json:"created_at"`
}

// OrgHealthID is a HID generated for another organization. Once UsedAt is
// set the id can never be allocated again.
type OrgHealthID struct {
	HID          string     `json:"hid"`
	AllocatedFor string     `json:"allocated_for"`
	GeneratedAt  time.Time  `json:"generated_at"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
}

// IsUsed reports whether the org id was already consumed.
func (o *OrgHealthID) IsUsed() bool {
	return o.UsedAt != nil
}

// GeneratedBlock records one administrative bulk generation run.
type GeneratedBlock struct {
	ID          uuid.UUID `json:"id"`
	SeriesNo    int64     `json:"series_no"`
	ForOrg      string    `json:"for_org"`
	BeginsAt    int64     `json:"begins_at"`
	EndsAt      int64     `json:"ends_at"`
	TotalHIDs   int64     `json:"total_hids"`
	RequestedBy string    `json:"requested_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidationOutcome is the result of checking an org HID for a facility.
type ValidationOutcome struct {
	HID    string `json:"hid"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

const (
	ReasonNotPresent     = "not present"
	ReasonNotForOrg      = "not for given organization"
	ReasonAlreadyUsed    = "already used"
	ReasonInvalidHID     = "invalid health id"
	ReasonMciIssued      = "issued by MCI"
	ReasonInvalidPattern = "invalid organization health id pattern"
)
