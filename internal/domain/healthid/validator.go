package healthid

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dlclark/regexp2"
)

// patternTimeout bounds a single pattern match on a 10 digit body.
const patternTimeout = 100 * time.Millisecond

// Range is an inclusive interval of HID bodies.
type Range struct {
	Start int64
	End   int64
}

// Contains reports whether body lies in the range.
func (r Range) Contains(body int64) bool {
	return body >= r.Start && body <= r.End
}

func (r Range) validate(name string) error {
	if !Is10DigitNumber(r.Start) || !Is10DigitNumber(r.End) {
		return fmt.Errorf("%w: %s range [%d, %d] must be 10 digit numbers", ErrConfiguration, name, r.Start, r.End)
	}
	if r.Start > r.End {
		return fmt.Errorf("%w: %s range start %d is after end %d", ErrConfiguration, name, r.Start, r.End)
	}
	return nil
}

// OrgValidator tells MCI issued HIDs apart from HIDs issued for other
// organizations and checks an org HID against the requesting facility.
type OrgValidator struct {
	mci        Range
	org        Range
	mciInvalid *regexp2.Regexp
	orgInvalid *regexp2.Regexp
}

// NewOrgValidator compiles the invalid patterns and checks both ranges.
// A pattern must match the whole 10-digit body and may use backreferences,
// e.g. `.*(\d)\1{3}.*` for four repeated digits. Empty patterns disallow
// nothing.
func NewOrgValidator(mci, org Range, mciInvalidPattern, orgInvalidPattern string) (*OrgValidator, error) {
	if err := mci.validate("mci"); err != nil {
		return nil, err
	}
	if err := org.validate("other org"); err != nil {
		return nil, err
	}
	v := &OrgValidator{mci: mci, org: org}
	var err error
	if v.mciInvalid, err = compilePattern(mciInvalidPattern); err != nil {
		return nil, err
	}
	if v.orgInvalid, err = compilePattern(orgInvalidPattern); err != nil {
		return nil, err
	}
	return v, nil
}

func compilePattern(p string) (*regexp2.Regexp, error) {
	if p == "" {
		return nil, nil
	}
	re, err := regexp2.Compile("^(?:"+p+")$", regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hid pattern %q: %v", ErrConfiguration, p, err)
	}
	re.MatchTimeout = patternTimeout
	return re, nil
}

// MciRange returns the series reserved for ids issued by this MCI.
func (v *OrgValidator) MciRange() Range { return v.mci }

// OrgRange returns the series generated for other organizations.
func (v *OrgValidator) OrgRange() Range { return v.org }

// IsMciIssued reports whether the HID body lies in the MCI series.
func (v *OrgValidator) IsMciIssued(hid string) bool {
	body, err := BodyOf(hid)
	if err != nil {
		return false
	}
	return v.mci.Contains(body)
}

// IsInvalidOrgPattern reports whether the HID body matches the pattern
// reserved away from other organizations.
func (v *OrgValidator) IsInvalidOrgPattern(hid string) bool {
	body, err := BodyOf(hid)
	if err != nil {
		return false
	}
	return v.IsInvalidOrgBody(body)
}

// IsInvalidOrgBody applies the other-organization pattern to a body.
func (v *OrgValidator) IsInvalidOrgBody(body int64) bool {
	return matches(v.orgInvalid, body)
}

// IsInvalidMciBody applies the MCI pattern to a body.
func (v *OrgValidator) IsInvalidMciBody(body int64) bool {
	return matches(v.mciInvalid, body)
}

func matches(re *regexp2.Regexp, body int64) bool {
	if re == nil {
		return false
	}
	ok, err := re.MatchString(strconv.FormatInt(body, 10))
	return err == nil && ok
}

// ValidateForOrg checks, in order: presence, allocation to facilityID, and
// prior use. The first failing check is reported.
func (v *OrgValidator) ValidateForOrg(orgHID *OrgHealthID, facilityID string) ValidationOutcome {
	if orgHID == nil {
		return ValidationOutcome{Reason: ReasonNotPresent}
	}
	out := ValidationOutcome{HID: orgHID.HID}
	switch {
	case orgHID.AllocatedFor != facilityID:
		out.Reason = ReasonNotForOrg
	case orgHID.IsUsed():
		out.Reason = ReasonAlreadyUsed
	default:
		out.Valid = true
	}
	return out
}
