package audit

import (
	"fmt"
)

const (
	DefaultRetentionDays = 2555
	DefaultQueryLimit    = 50
	DefaultMaxLimit      = 500
)

// DefaultSensitiveAccessTypes require a stated reason under compliance mode.
var DefaultSensitiveAccessTypes = []AccessType{
	AccessViewMedicalHistory,
	AccessViewClinicalRecord,
	AccessViewPrescription,
	AccessViewLabResults,
	AccessViewImaging,
	AccessExport,
}

// Policy is the retention and compliance configuration handed to the Recorder
// and QueryService. It is built once from config and passed explicitly.
type Policy struct {
	ComplianceMode       bool
	SensitiveAccessTypes []AccessType
	RetentionDays        int
	DefaultLimit         int
	MaxLimit             int
	// EnlistInTransaction makes the Recorder join a transaction found in the
	// context and report store failures instead of degrading.
	EnlistInTransaction bool
}

// DefaultPolicy returns compliance mode on with seven years of retention.
func DefaultPolicy() Policy {
	return Policy{
		ComplianceMode:       true,
		SensitiveAccessTypes: append([]AccessType(nil), DefaultSensitiveAccessTypes...),
		RetentionDays:        DefaultRetentionDays,
		DefaultLimit:         DefaultQueryLimit,
		MaxLimit:             DefaultMaxLimit,
	}
}

// Validate checks limits and access types.
func (p Policy) Validate() error {
	if p.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive, got %d", p.RetentionDays)
	}
	if p.MaxLimit <= 0 {
		return fmt.Errorf("max limit must be positive, got %d", p.MaxLimit)
	}
	if p.DefaultLimit <= 0 || p.DefaultLimit > p.MaxLimit {
		return fmt.Errorf("default limit %d must be between 1 and max limit %d", p.DefaultLimit, p.MaxLimit)
	}
	for _, t := range p.SensitiveAccessTypes {
		if !t.Valid() {
			return &InvalidKindError{Field: "sensitive_access_type", Value: string(t)}
		}
	}
	return nil
}

// RequiresReason reports whether an access of type t must carry a reason.
func (p Policy) RequiresReason(t AccessType) bool {
	if !p.ComplianceMode {
		return false
	}
	for _, s := range p.SensitiveAccessTypes {
		if s == t {
			return true
		}
	}
	return false
}

// Bound applies the default limit to an unset page and caps it at MaxLimit.
func (p Policy) Bound(page Page) Page {
	def, max := p.DefaultLimit, p.MaxLimit
	if max <= 0 {
		max = DefaultMaxLimit
	}
	if def <= 0 || def > max {
		def = min(DefaultQueryLimit, max)
	}
	if page.Limit <= 0 {
		page.Limit = def
	}
	if page.Limit > max {
		page.Limit = max
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	return page
}
