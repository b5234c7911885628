package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEvent is the parent of every construction-time validation failure.
	ErrInvalidEvent = errors.New("invalid audit event")
	// ErrInvalidEventKind reports an enumerated field outside its allowed set.
	ErrInvalidEventKind = errors.New("invalid event kind")
	// ErrMissingField reports a required field left blank.
	ErrMissingField = errors.New("required field missing")
	// ErrMissingReason is returned under compliance mode for a sensitive access
	// recorded without a reason.
	ErrMissingReason = errors.New("access reason required")
	// ErrImmutableRecord is returned when a persisted record would be modified
	// or removed.
	ErrImmutableRecord = errors.New("audit record is immutable")
	// ErrAlreadyResolved is returned when resolving a resolved SecurityEvent.
	ErrAlreadyResolved = errors.New("security event already resolved")
	// ErrNotFound is returned by point lookups for unknown ids.
	ErrNotFound = errors.New("audit record not found")
	// ErrStoreUnavailable wraps storage failures on the write path.
	ErrStoreUnavailable = errors.New("audit store unavailable")
	// ErrTenantRequired is returned by tenant-scoped queries called without a tenant.
	ErrTenantRequired = errors.New("tenant is required")
	// ErrUnknownTenant is returned when a record names an unregistered tenant.
	ErrUnknownTenant = errors.New("unknown tenant")
	// ErrTenantExists is returned when registering a tenant twice.
	ErrTenantExists = errors.New("tenant already exists")
)

// InvalidKindError names the field and value that failed enumeration checks.
type InvalidKindError struct {
	Field string
	Value string
}

func (e *InvalidKindError) Error() string {
	return fmt.Sprintf("%s: %s %q", ErrInvalidEventKind, e.Field, e.Value)
}

// Is lets errors.Is match both ErrInvalidEventKind and ErrInvalidEvent.
func (e *InvalidKindError) Is(target error) bool {
	return target == ErrInvalidEventKind || target == ErrInvalidEvent
}

// FieldError names a required field that was left blank.
type FieldError struct {
	Field string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingField, e.Field)
}

// Is lets errors.Is match both ErrMissingField and ErrInvalidEvent.
func (e *FieldError) Is(target error) bool {
	return target == ErrMissingField || target == ErrInvalidEvent
}

func missingField(name string) error {
	return &FieldError{Field: name}
}

// IsValidation reports whether err is a caller mistake rather than a storage failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidEvent) || errors.Is(err, ErrMissingReason) || errors.Is(err, ErrUnknownTenant)
}
