package hipaa

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// RetentionPolicy defines how long records of one kind are retained.
type RetentionPolicy struct {
	Kind          string `json:"kind"`
	RetentionDays int    `json:"retention_days"`
	ArchiveAfter  int    `json:"archive_after_days,omitempty"`
	PurgeAfter    int    `json:"purge_after_days,omitempty"` // 0 = never purged in-process
	Description   string `json:"description"`
}

// RetentionStatus represents the lifecycle state of a record.
type RetentionStatus struct {
	State      string    `json:"state"`
	ExpiresAt  time.Time `json:"expires_at"`
	PolicyName string    `json:"policy_name"`
}

// Retention state constants.
const (
	RetentionStateActive          = "active"
	RetentionStateArchiveEligible = "archive_eligible"
	RetentionStatePurgeEligible   = "purge_eligible"
)

// Defaults: seven years of retention, archive-eligible after three.
const (
	DefaultRetentionDays    = 2555
	DefaultArchiveAfterDays = 1095
)

// DefaultRetentionPolicies returns one policy per audit record kind. Nothing
// is ever purged by this service; records past retention are reported so an
// operator can act on them.
func DefaultRetentionPolicies(retentionDays, archiveAfterDays int) []RetentionPolicy {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if archiveAfterDays <= 0 || archiveAfterDays > retentionDays {
		archiveAfterDays = DefaultArchiveAfterDays
		if archiveAfterDays > retentionDays {
			archiveAfterDays = retentionDays
		}
	}
	return []RetentionPolicy{
		{
			Kind:          "audit_event",
			RetentionDays: retentionDays,
			ArchiveAfter:  archiveAfterDays,
			Description:   "Generic action audit trail (HIPAA 45 CFR 164.316(b)(2): six-year minimum)",
		},
		{
			Kind:          "data_access_event",
			RetentionDays: retentionDays,
			ArchiveAfter:  archiveAfterDays,
			Description:   "PHI access log with stated reason",
		},
		{
			Kind:          "security_event",
			RetentionDays: retentionDays,
			ArchiveAfter:  archiveAfterDays,
			Description:   "Security monitoring records and their resolutions",
		},
	}
}

// RetentionService answers lifecycle questions for audit records.
type RetentionService struct {
	policies map[string]RetentionPolicy
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRetentionService creates a RetentionService with the given policies.
func NewRetentionService(policies []RetentionPolicy, logger zerolog.Logger) *RetentionService {
	policyMap := make(map[string]RetentionPolicy, len(policies))
	for _, p := range policies {
		policyMap[p.Kind] = p
	}
	return &RetentionService{
		policies: policyMap,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("component", "retention-service").Logger(),
	}
}

// GetPolicy returns the retention policy for a record kind, or nil if not found.
func (s *RetentionService) GetPolicy(kind string) *RetentionPolicy {
	p, ok := s.policies[kind]
	if !ok {
		return nil
	}
	return &p
}

// GetAllPolicies returns all configured policies ordered by kind.
func (s *RetentionService) GetAllPolicies() []RetentionPolicy {
	result := make([]RetentionPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Kind < result[j].Kind })
	return result
}

// Cutoffs returns the instants before which a record of kind is archive
// eligible and past retention. ok is false for an unknown kind.
func (s *RetentionService) Cutoffs(kind string) (archive, retention time.Time, ok bool) {
	p, ok := s.policies[kind]
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	now := s.now()
	retention = now.AddDate(0, 0, -p.RetentionDays)
	archive = now.AddDate(0, 0, -p.ArchiveAfter)
	if p.ArchiveAfter <= 0 {
		archive = retention
	}
	return archive, retention, true
}

// CheckRetention classifies a record of kind created at createdAt.
func (s *RetentionService) CheckRetention(kind string, createdAt time.Time) RetentionStatus {
	policy, ok := s.policies[kind]
	if !ok {
		return RetentionStatus{State: RetentionStateActive, PolicyName: "unknown"}
	}

	ageDays := int(s.now().Sub(createdAt).Hours() / 24)

	purgeAt := policy.RetentionDays
	if policy.PurgeAfter > 0 {
		purgeAt = policy.PurgeAfter
	}
	if ageDays >= purgeAt {
		return RetentionStatus{
			State:      RetentionStatePurgeEligible,
			ExpiresAt:  createdAt.AddDate(0, 0, purgeAt),
			PolicyName: policy.Kind,
		}
	}

	if policy.ArchiveAfter > 0 && ageDays >= policy.ArchiveAfter {
		return RetentionStatus{
			State:      RetentionStateArchiveEligible,
			ExpiresAt:  createdAt.AddDate(0, 0, purgeAt),
			PolicyName: policy.Kind,
		}
	}

	expiresAt := createdAt.AddDate(0, 0, policy.RetentionDays)
	if policy.ArchiveAfter > 0 {
		expiresAt = createdAt.AddDate(0, 0, policy.ArchiveAfter)
	}
	return RetentionStatus{
		State:      RetentionStateActive,
		ExpiresAt:  expiresAt,
		PolicyName: policy.Kind,
	}
}
