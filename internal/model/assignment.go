package model

import "time"

// AssignmentSource records how a variant was resolved.
type AssignmentSource string

const (
	AssignmentSourceStored   AssignmentSource = "stored"
	AssignmentSourceRandom   AssignmentSource = "random"
	AssignmentSourceOverride AssignmentSource = "override"
)

// Assignment is the durable mapping of a visitor to one variant for one experiment.
type Assignment struct {
	ExperimentKey string           `json:"experiment"`
	Variant       string           `json:"variant"`
	Source        AssignmentSource `json:"source"`
	AssignedAt    time.Time        `json:"assigned_at,omitzero"` // zero when read back from storage
	ExpiresAt     time.Time        `json:"expires_at,omitzero"`  // zero => never
}

// Fresh reports whether the assignment was made (or forced) by this call
// rather than read back from storage.
func (a Assignment) Fresh() bool {
	return a.Source != AssignmentSourceStored
}

// Envelope is the TTL-aware persisted form of an assignment.
// ExpiresAt is unix milliseconds; 0 means the value never expires.
type Envelope struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Expired reports whether the envelope has passed its expiry at now.
func (e Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.UnixMilli() >= e.ExpiresAt
}
