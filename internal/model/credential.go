package model

import "time"

// Credential represents one issued access key. The raw key is never stored;
// only a SHA-256 hash and a short prefix for identification are persisted.
// Credentials are never deleted: revocation and rotation flip state and link
// history, preserving an audit trail.
type Credential struct {
	ID                int64      `json:"id" db:"id"`
	KeyHash           string     `json:"-" db:"key_hash"`            // SHA-256 hash, never expose
	KeyPrefix         string     `json:"key_prefix" db:"key_prefix"` // kg_ + first 8 hex chars
	Plan              string     `json:"plan" db:"plan"`
	RateLimitOverride *int       `json:"rate_limit_override,omitempty" db:"rate_limit_override"`
	IsActive          bool       `json:"is_active" db:"is_active"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	RotatedFrom       *int64     `json:"rotated_from,omitempty" db:"rotated_from"`
	Metadata          string     `json:"metadata,omitempty" db:"metadata"` // free-form JSON, opaque
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	LastUsed          *time.Time `json:"last_used,omitempty" db:"last_used"`
}

// PlanValue parses the stored plan name. Rows written through the service
// layer always hold a recognized plan; unknown values degrade to free.
func (c *Credential) PlanValue() Plan {
	p, err := ParsePlan(c.Plan)
	if err != nil {
		return PlanFree
	}
	return p
}

// EffectiveLimit returns the per-minute request ceiling for this credential:
// the override when present, otherwise the plan default.
func (c *Credential) EffectiveLimit() int {
	if c.RateLimitOverride != nil {
		return *c.RateLimitOverride
	}
	return c.PlanValue().DefaultLimit()
}

// Admin is an administrative account for the management API and UI.
type Admin struct {
	ID           int64      `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Name         string     `json:"name" db:"name"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}
