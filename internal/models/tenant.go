package models

import "time"

// Tenant is the top-level isolation boundary: every read and write in the
// platform is scoped by tenant_id.
type Tenant struct {
	ID       int64  `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Tier     Tier   `json:"tier" db:"tier"`
	Active   bool   `json:"active" db:"active"`
	TimeZone string `json:"time_zone" db:"time_zone"` // IANA name, e.g. "America/Chicago"

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Integration holds per-tenant provider credentials and endpoint config.
// Credentials are opaque tokens; this core never inspects or decrypts them,
// it only passes the record to the provider adapter that owns the step.
type Integration struct {
	ID         int64  `json:"id" db:"id"`
	TenantID   int64  `json:"tenant_id" db:"tenant_id"`
	Provider   string `json:"provider" db:"provider"` // "jira", "github"
	BaseURL    string `json:"base_url" db:"base_url"`
	CredentialRef string `json:"credential_ref" db:"credential_ref"` // opaque lookup key into a secret store
	Active     bool   `json:"active" db:"active"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
