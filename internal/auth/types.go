package auth

import "time"

// Role classifies a subject. Reviewer and admin are equivalent for the
// replication gateway; employee is the restricted, tenant-scoped role.
type Role string

const (
	RoleEmployee Role = "employee"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

// Valid reports whether the role is one of the three known values.
func (r Role) Valid() bool {
	return r == RoleEmployee || r == RoleReviewer || r == RoleAdmin
}

// Privileged reports whether the role passes the gateway without
// per-document ownership checks.
func (r Role) Privileged() bool {
	return r == RoleReviewer || r == RoleAdmin
}

// Subject is the verified identity behind a request.
type Subject struct {
	ID    string
	Email string
	Role  Role
}

// Account is the stored user document. TokenVersion is the refresh rotation
// counter: a refresh token is only redeemable while its embedded version
// equals this field, and only redemption increments it.
type Account struct {
	ID                 string    `json:"_id,omitempty"`
	Rev                string    `json:"_rev,omitempty"`
	Email              string    `json:"email"`
	PasswordHash       string    `json:"passwordHash"`
	Role               Role      `json:"role"`
	TokenVersion       int64     `json:"tokenVersion"`
	MustChangePassword bool      `json:"mustChangePassword,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Subject returns the identity the account authenticates as.
func (a *Account) Subject() Subject {
	return Subject{ID: a.ID, Email: a.Email, Role: a.Role}
}

// TokenPair bundles freshly issued credentials.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
