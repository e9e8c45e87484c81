// Package identity defines the boundary to the external identity provider:
// verifying bearer credentials into typed claims, and the admin directory
// used to read and mutate accounts.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidCredential means the credential was malformed, forged,
	// expired or revoked.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrUnavailable means the identity provider could not be reached or
	// answered with a server error. Callers must fail closed.
	ErrUnavailable = errors.New("identity provider unavailable")
	// ErrUserNotFound means no account matched the lookup.
	ErrUserNotFound = errors.New("user not found")
)

// CustomClaims are the privilege attributes the identity provider attaches
// to an account.
type CustomClaims struct {
	Admin              bool     `json:"admin,omitempty"`
	SuperAdmin         bool     `json:"superAdmin,omitempty"`
	Role               string   `json:"role,omitempty"`
	Permissions        []string `json:"permissions,omitempty"`
	ForcePasswordReset bool     `json:"forcePasswordReset,omitempty"`
}

// Claims is the verified claim set of a credential.
type Claims struct {
	UID   string
	Email string
	CustomClaims
	IssuedAt time.Time
	AuthTime time.Time
}

// ParseCustomClaims converts loosely typed provider attributes into
// CustomClaims. Missing or wrongly typed values take their zero value: a
// string "true" is not an admin grant, and superAdmin does not imply admin.
func ParseCustomClaims(raw map[string]any) CustomClaims {
	var c CustomClaims
	c.Admin, _ = raw["admin"].(bool)
	c.SuperAdmin, _ = raw["superAdmin"].(bool)
	c.Role, _ = raw["role"].(string)
	c.ForcePasswordReset, _ = raw["forcePasswordReset"].(bool)

	c.Permissions = []string{}
	switch perms := raw["permissions"].(type) {
	case []string:
		c.Permissions = append(c.Permissions, perms...)
	case []any:
		for _, p := range perms {
			if s, ok := p.(string); ok && s != "" {
				c.Permissions = append(c.Permissions, s)
			}
		}
	}
	return c
}

// Map renders the claims in the provider's attribute shape.
func (c CustomClaims) Map() map[string]any {
	perms := c.Permissions
	if perms == nil {
		perms = []string{}
	}
	return map[string]any{
		"admin":              c.Admin,
		"superAdmin":         c.SuperAdmin,
		"role":               c.Role,
		"permissions":        perms,
		"forcePasswordReset": c.ForcePasswordReset,
	}
}

// Verifier validates an opaque bearer credential.
type Verifier interface {
	// Verify returns the credential's claims. Errors wrap
	// ErrInvalidCredential or ErrUnavailable.
	Verify(ctx context.Context, credential string) (Claims, error)
}

// User is an account as seen by the admin directory.
type User struct {
	UID      string
	Email    string
	Disabled bool
	Claims   CustomClaims
	// TokensValidAfter is the revocation watermark: credentials and
	// sessions established before it are no longer valid.
	TokensValidAfter time.Time
}

// Directory is the privileged side of the identity provider.
type Directory interface {
	GetUser(ctx context.Context, uid string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, uid, password string) error
	SetCustomClaims(ctx context.Context, uid string, claims CustomClaims) error
	RevokeTokens(ctx context.Context, uid string) error
}
