// Package auth provides bearer-token authentication and request-scoped
// identity for the HTTP surface. Every mutating endpoint requires an
// authenticated Principal; role checks beyond authentication belong to the
// coordinator's Authorizer.
package auth

import "time"

// Actor is an authenticated entity allowed to submit or approve commands.
type Actor struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Roles     []string  `json:"roles"`
	Clusters  []string  `json:"clusters,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Principal is the identity attached to a request after authentication.
type Principal interface {
	GetID() string
	GetRoles() []string
	// HasRole reports whether the principal carries the named role.
	HasRole(role string) bool
}

// BasePrincipal is the claims-backed Principal built by the middleware.
type BasePrincipal struct {
	ID    string
	Roles []string
}

func (b *BasePrincipal) GetID() string { return b.ID }

func (b *BasePrincipal) GetRoles() []string { return b.Roles }

func (b *BasePrincipal) HasRole(role string) bool {
	for _, r := range b.Roles {
		if r == role {
			return true
		}
	}
	return false
}
