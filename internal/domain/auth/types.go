// Package auth contains the domain types for authenticated actors.
package auth

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Role is the canonical role of a principal. The set is closed.
type Role string

const (
	// RoleOwner has full access to every resource.
	RoleOwner Role = "owner"
	// RoleManager administers teams it is assigned to.
	RoleManager Role = "manager"
	// RoleEmployee works on non-administrative resources.
	RoleEmployee Role = "employee"
	// RoleClient is an external party without management permissions.
	RoleClient Role = "client"
)

// Roles returns the closed role enumeration in declaration order.
func Roles() []Role {
	return []Role{RoleOwner, RoleManager, RoleEmployee, RoleClient}
}

// IsValid returns true if the role is a member of the closed enumeration.
func (r Role) IsValid() bool {
	switch r {
	case RoleOwner, RoleManager, RoleEmployee, RoleClient:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (r Role) String() string {
	return string(r)
}

// ErrUnknownRole is returned when a raw role claim does not name a known role.
var ErrUnknownRole = errors.New("unknown role")

// ParseRole maps a raw role claim from the identity provider onto the
// closed enumeration. Matching is exact after trimming and lower-casing;
// no prefix or pattern matching is performed.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !r.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
	return r, nil
}

// Principal is the authenticated actor. Fields are unexported so a
// Principal can only be obtained fully populated from NewPrincipal.
type Principal struct {
	id    string
	email string
	role  Role
}

// Errors returned by NewPrincipal.
var (
	ErrMissingPrincipalID = errors.New("principal id is required")
	ErrInvalidEmail       = errors.New("principal email is invalid")
)

// NewPrincipal constructs a Principal. Construction is all-or-nothing:
// any invalid field returns an error and a zero Principal.
func NewPrincipal(id, email string, role Role) (Principal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Principal{}, ErrMissingPrincipalID
	}
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return Principal{}, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	if !role.IsValid() {
		return Principal{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return Principal{id: id, email: email, role: role}, nil
}

// NewPrincipalFromClaim parses a raw role claim and constructs a Principal.
func NewPrincipalFromClaim(id, email, rawRole string) (Principal, error) {
	role, err := ParseRole(rawRole)
	if err != nil {
		return Principal{}, err
	}
	return NewPrincipal(id, email, role)
}

// ID returns the stable principal identifier.
func (p Principal) ID() string { return p.id }

// Email returns the contact address.
func (p Principal) Email() string { return p.email }

// Role returns the canonical role.
func (p Principal) Role() Role { return p.role }

// IsZero reports whether p was not produced by NewPrincipal.
func (p Principal) IsZero() bool { return p.id == "" }
