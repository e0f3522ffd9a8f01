// Package authz carries the explicit authorization context passed into every
// orchestrator and query call.
package authz

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"

	"github.com/acurioustractor/ledger-insights/internal/storage"
)

// ErrForbidden is returned when a principal may not perform an action.
var ErrForbidden = errors.New("forbidden")

// Role is the coarse permission class of a principal.
type Role string

const (
	// RoleAdmin may trigger and read anything.
	RoleAdmin Role = "admin"
	// RoleOperator may trigger runs and read aggregates for its organizations.
	RoleOperator Role = "operator"
	// RoleReader may only read aggregates for its organizations.
	RoleReader Role = "reader"
)

// Principal is the caller on whose behalf an operation runs.
type Principal struct {
	Subject       string   `yaml:"subject" json:"subject"`
	Role          Role     `yaml:"role" json:"role"`
	Organizations []string `yaml:"organizations,omitempty" json:"organizations,omitempty"`
}

// System is the principal of scheduled runs and local CLI commands.
func System() Principal {
	return Principal{Subject: "system", Role: RoleAdmin}
}

func (p Principal) member(organizationID string) bool {
	return slices.Contains(p.Organizations, organizationID)
}

// CanTriggerRun reports whether p may start or cancel a run restricted to
// organizationID. An empty organizationID is a platform-wide run, which only
// admins may trigger.
func (p Principal) CanTriggerRun(organizationID string) error {
	switch {
	case p.Role == RoleAdmin:
		return nil
	case p.Role == RoleOperator && organizationID != "" && p.member(organizationID):
		return nil
	}
	if organizationID == "" {
		return fmt.Errorf("%s may not trigger platform-wide runs: %w", p.Subject, ErrForbidden)
	}
	return fmt.Errorf("%s may not trigger runs for %s: %w", p.Subject, organizationID, ErrForbidden)
}

// CanEnqueue reports whether p may enqueue analysis of a unit whose owner
// belongs to the given organizations.
func (p Principal) CanEnqueue(organizations []string) error {
	if p.Role == RoleAdmin {
		return nil
	}
	if p.Role == RoleOperator {
		for _, org := range organizations {
			if p.member(org) {
				return nil
			}
		}
	}
	return fmt.Errorf("%s may not enqueue this unit: %w", p.Subject, ErrForbidden)
}

// Membership resolves which organizations a person or group belongs to.
type Membership interface {
	OrganizationsOfPerson(personID string) ([]string, error)
	OrganizationsOfGroup(groupID string) ([]string, error)
}

// CanRead reports whether p may read the aggregate of a scope. The platform
// aggregate is readable by every principal; other scopes need a shared
// organization.
func (p Principal) CanRead(level storage.Level, scopeID string, m Membership) error {
	if p.Role == RoleAdmin || level == storage.LevelPlatform {
		return nil
	}
	var orgs []string
	var err error
	switch level {
	case storage.LevelOrganization:
		orgs = []string{scopeID}
	case storage.LevelGroup:
		orgs, err = m.OrganizationsOfGroup(scopeID)
	case storage.LevelPerson:
		orgs, err = m.OrganizationsOfPerson(scopeID)
	}
	if err != nil {
		return fmt.Errorf("resolving organizations of %s %s: %w", level, scopeID, err)
	}
	for _, org := range orgs {
		if p.member(org) {
			return nil
		}
	}
	return fmt.Errorf("%s may not read %s %s: %w", p.Subject, level, scopeID, ErrForbidden)
}

// Tokens maps bearer tokens to principals.
type Tokens struct {
	entries []tokenEntry
}

type tokenEntry struct {
	token     []byte
	principal Principal
}

// NewTokens builds a token table. Empty tokens are ignored.
func NewTokens(tokens map[string]Principal) *Tokens {
	t := &Tokens{}
	for tok, p := range tokens {
		if tok == "" {
			continue
		}
		t.entries = append(t.entries, tokenEntry{token: []byte(tok), principal: p})
	}
	return t
}

// Lookup returns the principal of a token. Every entry is compared in
// constant time.
func (t *Tokens) Lookup(token string) (Principal, bool) {
	var found Principal
	ok := false
	for _, e := range t.entries {
		if subtle.ConstantTimeCompare(e.token, []byte(token)) == 1 {
			found, ok = e.principal, true
		}
	}
	return found, ok
}

// Len reports how many tokens are configured.
func (t *Tokens) Len() int {
	return len(t.entries)
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal attached to ctx.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
