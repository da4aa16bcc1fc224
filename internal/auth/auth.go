// Package auth implements explicit capability checks. Every mutating operation
// receives a Capability describing who is calling and which roles it holds;
// there is no ambient access control.
package auth

import (
	"context"
	"fmt"
	"sort"

	"github.com/atmx/settlement-engine/internal/model"
)

// Role is a permission granted to a caller.
type Role string

const (
	RoleRegistrar  Role = "registrar"   // price pair registration
	RoleSettler    Role = "settler"     // fund credits, cancellations, proxy claims
	RolePurchaser  Role = "purchaser"   // vault intents
	RoleVenueAdmin Role = "venue-admin" // liquidity pools
)

// AllRoles lists every role.
var AllRoles = []Role{RoleRegistrar, RoleSettler, RolePurchaser, RoleVenueAdmin}

// Capability is the authorization token passed into each call.
type Capability struct {
	Subject model.Address
	Roles   map[Role]bool
}

// New builds a capability for subject holding roles.
func New(subject model.Address, roles ...Role) Capability {
	c := Capability{Subject: subject, Roles: make(map[Role]bool, len(roles))}
	for _, r := range roles {
		c.Roles[r] = true
	}
	return c
}

// System returns a capability holding every role, used for in-process wiring.
func System() Capability {
	return New("system", AllRoles...)
}

// Has reports whether the capability holds role.
func (c Capability) Has(role Role) bool {
	return c.Roles[role]
}

// RoleList returns the roles in sorted order.
func (c Capability) RoleList() []Role {
	out := make([]Role, 0, len(c.Roles))
	for r, ok := range c.Roles {
		if ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Require fails unless caller is identified and holds role.
func Require(caller Capability, role Role) error {
	if caller.Subject == "" {
		return fmt.Errorf("%w: missing subject", model.ErrInvalidCaller)
	}
	if !caller.Has(role) {
		return fmt.Errorf("%w: %s lacks role %s", model.ErrNotAllowed, caller.Subject, role)
	}
	return nil
}

// RequireSelfOr passes when the caller acts on its own behalf or holds role.
func RequireSelfOr(caller Capability, subject model.Address, role Role) error {
	if caller.Subject == "" {
		return fmt.Errorf("%w: missing subject", model.ErrInvalidCaller)
	}
	if caller.Subject == subject || caller.Has(role) {
		return nil
	}
	return fmt.Errorf("%w: %s may not act for %s", model.ErrNotAllowed, caller.Subject, subject)
}

type capabilityKey struct{}

// WithCapability stores caller in ctx.
func WithCapability(ctx context.Context, caller Capability) context.Context {
	return context.WithValue(ctx, capabilityKey{}, caller)
}

// FromContext returns the capability stored in ctx.
func FromContext(ctx context.Context) (Capability, bool) {
	caller, ok := ctx.Value(capabilityKey{}).(Capability)
	return caller, ok
}
