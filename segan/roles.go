// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// GraphParamRoles is the graph parameter holding the *Roles registry of the graph being built. Model
// builders record the variables they create in it. Graphs without it record nothing.
const GraphParamRoles = "segan_roles"

// Roles records the role of each variable of the model, in creation order.
//
// Variables are tagged when they are created: Track runs a model builder and tags every variable that
// didn't exist before it ran. Tracks can be nested, and the innermost role wins. A nil *Roles records
// nothing.
type Roles struct {
	roles map[*context.Variable]Role
	order []*context.Variable
}

// NewRoles creates an empty registry.
func NewRoles() *Roles {
	return &Roles{roles: make(map[*context.Variable]Role)}
}

// RolesOf returns the registry attached to the graph g with ctx.SetGraphParam(g, GraphParamRoles, roles),
// or nil.
func RolesOf(ctx *context.Context, g *Graph) *Roles {
	return context.GetGraphParamOr[*Roles](ctx, g, GraphParamRoles, nil)
}

// Track calls build and tags with role every variable of ctx created by it.
func (r *Roles) Track(ctx *context.Context, role Role, build func()) {
	if r == nil {
		build()
		return
	}
	existing := make(map[*context.Variable]bool, ctx.NumVariables())
	for v := range ctx.IterVariables() {
		existing[v] = true
	}
	build()
	for v := range ctx.IterVariables() {
		if !existing[v] {
			r.Set(v, role)
		}
	}
}

// Set the role of v. It's a no-op if v already has a role.
func (r *Roles) Set(v *context.Variable, role Role) {
	if _, found := r.roles[v]; found {
		return
	}
	r.roles[v] = role
	r.order = append(r.order, v)
}

// Get returns the role of v, and whether it was recorded.
func (r *Roles) Get(v *context.Variable) (Role, bool) {
	role, found := r.roles[v]
	return role, found
}

// With returns the variables with the given role, in creation order.
func (r *Roles) With(role Role) []*context.Variable {
	var vars []*context.Variable
	for _, v := range r.order {
		if r.roles[v] == role {
			vars = append(vars, v)
		}
	}
	return vars
}

// All returns the variables recorded, in creation order.
func (r *Roles) All() []*context.Variable {
	return append([]*context.Variable(nil), r.order...)
}

// Len is the number of variables recorded.
func (r *Roles) Len() int { return len(r.order) }

// ScopeRole returns the role of the variables saved under scope, for readers of checkpoints, where the
// Roles registry is not available. Scopes outside the model and the optimizers have no role.
func ScopeRole(scope string) (Role, bool) {
	inScope := func(prefix string) bool {
		return scope == prefix || strings.HasPrefix(scope, prefix+context.ScopeSeparator)
	}
	switch {
	case inScope(context.RootScope + optimizers.Scope):
		return RoleOptimizer, true
	case inScope(context.RootScope + DiscriminatorScope + context.ScopeSeparator + FrozenFeatureScope):
		return RoleFrozenFeature, true
	case inScope(context.RootScope + DiscriminatorScope):
		return RoleDiscriminator, true
	case inScope(context.RootScope + GeneratorScope):
		return RoleGenerator, true
	}
	return "", false
}
