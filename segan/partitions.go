// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Partitions of the variables of the model, as used to restore and train them.
type Partitions struct {
	// GeneratorRestorable are the variables loaded from the pretrained generator when bootstrapping.
	GeneratorRestorable []*context.Variable

	// FrozenFeature are the variables loaded from the pretrained feature extractor when bootstrapping.
	FrozenFeature []*context.Variable

	// GeneratorTrainable are updated by the generator optimizer.
	GeneratorTrainable []*context.Variable

	// DiscriminatorTrainable are updated by the discriminator optimizer.
	DiscriminatorTrainable []*context.Variable
}

// NewPartitions splits the variables recorded in roles when the model was built.
func NewPartitions(roles *Roles) *Partitions {
	p := &Partitions{
		GeneratorRestorable: roles.With(RoleGenerator),
		FrozenFeature:       roles.With(RoleFrozenFeature),
	}
	for _, v := range p.GeneratorRestorable {
		if v.Trainable {
			p.GeneratorTrainable = append(p.GeneratorTrainable, v)
		}
	}
	for _, v := range roles.With(RoleDiscriminator) {
		if v.Trainable {
			p.DiscriminatorTrainable = append(p.DiscriminatorTrainable, v)
		}
	}
	return p
}

// Check verifies that the trainable partitions are disjoint, and together hold all the trainable
// variables of ctx.
func (p *Partitions) Check(ctx *context.Context) error {
	owner := make(map[*context.Variable]string)
	for _, set := range []struct {
		name string
		vars []*context.Variable
	}{
		{"generator", p.GeneratorTrainable},
		{"discriminator", p.DiscriminatorTrainable},
	} {
		for _, v := range set.vars {
			if previous, found := owner[v]; found {
				return errors.Errorf("variable %q is trainable by both the %s and the %s", v.ScopeAndName(), previous, set.name)
			}
			owner[v] = set.name
		}
	}
	for v := range ctx.IterVariables() {
		if _, found := owner[v]; v.Trainable && !found {
			return errors.Errorf("trainable variable %q is not trained by any optimizer", v.ScopeAndName())
		}
	}
	return nil
}
