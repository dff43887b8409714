// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// MomentumDefaultCoefficient is the default momentum coefficient.
const MomentumDefaultCoefficient = 0.9

// AccumulatorSuffix is appended to the name of a variable to name its momentum accumulator.
const AccumulatorSuffix = "_momentum"

// Momentum is a momentum optimizer restricted to a fixed set of variables, so the generator and the
// discriminator can be trained by separate instances on the same context.
//
// It follows the classic formulation (TensorFlow's tf.train.MomentumOptimizer):
//
//	accumulator = momentum * accumulator + gradient
//	variable -= learningRate * accumulator
//
// The accumulators are stored under "/optimizers/<name>/<variable scope>".
type Momentum struct {
	name     string
	momentum float64
	vars     []*context.Variable
}

// NewMomentum creates a momentum optimizer named name for vars. It panics if name is empty or has a
// scope separator, or if momentum is negative.
func NewMomentum(name string, momentum float64, vars []*context.Variable) *Momentum {
	if name == "" || strings.Contains(name, context.ScopeSeparator) {
		exceptions.Panicf("NewMomentum(%q): name must be non-empty and cannot contain %q", name, context.ScopeSeparator)
	}
	if momentum < 0 {
		exceptions.Panicf("NewMomentum(%q, %g): momentum cannot be negative", name, momentum)
	}
	return &Momentum{name: name, momentum: momentum, vars: vars}
}

// Name of the optimizer.
func (m *Momentum) Name() string { return m.name }

// Variables updated by the optimizer.
func (m *Momentum) Variables() []*context.Variable { return m.vars }

// UpdateGraph builds the update of the variables to minimize loss, a scalar. learningRate is a scalar
// node, usually fed at each step.
func (m *Momentum) UpdateGraph(ctx *context.Context, loss, learningRate *Node) {
	loss.AssertScalar()
	learningRate.AssertScalar()
	g := loss.Graph()
	nodes := make([]*Node, len(m.vars))
	for ii, v := range m.vars {
		if !v.Trainable {
			exceptions.Panicf("optimizer %q asked to update non-trainable variable %q", m.name, v.ScopeAndName())
		}
		nodes[ii] = v.ValueGraph(g)
	}
	grads := Gradient(loss, nodes...)
	for ii, v := range m.vars {
		accumulatorVar := m.accumulatorVar(ctx, v)
		grad := grads[ii]
		accumulator := Add(MulScalar(accumulatorVar.ValueGraph(g), m.momentum), grad)
		accumulatorVar.SetValueGraph(accumulator)
		lr := ConvertDType(learningRate, grad.DType())
		updated := Sub(nodes[ii], Mul(lr, accumulator))
		v.SetValueGraph(optimizers.ClipNaNsInUpdates(ctx, nodes[ii], updated))
	}
}

// CreateSlots creates the accumulators of the variables (zero initialized), if they don't exist yet. It
// returns them in the order of the variables.
//
// Slots are otherwise created at the first update: creating them earlier allows them to be restored from a
// checkpoint.
func (m *Momentum) CreateSlots(ctx *context.Context) []*context.Variable {
	slots := make([]*context.Variable, len(m.vars))
	for ii, v := range m.vars {
		slots[ii] = m.accumulatorVar(ctx, v)
	}
	return slots
}

// accumulatorVar returns the slot variable for v, created with zeros at the first call.
func (m *Momentum) accumulatorVar(ctx *context.Context, v *context.Variable) *context.Variable {
	scope := context.RootScope + optimizers.Scope + context.ScopeSeparator + m.name
	if varScope := strings.TrimPrefix(v.Scope(), context.ScopeSeparator); varScope != "" {
		scope += context.ScopeSeparator + varScope
	}
	slotCtx := ctx.InAbsPath(scope).Checked(false).WithInitializer(initializers.Zero)
	return slotCtx.VariableWithShape(v.Name()+AccumulatorSuffix, v.Shape()).SetTrainable(false)
}
