// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMomentum(t *testing.T) {
	ctx := context.New()
	x := ctx.In("model").VariableWithValue("x", []float32{1, 2})
	frozen := ctx.In("model").VariableWithValue("frozen", []float32{3}).SetTrainable(false)
	m := NewMomentum("test", 0.9, []*context.Variable{x})
	slots := m.CreateSlots(ctx)
	require.Len(t, slots, 1)
	assert.Equal(t, "/optimizers/test/model", slots[0].Scope())
	assert.Equal(t, "x"+AccumulatorSuffix, slots[0].Name())
	assert.False(t, slots[0].Trainable)

	// loss = sum(x²)/2, so the gradient is x.
	exec := context.MustNewExec(getBackend(), ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		loss := MulScalar(ReduceAllSum(Square(x.ValueGraph(g))), 0.5)
		m.UpdateGraph(ctx, loss, inputs[0])
		return []*Node{loss}
	})
	lr := tensors.FromScalar(float32(0.1))
	_ = exec.MustExec(lr)
	assert.InDeltaSlice(t, []float32{1, 2}, flat32(slots[0].MustValue()), 1e-6)
	assert.InDeltaSlice(t, []float32{0.9, 1.8}, flat32(x.MustValue()), 1e-6)
	_ = exec.MustExec(lr)
	assert.InDeltaSlice(t, []float32{1.8, 3.6}, flat32(slots[0].MustValue()), 1e-6)
	assert.InDeltaSlice(t, []float32{0.72, 1.44}, flat32(x.MustValue()), 1e-6)
	assert.Equal(t, []float32{3}, flat32(frozen.MustValue()))

	// Non-trainable variables can't be updated.
	bad := NewMomentum("bad", 0.9, []*context.Variable{frozen})
	assert.Panics(t, func() {
		_ = execGraph(ctx.Reuse(), func(ctx *context.Context, inputs []*Node) []*Node {
			loss := ReduceAllSum(frozen.ValueGraph(inputs[0].Graph()))
			bad.UpdateGraph(ctx, loss, inputs[0])
			return []*Node{loss}
		}, lr)
	})

	assert.Panics(t, func() { NewMomentum("", 0.9, nil) })
	assert.Panics(t, func() { NewMomentum("a/b", 0.9, nil) })
	assert.Panics(t, func() { NewMomentum("negative", -1, nil) })
}
