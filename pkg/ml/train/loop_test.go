// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStepper struct {
	steps   []int
	failAt  int
	panicAt int
	nanAt   int
}

func (s *fakeStepper) TrainStep(loopStep int) ([]float32, error) {
	if loopStep == s.panicAt {
		exceptions.Panicf("panic at step %d", loopStep)
	}
	s.steps = append(s.steps, loopStep)
	if loopStep == s.nanAt {
		return []float32{float32(math.NaN())}, nil
	}
	return []float32{float32(loopStep)}, nil
}

func newFakeStepper() *fakeStepper { return &fakeStepper{failAt: -1, panicAt: -1, nanAt: -1} }

func TestLoopHooks(t *testing.T) {
	stepper := newFakeStepper()
	loop := NewLoop(stepper)
	var order []string
	var multiples, nTimes []int
	loop.OnStart("start", 0, func(loop *Loop) error {
		order = append(order, "start")
		return nil
	})
	loop.OnStep("second", 10, func(loop *Loop, metrics []float32) error {
		order = append(order, "second")
		return nil
	})
	loop.OnStep("first", -1, func(loop *Loop, metrics []float32) error {
		order = append(order, "first")
		return nil
	})
	AtMultiplesOfN(loop, 5, false, true, "multiples", 0, func(loop *Loop, metrics []float32) error {
		multiples = append(multiples, loop.LoopStep)
		return nil
	})
	NTimesDuringLoop(loop, 3, "ntimes", 0, func(loop *Loop, metrics []float32) error {
		nTimes = append(nTimes, loop.LoopStep)
		return nil
	})
	var endStep int
	loop.OnEnd("end", 0, func(loop *Loop, metrics []float32) error {
		endStep = loop.LoopStep
		order = append(order, "end")
		return nil
	})

	metrics, err := loop.RunSteps(12)
	require.NoError(t, err)
	assert.Equal(t, []float32{11}, metrics)
	assert.Len(t, stepper.steps, 12)
	assert.Equal(t, []string{"start", "first", "second"}, order[:3])
	assert.Equal(t, "end", order[len(order)-1])
	assert.Equal(t, 11, endStep)
	assert.Equal(t, 12, loop.LoopStep)
	assert.Equal(t, []int{5, 10, 11}, multiples)
	assert.Len(t, nTimes, 3)
	assert.Equal(t, 11, nTimes[2])
	assert.Len(t, loop.TrainStepDurations, 12)

	// A second run continues from step 12.
	_, err = loop.RunSteps(3)
	require.NoError(t, err)
	assert.Equal(t, []int{12, 13, 14}, stepper.steps[12:])
}

func TestLoopErrors(t *testing.T) {
	stepper := newFakeStepper()
	stepper.panicAt = 2
	_, err := NewLoop(stepper).RunSteps(5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic at step 2")

	stepper = newFakeStepper()
	stepper.nanAt = 1
	_, err = NewLoop(stepper).RunSteps(5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NaN")
	assert.Equal(t, []int{0, 1}, stepper.steps)
}
