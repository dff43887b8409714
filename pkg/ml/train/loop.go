// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds the training loop (Loop) and its hooks. Training summaries are written by the
// summary subpackage.
package train

import (
	"iter"
	"math"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Stepper is implemented by the trainers driven by Loop: TrainStep executes the step loopStep and
// returns the metrics of the step. By convention the first metric is the loss, and it's checked for
// NaN/Inf by the loop.
type Stepper interface {
	TrainStep(loopStep int) (metrics []float32, err error)
}

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, metrics []float32) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, metrics []float32) error

// Loop runs a training loop, invoking Stepper.TrainStep every step, and calling the appropriate hooks.
//
// It also converts errors thrown with `panic` during a step, and returns them instead as normal errors.
//
// By itself it doesn't do much, but one can attach functionality to it, like checkpointing, summaries,
// progress bars, etc.
//
// The public attributes are meant for reading only, don't change them.
type Loop struct {
	// Stepper driven by the loop.
	Stepper Stepper

	// LoopStep currently being executed.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run.
	StartStep int

	// EndStep is one-past the last step to be executed.
	EndStep int

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for the stepper. LoopStep starts at 0, and consecutive calls to
// RunSteps continue from where the previous one stopped.
func NewLoop(stepper Stepper) *Loop {
	return &Loop{
		Stepper: stepper,
		onStart: newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:  newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:   newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// RunSteps runs the given number of steps, starting from the current LoopStep. It returns the metrics
// of the last step.
func (loop *Loop) RunSteps(steps int) (metrics []float32, err error) {
	if steps <= 0 {
		return nil, nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	if err = loop.start(); err != nil {
		return nil, err
	}
	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		metrics, err = loop.step()
		if err != nil {
			return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainStep(LoopStep=%d)", steps, loop.LoopStep)
		}
	}
	// Leave LoopStep at the last executed step, so OnEnd hooks can report it.
	loop.LoopStep = loop.EndStep - 1
	if err = loop.end(metrics); err != nil {
		return nil, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	loop.LoopStep = loop.EndStep
	return metrics, nil
}

// start of loop: it calls the OnStart hooks.
func (loop *Loop) start() error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step executes one training step and calls the OnStep hooks.
func (loop *Loop) step() (metrics []float32, err error) {
	startTime := time.Now()
	err = exceptions.TryCatch[error](func() {
		metrics, err = loop.Stepper.TrainStep(loop.LoopStep)
	})
	if err != nil {
		return nil, err
	}
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))

	for hook := range loop.onStep.All() {
		if err = hook.fn(loop, metrics); err != nil {
			return nil, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	if len(metrics) > 0 {
		loss := float64(metrics[0])
		if math.IsNaN(loss) {
			return nil, errors.Errorf("batch loss is NaN, training interrupted")
		}
		if math.IsInf(loss, 0) {
			return nil, errors.Errorf("batch loss is infinity (%f), training interrupted", loss)
		}
	}
	return metrics, nil
}

// end of loop: it calls the OnEnd hooks.
func (loop *Loop) end(metrics []float32) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, metrics); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// IsLastStep returns whether the step being executed is the last one of the current run.
func (loop *Loop) IsLastStep() bool { return loop.LoopStep == loop.EndStep-1 }

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function fn is called after each Stepper.TrainStep.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last call to Stepper.TrainStep.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order, and insertion order within
// the same priority.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		priorities := make([]Priority, 0, len(h.hooks))
		for priority := range h.hooks {
			priorities = append(priorities, priority)
		}
		slices.Sort(priorities)
		for _, priority := range priorities {
			for _, hook := range h.hooks[priority] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
