// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"time"

	"github.com/gomlx/exceptions"
)

// AtMultiplesOfN registers a OnStep hook on the loop that is called when LoopStep is a multiple of n.
// Step 0 is only included if includeZero is set, and if includeLast is set fn is also called at the
// last step of the run.
func AtMultiplesOfN(loop *Loop, n int, includeZero, includeLast bool, name string, priority Priority, fn OnStepFn) {
	if n <= 0 {
		exceptions.Panicf("AtMultiplesOfN(n=%d): n must be > 0", n)
	}
	loop.OnStep(fmt.Sprintf("AtMultiplesOfN(%d): %s", n, name), priority, func(loop *Loop, metrics []float32) error {
		step := loop.LoopStep
		if (step%n == 0 && (step > 0 || includeZero)) || (includeLast && loop.IsLastStep()) {
			return fn(loop, metrics)
		}
		return nil
	})
}

// nTimes is used to implement NTimesDuringLoop.
type nTimes struct {
	n, nUsed int
	fn       OnStepFn
}

func (nT *nTimes) onStep(loop *Loop, metrics []float32) error {
	stepsDone := (loop.LoopStep - loop.StartStep) + 1 // Current LoopStep just finished.
	if !loop.IsLastStep() { // Last step is always included.
		totalSteps := loop.EndStep - loop.StartStep
		stepsPerCall := float64(totalSteps) / float64(nT.n)
		if stepsPerCall > 1 && float64(nT.nUsed) > float64(stepsDone)/stepsPerCall {
			return nil
		}
	}
	nT.nUsed++
	return nT.fn(loop, metrics)
}

// NTimesDuringLoop registers a OnStep hook on the loop that is called at most N times, split evenly
// across all steps. It always calls fn at the very last step.
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	nT := &nTimes{n: n, fn: fn}
	loop.OnStep(fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name), priority, nT.onStep)
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
}

func (p *periodicCallback) onStep(loop *Loop, metrics []float32) error {
	if !p.started {
		p.started = true
		p.last = time.Now()
		return nil
	}
	if time.Since(p.last) < p.period {
		return nil
	}
	err := p.fn(loop, metrics)
	p.last = time.Now()
	return err
}

// PeriodicCallback registers an OnStep hook on the loop that is called every period of time.
// The period counts after the execution of fn, so an expensive fn doesn't eat up the period.
//
// If callOnEnd is set, it will also call at the end of the loop.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{period: period, fn: fn}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(fullName, priority, p.onStep)
	if callOnEnd {
		loop.OnEnd(fullName, priority, func(loop *Loop, metrics []float32) error { return p.fn(loop, metrics) })
	}
}
