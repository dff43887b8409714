// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"math"

	"github.com/gomlx/exceptions"
)

// DiscriminatorLRFactor multiplies the learning rate of the discriminator optimizer.
const DiscriminatorLRFactor = 100.0

// DiscriminatorSteps returns the number of discriminator updates at the (0-based) outer step of the loop:
// 5 during the first 5 steps, 1 afterwards.
func DiscriminatorSteps(step int) int {
	if step < 5 {
		return 5
	}
	return 1
}

// GeneratorSteps returns the number of generator updates at the (0-based) outer step of the loop:
// 1 up to step 500, 5 afterwards.
func GeneratorSteps(step int) int {
	if step > 500 {
		return 5
	}
	return 1
}

// Schedule returns the learning rate for a given step. The step is always supplied by the caller, schedules
// don't keep any internal counter.
type Schedule func(step int64) float64

// PolynomialDecay returns the schedule `baseLR * (1 - step/totalSteps)^power`.
//
// Steps are clamped to [0, totalSteps], so the learning rate reaches 0 at totalSteps and stays there.
func PolynomialDecay(baseLR float64, totalSteps int64, power float64) Schedule {
	if totalSteps <= 0 {
		exceptions.Panicf("PolynomialDecay(totalSteps=%d): totalSteps must be > 0", totalSteps)
	}
	if power <= 0 {
		exceptions.Panicf("PolynomialDecay(power=%g): power must be > 0", power)
	}
	return func(step int64) float64 {
		step = max(0, min(step, totalSteps))
		return baseLR * math.Pow(1.0-float64(step)/float64(totalSteps), power)
	}
}

// LearningRate returns the learning rate schedule: polynomial decay of the base learning rate over
// cfg.NumSteps. It is evaluated on the absolute step (previously trained steps included).
func LearningRate(cfg *Config) Schedule {
	return PolynomialDecay(cfg.LearningRate, int64(cfg.NumSteps), cfg.Power)
}
