// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package segan trains a semantic segmentation model adversarially: a generator produces per-pixel class
// scores, and a discriminator learns to tell the generator's (softmax) output from a "softened" version
// of the ground truth. The generator is trained with the supervised cross-entropy plus a term rewarding
// it for fooling the discriminator.
//
// The main entry points are CreateDefaultContext (hyperparameters), Reconcile (restore or bootstrap the
// variables) and Train.
package segan

// Role of a variable of the model. Partitions are built from the roles recorded in a Roles registry when
// the model is built, see NewPartitions.
type Role string

const (
	// RoleGenerator tags the variables of the generator.
	RoleGenerator Role = "generator"

	// RoleDiscriminator tags the trainable variables of the discriminator.
	RoleDiscriminator Role = "discriminator"

	// RoleFrozenFeature tags the variables of the pretrained feature extractor used by the richest
	// discriminator variant. They are loaded, but never trained.
	RoleFrozenFeature Role = "frozen_feature"

	// RoleOptimizer tags the slot variables of the optimizers.
	RoleOptimizer Role = "optimizer"
)

// Scopes of the sub-models.
const (
	GeneratorScope     = "generator"
	DiscriminatorScope = "discriminator"

	// FrozenFeatureScope is a sub-scope of DiscriminatorScope.
	FrozenFeatureScope = "image"
)

// Epsilon added to probabilities before taking their log.
const Epsilon = 1e-8

// DefaultTau is the default confidence threshold of the label scaling.
const DefaultTau = 0.9
