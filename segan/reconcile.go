// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReconcileMode is how the variables were initialized by Reconcile.
type ReconcileMode int

const (
	// Bootstrap loaded the pretrained generator and frozen feature extractor, the discriminator is
	// randomly initialized.
	Bootstrap ReconcileMode = iota

	// Resume loaded all variables from the joint checkpoint.
	Resume
)

// String implements fmt.Stringer.
func (m ReconcileMode) String() string {
	if m == Resume {
		return "Resume"
	}
	return "Bootstrap"
}

// ReconcileResult is returned by Reconcile.
type ReconcileResult struct {
	Mode ReconcileMode

	// TrainedStep is the step recovered from the checkpoint, 0 when bootstrapping.
	TrainedStep int64
}

// Reconcile initializes the variables created by the trainer t:
//
//   - Resume: if cfg.RestoreFrom has a checkpoint, the persistent variables (see
//     Trainer.PersistentVariables) are loaded from its latest checkpoint, and the global step stored
//     there is returned.
//   - Bootstrap: otherwise, the frozen feature extractor is loaded from cfg.FrozenWeightsFrom, and the
//     generator from cfg.BaseWeightFrom. A partition with variables but no source configured is an error.
//     The discriminator keeps its random initialization, and the step is 0.
//
// Loading is all-or-nothing: any variable missing from a source (or with a different shape) is an error,
// and no variable is changed.
func Reconcile(t *Trainer, cfg *Config) (ReconcileResult, error) {
	values, found, err := loadCheckpointValues(cfg.RestoreFrom, false)
	if err != nil {
		return ReconcileResult{}, errors.WithMessagef(err, "checking for checkpoint in %q", cfg.RestoreFrom)
	}
	root := t.ctx.InAbsPath(context.RootScope)
	if found {
		vars := t.PersistentVariables()
		if err := checkAll(vars, values); err != nil {
			return ReconcileResult{}, errors.WithMessagef(err, "resuming from %q", cfg.RestoreFrom)
		}
		setAll(vars, values)
		step := optimizers.GetGlobalStep(root)
		klog.Infof("Resumed %d variables from %q at step %d", len(vars), cfg.RestoreFrom, step)
		return ReconcileResult{Mode: Resume, TrainedStep: step}, nil
	}

	sources := []struct {
		name, param, dir string
		vars             []*context.Variable
	}{
		{"frozen feature extractor", ParamFrozenWeightsFrom, cfg.FrozenWeightsFrom, t.partitions.FrozenFeature},
		{"generator", ParamBaseWeightFrom, cfg.BaseWeightFrom, t.partitions.GeneratorRestorable},
	}
	for _, source := range sources {
		if len(source.vars) > 0 && source.dir == "" {
			return ReconcileResult{}, errors.Errorf("no checkpoint in %q and no pretrained weights for the %s (%d variables): set %q",
				cfg.RestoreFrom, source.name, len(source.vars), source.param)
		}
	}
	loaded := make([]map[string]*tensors.Tensor, len(sources))
	for ii, source := range sources {
		if len(source.vars) == 0 {
			continue
		}
		values, _, err := loadCheckpointValues(source.dir, true)
		if err != nil {
			return ReconcileResult{}, errors.WithMessagef(err, "loading the %s", source.name)
		}
		if err := checkAll(source.vars, values); err != nil {
			return ReconcileResult{}, errors.WithMessagef(err, "loading the %s from %q", source.name, source.dir)
		}
		loaded[ii] = values
	}
	for ii, source := range sources {
		if len(source.vars) == 0 {
			continue
		}
		setAll(source.vars, loaded[ii])
		klog.Infof("Loaded %d variables of the %s from %q", len(source.vars), source.name, source.dir)
	}
	optimizers.GetGlobalStepVar(root).MustSetValue(tensors.FromScalar(int64(0)))
	return ReconcileResult{Mode: Bootstrap}, nil
}

// loadCheckpointValues reads the variables of the latest checkpoint in dir, keyed by their parameter names
// (see context.Variable.ParameterName). If mustExist, a missing checkpoint is an error. Otherwise found
// reports whether there was one.
func loadCheckpointValues(dir string, mustExist bool) (values map[string]*tensors.Tensor, found bool, err error) {
	scratch := context.New()
	config := checkpoints.Build(scratch)
	if mustExist {
		config = checkpoints.Load(scratch)
	}
	handler, err := config.Dir(dir).ExcludeAllParams().Done()
	if err != nil {
		return nil, false, err
	}
	found, err = handler.HasCheckpoints()
	if err != nil || !found {
		return nil, false, err
	}
	return handler.LoadedVariables(), true, nil
}

// checkAll verifies that values has a value with the right shape for each variable of vars.
func checkAll(vars []*context.Variable, values map[string]*tensors.Tensor) error {
	for _, v := range vars {
		value, found := values[v.ParameterName()]
		if !found {
			return errors.Errorf("variable %q not found in checkpoint", v.ScopeAndName())
		}
		if !value.Shape().Equal(v.Shape()) {
			return errors.Errorf("variable %q has shape %s, checkpoint has %s", v.ScopeAndName(), v.Shape(), value.Shape())
		}
	}
	return nil
}

// setAll sets every variable of vars to its value in values, already verified by checkAll.
func setAll(vars []*context.Variable, values map[string]*tensors.Tensor) {
	for _, v := range vars {
		v.MustSetValue(values[v.ParameterName()])
	}
}

// SavePretrained writes a checkpoint to dir with the current values of vars only, as expected by
// Reconcile for the pretrained generator and feature extractor.
func SavePretrained(dir string, vars []*context.Variable) error {
	scratch := context.New().Checked(false)
	for _, v := range vars {
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "reading variable %q", v.ScopeAndName())
		}
		clone, err := value.LocalClone()
		if err != nil {
			return errors.WithMessagef(err, "copying variable %q", v.ScopeAndName())
		}
		scratch.InAbsPath(v.Scope()).VariableWithValue(v.Name(), clone).SetTrainable(v.Trainable)
	}
	handler, err := checkpoints.Build(scratch).Dir(dir).ExcludeAllParams().Done()
	if err != nil {
		return err
	}
	return handler.Save()
}

// InitPretrained writes freshly initialized pretrained weights for the model configured in ctx: the
// generator to cfg.BaseWeightFrom and the frozen feature extractor to cfg.FrozenWeightsFrom (if the
// discriminator variant has one). It's used to bootstrap a training without an externally trained model.
//
// ctx must not hold the model variables. It's only used to create them.
func InitPretrained(ctx *context.Context, cfg *Config) error {
	t, err := NewTrainer(ctx, cfg, nil)
	if err != nil {
		return err
	}
	sets := []struct {
		name, param, dir string
		vars             []*context.Variable
	}{
		{"generator", ParamBaseWeightFrom, cfg.BaseWeightFrom, t.partitions.GeneratorRestorable},
		{"frozen feature extractor", ParamFrozenWeightsFrom, cfg.FrozenWeightsFrom, t.partitions.FrozenFeature},
	}
	for _, set := range sets {
		if len(set.vars) == 0 {
			continue
		}
		if set.dir == "" {
			return errors.Errorf("parameter %q must be set to save the %s", set.param, set.name)
		}
		if err := SavePretrained(set.dir, set.vars); err != nil {
			return errors.WithMessagef(err, "saving the %s to %q", set.name, set.dir)
		}
		klog.Infof("Saved %d variables of the %s to %q", len(set.vars), set.name, set.dir)
	}
	return nil
}
