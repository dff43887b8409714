// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"os"
	"sort"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Names of the hyperparameters stored in the context.
const (
	ParamDataDir           = "data_dir"
	ParamDataList          = "data_list"
	ParamImageSize         = "img_size"
	ParamRandomScale       = "random_scale"
	ParamRandomMirror      = "random_mirror"
	ParamRandomCrop        = "random_crop"
	ParamIgnoreLabel       = "ignore_label"
	ParamIsValidation      = "is_val"
	ParamNumClasses        = "num_classes"
	ParamDiscriminator     = "d_name"
	ParamLambda            = "lambda"
	ParamBatchSize         = "batch_size"
	ParamNumSteps          = "num_steps"
	ParamSavePredEvery     = "save_pred_every"
	ParamSummaryEvery      = "summary_every"
	ParamRandomSeed        = "random_seed"
	ParamSaveNumImages     = "save_num_images"
	ParamRestoreFrom       = "restore_from"
	ParamBaseWeightFrom    = "baseweight_from"
	ParamFrozenWeightsFrom = "frozen_weights_from"
	ParamLogDir            = "log_dir"
	ParamTau               = "tau"
	ParamNumWorkers        = "num_workers"
	ParamQueueSize         = "queue_size"
	ParamCheckpointKeep    = "checkpoint_keep"
	ParamSynthetic         = "synthetic"
	ParamProgressBar       = "progress_bar"

	// ParamGeneratorFilters and ParamDiscriminatorFilters configure the width of the models.
	ParamGeneratorFilters     = "generator_filters"
	ParamDiscriminatorFilters = "discriminator_filters"

	// ParamDownsample is the factor by which the generator score map is smaller than the images.
	ParamDownsample = "downsample"

	// ParamLearningRatePower is the power of the polynomial decay of the learning rate.
	ParamLearningRatePower = "power"

	// ParamMomentum is the momentum coefficient of both optimizers.
	ParamMomentum = "momentum"

	// ParamLeakyReluAlpha is the negative slope of the "leaky_relu" activation of the discriminators.
	ParamLeakyReluAlpha = "leaky_relu_alpha"
)

// CreateDefaultContext returns a context with all hyperparameters set to their default values.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamDataDir:           "~/work/VOCdevkit",
		ParamDataList:          "~/work/VOCdevkit/train.txt",
		ParamImageSize:         []int{321, 321},
		ParamRandomScale:       true,
		ParamRandomMirror:      true,
		ParamRandomCrop:        true,
		ParamIgnoreLabel:       255,
		ParamIsValidation:      false,
		ParamNumClasses:        21,
		ParamDiscriminator:     "disc_add_vgg",
		ParamLambda:            0.1,
		ParamBatchSize:         10,
		ParamNumSteps:          20000,
		ParamSavePredEvery:     1000,
		ParamSummaryEvery:      50,
		ParamRandomSeed:        1234,
		ParamSaveNumImages:     2,
		ParamRestoreFrom:       "~/work/segan/checkpoints",
		ParamBaseWeightFrom:    "",
		ParamFrozenWeightsFrom: "",
		ParamLogDir:            "~/work/segan/logs",
		ParamTau:               0.9,
		ParamNumWorkers:        4,
		ParamQueueSize:         8,
		ParamCheckpointKeep:    2,
		ParamSynthetic:         false,
		ParamProgressBar:       false,

		optimizers.ParamLearningRate: 2.5e-4,
		ParamLearningRatePower:       0.9,
		ParamMomentum:                MomentumDefaultCoefficient,

		ParamGeneratorFilters:       []int{16, 32},
		ParamDiscriminatorFilters:   []int{16, 32},
		ParamDownsample:             2,
		activations.ParamActivation: "leaky_relu",
		ParamLeakyReluAlpha:         0.2,
	})
	return ctx
}

// LoadConfigFile reads a YAML file with hyperparameters ("key: value" pairs, keys being the parameter
// names) and sets them in the context. Keys must be already known in ctx (see CreateDefaultContext),
// and values are converted to the type of the default value.
//
// It returns the list of parameters set.
func LoadConfigFile(ctx *context.Context, configPath string) ([]string, error) {
	configPath, err := fsutil.ReplaceTildeInDir(configPath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", configPath)
	}
	var settings map[string]yaml.Node
	if err = yaml.Unmarshal(contents, &settings); err != nil {
		return nil, errors.Wrapf(err, "failed to parse YAML config file %q", configPath)
	}
	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var paramsSet []string
	for _, key := range keys {
		node := settings[key]
		value, err := decodeConfigValue(ctx, key, &node)
		if err != nil {
			return nil, errors.WithMessagef(err, "config file %q", configPath)
		}
		ctx.InAbsPath(context.RootScope).SetParam(key, value)
		paramsSet = append(paramsSet, key)
	}
	return paramsSet, nil
}

// decodeConfigValue decodes node into the type of the default value of key.
func decodeConfigValue(ctx *context.Context, key string, node *yaml.Node) (any, error) {
	defaultValue, found := ctx.InAbsPath(context.RootScope).GetParam(key)
	if !found {
		return nil, errors.Errorf("unknown parameter %q", key)
	}
	var err error
	switch defaultValue.(type) {
	case int:
		var v int
		err = node.Decode(&v)
		return v, errors.Wrapf(err, "parameter %q", key)
	case float64:
		var v float64
		err = node.Decode(&v)
		return v, errors.Wrapf(err, "parameter %q", key)
	case bool:
		var v bool
		err = node.Decode(&v)
		return v, errors.Wrapf(err, "parameter %q", key)
	case string:
		var v string
		err = node.Decode(&v)
		return v, errors.Wrapf(err, "parameter %q", key)
	case []int:
		var v []int
		err = node.Decode(&v)
		return v, errors.Wrapf(err, "parameter %q", key)
	default:
		return nil, errors.Errorf("parameter %q has unsupported type %T", key, defaultValue)
	}
}

// ConfigureContext applies the configuration file (if configPath is not empty) and then the settings
// (in the format of commandline.ParseContextSettings) to ctx. It returns the list of parameters set.
func ConfigureContext(ctx *context.Context, configPath, settings string) ([]string, error) {
	var paramsSet []string
	if configPath != "" {
		var err error
		paramsSet, err = LoadConfigFile(ctx, configPath)
		if err != nil {
			return nil, err
		}
	}
	settingsSet, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return nil, err
	}
	return append(paramsSet, settingsSet...), nil
}

// Config holds the hyperparameters read from the context, with the paths already expanded.
type Config struct {
	DataDir, DataList             string
	Height, Width                 int
	RandomScale, RandomMirror     bool
	RandomCrop, IsValidation      bool
	IgnoreLabel, NumClasses       int
	Discriminator                 DiscriminatorVariant
	DiscriminatorName             string
	Lambda, Tau                   float64
	LearningRate, Power, Momentum float64
	BatchSize, NumSteps           int
	SavePredEvery, SummaryEvery   int
	RandomSeed                    int64
	SaveNumImages                 int
	RestoreFrom, BaseWeightFrom   string
	FrozenWeightsFrom, LogDir     string
	NumWorkers, QueueSize         int
	CheckpointKeep                int
	Synthetic, ProgressBar        bool
}

// ConfigFromContext reads and validates the configuration from the context hyperparameters.
func ConfigFromContext(ctx *context.Context) (*Config, error) {
	cfg := &Config{
		RandomScale:    context.GetParamOr(ctx, ParamRandomScale, true),
		RandomMirror:   context.GetParamOr(ctx, ParamRandomMirror, true),
		RandomCrop:     context.GetParamOr(ctx, ParamRandomCrop, true),
		IsValidation:   context.GetParamOr(ctx, ParamIsValidation, false),
		IgnoreLabel:    context.GetParamOr(ctx, ParamIgnoreLabel, 255),
		NumClasses:     context.GetParamOr(ctx, ParamNumClasses, 21),
		Lambda:         context.GetParamOr(ctx, ParamLambda, 0.1),
		Tau:            context.GetParamOr(ctx, ParamTau, DefaultTau),
		LearningRate:   context.GetParamOr(ctx, optimizers.ParamLearningRate, 2.5e-4),
		Power:          context.GetParamOr(ctx, ParamLearningRatePower, 0.9),
		Momentum:       context.GetParamOr(ctx, ParamMomentum, MomentumDefaultCoefficient),
		BatchSize:      context.GetParamOr(ctx, ParamBatchSize, 10),
		NumSteps:       context.GetParamOr(ctx, ParamNumSteps, 20000),
		SavePredEvery:  context.GetParamOr(ctx, ParamSavePredEvery, 1000),
		SummaryEvery:   context.GetParamOr(ctx, ParamSummaryEvery, 50),
		RandomSeed:     int64(context.GetParamOr(ctx, ParamRandomSeed, 1234)),
		SaveNumImages:  context.GetParamOr(ctx, ParamSaveNumImages, 2),
		NumWorkers:     context.GetParamOr(ctx, ParamNumWorkers, 4),
		QueueSize:      context.GetParamOr(ctx, ParamQueueSize, 8),
		CheckpointKeep: context.GetParamOr(ctx, ParamCheckpointKeep, 2),
		Synthetic:      context.GetParamOr(ctx, ParamSynthetic, false),
		ProgressBar:    context.GetParamOr(ctx, ParamProgressBar, false),
	}
	var err error
	cfg.DiscriminatorName = context.GetParamOr(ctx, ParamDiscriminator, "disc")
	cfg.Discriminator, err = ParseDiscriminatorVariant(cfg.DiscriminatorName)
	if err != nil {
		return nil, err
	}
	imgSize := context.GetParamOr(ctx, ParamImageSize, []int{321, 321})
	if len(imgSize) != 2 || imgSize[0] <= 0 || imgSize[1] <= 0 {
		return nil, errors.Errorf("parameter %q must be two positive values (height, width), got %v", ParamImageSize, imgSize)
	}
	cfg.Height, cfg.Width = imgSize[0], imgSize[1]

	paths := []struct {
		param string
		dst   *string
	}{
		{ParamDataDir, &cfg.DataDir},
		{ParamDataList, &cfg.DataList},
		{ParamRestoreFrom, &cfg.RestoreFrom},
		{ParamBaseWeightFrom, &cfg.BaseWeightFrom},
		{ParamFrozenWeightsFrom, &cfg.FrozenWeightsFrom},
		{ParamLogDir, &cfg.LogDir},
	}
	for _, p := range paths {
		if *p.dst, err = fsutil.ReplaceTildeInDir(context.GetParamOr(ctx, p.param, "")); err != nil {
			return nil, errors.WithMessagef(err, "parameter %q", p.param)
		}
	}

	switch {
	case cfg.NumClasses < 2:
		return nil, errors.Errorf("parameter %q must be >= 2, got %d", ParamNumClasses, cfg.NumClasses)
	case cfg.NumSteps <= 0 || cfg.BatchSize <= 0:
		return nil, errors.Errorf("parameters %q and %q must be > 0", ParamNumSteps, ParamBatchSize)
	case cfg.SavePredEvery <= 0 || cfg.SummaryEvery <= 0:
		return nil, errors.Errorf("parameters %q and %q must be > 0", ParamSavePredEvery, ParamSummaryEvery)
	case cfg.Tau < 0 || cfg.Tau > 1:
		return nil, errors.Errorf("parameter %q must be in [0, 1], got %g", ParamTau, cfg.Tau)
	case cfg.RestoreFrom == "":
		return nil, errors.Errorf("parameter %q (checkpoint directory) must be set", ParamRestoreFrom)
	}
	return cfg, nil
}
