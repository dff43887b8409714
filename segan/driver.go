// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	stdcontext "context"
	"fmt"
	"image"
	"io"
	"os"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/segan/pkg/ml/data"
	"github.com/gomlx/segan/pkg/ml/train"
	"github.com/gomlx/segan/pkg/ml/train/summary"
	"github.com/gomlx/segan/ui/commandline"
	"github.com/gomlx/segan/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the scalars written to the summaries, in addition to the gradient diagnostics and the
// discriminator scores.
const (
	SummaryGeneratorLoss     = "g_loss_train"
	SummaryDiscriminatorLoss = "d_loss_train"
	SummarySupervisedLoss    = "mce_loss_train"
	SummaryAdversarialLoss   = "g_bce_loss_train"
	SummaryMeanIoU           = "iou_train"
	SummaryAccuracy          = "accuracy_train"
)

// Output is where the periodic loss report and the startup banner are printed.
var Output io.Writer = os.Stdout

// NewDataset creates the dataset configured: the synthetic one if cfg.Synthetic is set, otherwise the
// images listed in cfg.DataList.
func NewDataset(cfg *Config) (data.Dataset, error) {
	if cfg.Synthetic {
		return data.NewSyntheticDataset(cfg.Height, cfg.Width, cfg.BatchSize, cfg.NumClasses, cfg.IgnoreLabel, cfg.RandomSeed)
	}
	return data.NewImageReader(cfg.DataDir, cfg.DataList).
		ImageSize(cfg.Height, cfg.Width).
		BatchSize(cfg.BatchSize).
		RandomScale(cfg.RandomScale).
		RandomMirror(cfg.RandomMirror).
		RandomCrop(cfg.RandomCrop).
		IgnoreLabel(cfg.IgnoreLabel).
		Validation(cfg.IsValidation).
		Seed(cfg.RandomSeed).
		Done()
}

// Train the model configured in ctx (see CreateDefaultContext) on the dataset ds, which must be safe for
// concurrent use if cfg.NumWorkers > 0.
//
// It restores (or bootstraps) the variables with Reconcile, and runs num_steps steps. A checkpoint is
// saved every save_pred_every steps (not at step 0) and at the end. Every summary_every steps, and at
// the last one, the losses are printed and summaries are written (if log_dir is set), and the streaming
// metrics are reset.
//
// The background data workers are always stopped and joined before returning.
func Train(ctx *context.Context, ds data.Dataset) (err error) {
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		return err
	}
	ctx.SetRNGStateFromSeed(cfg.RandomSeed)
	printBanner(cfg)

	feed := ds
	if cfg.NumWorkers > 0 {
		pds := data.Parallel(ds).Workers(cfg.NumWorkers).Buffer(cfg.QueueSize).Start(stdcontext.Background())
		defer func() {
			if stopErr := pds.Stop(); stopErr != nil && err == nil {
				err = errors.WithMessage(stopErr, "data workers failed")
			}
		}()
		feed = pds
	}

	trainer, err := NewTrainer(ctx, cfg, feed)
	if err != nil {
		return err
	}
	result, err := Reconcile(trainer, cfg)
	if err != nil {
		return err
	}
	trainer.TrainedStep = result.TrainedStep
	klog.Infof("Variables initialized by %s, trained step %d: %d variables, %s parameters",
		result.Mode, result.TrainedStep, ctx.NumVariables(), commandline.FormatInt(ctx.NumParameters()))

	checkpoint, err := checkpoints.Build(ctx).Dir(cfg.RestoreFrom).Keep(cfg.CheckpointKeep).ExcludeAllParams().Done()
	if err != nil {
		return err
	}
	checkpoint.ExcludeVarsFromSaving(trainer.Metrics.Variables(ctx)...)
	var writer *summary.Writer
	if cfg.LogDir != "" {
		if writer, err = summary.NewWriter(cfg.LogDir); err != nil {
			return err
		}
		defer func() {
			if closeErr := writer.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}()
	}

	loop := train.NewLoop(trainer)
	train.AtMultiplesOfN(loop, cfg.SavePredEvery, false, false, "checkpoint", 0,
		func(_ *train.Loop, _ []float32) error {
			return checkpoint.Save()
		})
	train.AtMultiplesOfN(loop, cfg.SummaryEvery, true, true, "summary", 1,
		func(loop *train.Loop, _ []float32) error {
			return summarize(trainer, writer, cfg, trainer.AbsoluteStep(loop.LoopStep))
		})
	loop.OnEnd("final checkpoint", 0, func(_ *train.Loop, _ []float32) error {
		return checkpoint.Save()
	})
	if cfg.ProgressBar {
		commandline.AttachProgressBar(loop, StepMetricNames)
	}

	if _, err = loop.RunSteps(cfg.NumSteps); err != nil {
		return err
	}
	if writer != nil {
		lossNames := []string{SummaryGeneratorLoss, SummaryDiscriminatorLoss, SummarySupervisedLoss}
		if plotPath, plotErr := plots.Losses(writer.Dir(), lossNames); plotErr != nil {
			klog.Warningf("Failed to plot losses: %v", plotErr)
		} else {
			klog.Infof("Losses plotted to %q", plotPath)
		}
	}
	klog.Infof("Training finished at step %d", trainer.TrainedStep+int64(cfg.NumSteps))
	return nil
}

func printBanner(cfg *Config) {
	_, _ = fmt.Fprintf(Output, "d_model_name: %s\n", cfg.DiscriminatorName)
	_, _ = fmt.Fprintf(Output, "lambda: %g\n", cfg.Lambda)
	_, _ = fmt.Fprintf(Output, "learning_rate: %g\n", cfg.LearningRate)
	_, _ = fmt.Fprintf(Output, "is_val: %v\n", cfg.IsValidation)
	_, _ = fmt.Fprintln(Output, "---------------------------------")
}

// summarize prints the losses of the last generator iteration, writes the summaries of the step and
// resets the streaming metrics.
//
// The printed losses are the instantaneous values of the last iteration, not the streaming means: those
// are only written to the summaries.
func summarize(trainer *Trainer, writer *summary.Writer, cfg *Config, step int64) error {
	losses := trainer.LastLosses
	_, _ = fmt.Fprintf(Output, "step=%d d_loss=%g g_loss=%g mce_loss=%g g_bce_loss=%g\n", step,
		losses[LossDiscriminator], losses[LossGenerator], losses[LossSupervised], losses[LossGeneratorAdversarial])
	streaming := trainer.Metrics.Snapshot(trainer.ctx)
	if klog.V(1).Enabled() {
		klog.Infof("Metrics at step %d:\n%s", step, commandline.SprintMetricsTable(step, trainer.Metrics.Names(), streaming))
	}
	defer trainer.Metrics.Reset(trainer.ctx)
	if writer == nil {
		return nil
	}

	if err := writer.Scalars(step, SummaryScalars(trainer.LastDiagnostics, streaming)); err != nil {
		return err
	}
	return writer.Images(step, Triplets(trainer.Last, trainer.LastPredictions, cfg.SaveNumImages, cfg.NumClasses))
}

// SummaryScalars returns the scalars summarized at a step: the streaming metrics and the diagnostics of
// the last generator iteration (see Diagnostics), keyed by DiagnosticNames. The diagnostics include the
// discriminator scores, the input gradients, the gradient magnitudes of each loss over its partition and
// statistics of the variable values.
func SummaryScalars(diagnostics, streaming map[string]float64) map[string]float64 {
	scalars := make(map[string]float64, len(diagnostics)+6)
	for name, value := range diagnostics {
		scalars[name] = value
	}
	scalars[SummaryGeneratorLoss] = streaming[LossGenerator]
	scalars[SummaryDiscriminatorLoss] = streaming[LossDiscriminator]
	scalars[SummarySupervisedLoss] = streaming[LossSupervised]
	scalars[SummaryAdversarialLoss] = -streaming[LossGeneratorAdversarial]
	scalars[SummaryMeanIoU] = streaming[MetricMeanIoU]
	scalars[SummaryAccuracy] = streaming[MetricAccuracy]
	return scalars
}

// Triplets renders, for the first n examples of the batch, the image, the colorized ground truth and the
// colorized predictions (the argmax of the score map, see Predictions) side by side.
func Triplets(batch data.Batch, predictions *tensors.Tensor, n, numClasses int) []image.Image {
	n = min(n, batch.Labels.BatchSize)
	if n <= 0 || predictions == nil {
		return nil
	}
	height, width := batch.Labels.Height, batch.Labels.Width
	inputs := images.ToImage().MaxValue(255).Batch(data.NormalizedToRGB(batch.Images, 255))
	predicted := PredictLabels(predictions, height, width)
	palette := LabelPalette(numClasses)
	triplets := make([]image.Image, n)
	for ii := range n {
		triplets[ii] = summary.SideBySide(
			inputs[ii],
			ColorizeLabels(batch.Labels, ii, palette),
			ColorizeLabels(predicted, ii, palette))
	}
	return triplets
}
