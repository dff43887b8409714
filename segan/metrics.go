// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segan

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"gonum.org/v1/gonum/floats"
)

// StreamingMetric is a metric accumulated in variables of the context across training iterations, until
// it is reset.
type StreamingMetric interface {
	metrics.Interface

	// Read the current value of the metric from its variables in ctx.
	Read(ctx *context.Context) float64

	// Variables holding the state of the metric, nil if the metric was never updated.
	Variables(ctx *context.Context) []*context.Variable
}

// metricScope returns the context where the state of the metric named name is stored.
func metricScope(ctx *context.Context, name string) *context.Context {
	return ctx.Checked(false).InAbsPath(context.RootScope).In(metrics.Scope).In(name).
		WithInitializer(initializers.Zero)
}

// accumulator returns the float64 variable named name in the metric scope, creating it with zeros.
func accumulator(ctx *context.Context, name string, dims ...int) *context.Variable {
	return ctx.VariableWithShape(name, shapes.Make(dtypes.Float64, dims...)).SetTrainable(false)
}

// existingVariables returns the variables with the given names in ctx scope, skipping the ones not created.
func existingVariables(ctx *context.Context, names ...string) []*context.Variable {
	var vars []*context.Variable
	for _, name := range names {
		if v := ctx.GetVariableByScopeAndName(ctx.Scope(), name); v != nil {
			vars = append(vars, v)
		}
	}
	return vars
}

func resetVariables(vars []*context.Variable) {
	for _, v := range vars {
		v.MustSetValue(tensors.FromShape(v.Shape()))
	}
}

func prettyPrintFloat(value *tensors.Tensor) string {
	return fmt.Sprintf("%.3f", tensors.ToScalar[float64](value))
}

// lossMean is the mean of a scalar loss, each update weighting 1.
type lossMean struct {
	name string
}

var _ StreamingMetric = (*lossMean)(nil)

func (m *lossMean) Name() string { return m.name }
func (m *lossMean) ShortName() string { return m.name }
func (m *lossMean) ScopeName() string { return m.name }
func (m *lossMean) MetricType() string { return metrics.LossMetricType }
func (m *lossMean) PrettyPrint(value *tensors.Tensor) string { return prettyPrintFloat(value) }

// UpdateGraph adds predictions[0], a scalar, to the mean. It returns the updated mean.
func (m *lossMean) UpdateGraph(ctx *context.Context, _, predictions []*Node) *Node {
	value := predictions[0]
	value.AssertScalar()
	g := value.Graph()
	ctx = metricScope(ctx, m.ScopeName())
	totalVar, countVar := accumulator(ctx, "total"), accumulator(ctx, "count")
	total := Add(totalVar.ValueGraph(g), ConvertDType(value, dtypes.Float64))
	count := OnePlus(countVar.ValueGraph(g))
	totalVar.SetValueGraph(total)
	countVar.SetValueGraph(count)
	return Div(total, count)
}

func (m *lossMean) Variables(ctx *context.Context) []*context.Variable {
	return existingVariables(metricScope(ctx, m.ScopeName()), "total", "count")
}

func (m *lossMean) Read(ctx *context.Context) float64 {
	vars := m.Variables(ctx)
	if len(vars) != 2 {
		return math.NaN()
	}
	return tensors.ToScalar[float64](vars[0].MustValue()) / tensors.ToScalar[float64](vars[1].MustValue())
}

func (m *lossMean) Reset(ctx *context.Context) { resetVariables(m.Variables(ctx)) }

// pixelAccuracy is the fraction of the pixels not ignored whose argmax prediction matches the label.
type pixelAccuracy struct {
	name       string
	numClasses int
}

var _ StreamingMetric = (*pixelAccuracy)(nil)

func (m *pixelAccuracy) Name() string { return m.name }
func (m *pixelAccuracy) ShortName() string { return "acc" }
func (m *pixelAccuracy) ScopeName() string { return m.name }
func (m *pixelAccuracy) MetricType() string { return metrics.AccuracyMetricType }
func (m *pixelAccuracy) PrettyPrint(value *tensors.Tensor) string { return prettyPrintFloat(value) }

// UpdateGraph takes the labels (int32, `[batch, height, width]`) and the logits of the score map. It returns
// the updated accuracy.
func (m *pixelAccuracy) UpdateGraph(ctx *context.Context, labels, predictions []*Node) *Node {
	g := labels[0].Graph()
	mask := LossMask(labels[0], m.numClasses)
	hits := LogicalAnd(mask, Equal(Predictions(predictions[0]), labels[0]))
	ctx = metricScope(ctx, m.ScopeName())
	correctVar, totalVar := accumulator(ctx, "correct"), accumulator(ctx, "total")
	correct := Add(correctVar.ValueGraph(g), ReduceAllSum(ConvertDType(hits, dtypes.Float64)))
	total := Add(totalVar.ValueGraph(g), ReduceAllSum(ConvertDType(mask, dtypes.Float64)))
	correctVar.SetValueGraph(correct)
	totalVar.SetValueGraph(total)
	return Div(correct, total)
}

func (m *pixelAccuracy) Variables(ctx *context.Context) []*context.Variable {
	return existingVariables(metricScope(ctx, m.ScopeName()), "correct", "total")
}

func (m *pixelAccuracy) Read(ctx *context.Context) float64 {
	vars := m.Variables(ctx)
	if len(vars) != 2 {
		return math.NaN()
	}
	return tensors.ToScalar[float64](vars[0].MustValue()) / tensors.ToScalar[float64](vars[1].MustValue())
}

func (m *pixelAccuracy) Reset(ctx *context.Context) { resetVariables(m.Variables(ctx)) }

// meanIoU accumulates the confusion matrix of the pixels not ignored, and reads the mean
// intersection-over-union across classes.
//
// The IoU of a class is `TP / (TP + FP + FN)`. Classes that never appear in the labels nor in the
// predictions are not included in the mean.
type meanIoU struct {
	name       string
	numClasses int
}

var _ StreamingMetric = (*meanIoU)(nil)

func (m *meanIoU) Name() string { return m.name }
func (m *meanIoU) ShortName() string { return m.name }
func (m *meanIoU) ScopeName() string { return m.name }
func (m *meanIoU) MetricType() string { return metrics.AccuracyMetricType }
func (m *meanIoU) PrettyPrint(value *tensors.Tensor) string { return prettyPrintFloat(value) }

// UpdateGraph takes the labels (int32, `[batch, height, width]`) and the logits of the score map. It
// returns the updated confusion matrix, indexed `[label, prediction]`.
func (m *meanIoU) UpdateGraph(ctx *context.Context, labels, predictions []*Node) *Node {
	g := labels[0].Graph()
	n := m.numClasses
	mask := ExpandAxes(ConvertDType(LossMask(labels[0], n), dtypes.Float64), -1)
	trueOneHot := Reshape(ClassMask(labels[0], n, dtypes.Float64), -1, n)
	predOneHot := OneHot(Predictions(predictions[0]), n, dtypes.Float64)
	predOneHot = Reshape(Mul(predOneHot, BroadcastToDims(mask, predOneHot.Shape().Dimensions...)), -1, n)
	ctx = metricScope(ctx, m.ScopeName())
	confusionVar := accumulator(ctx, "confusion", n, n)
	confusion := Add(confusionVar.ValueGraph(g), Einsum("pi,pj->ij", trueOneHot, predOneHot))
	confusionVar.SetValueGraph(confusion)
	return confusion
}

func (m *meanIoU) Variables(ctx *context.Context) []*context.Variable {
	return existingVariables(metricScope(ctx, m.ScopeName()), "confusion")
}

func (m *meanIoU) Read(ctx *context.Context) float64 {
	vars := m.Variables(ctx)
	if len(vars) != 1 {
		return math.NaN()
	}
	return MeanIoUFromConfusion(tensors.MustCopyFlatData[float64](vars[0].MustValue()), m.numClasses)
}

func (m *meanIoU) Reset(ctx *context.Context) { resetVariables(m.Variables(ctx)) }

// MeanIoUFromConfusion returns the mean IoU of the flat confusion matrix, indexed
// `[label*numClasses + prediction]`. It is NaN if no class was seen.
func MeanIoUFromConfusion(confusion []float64, numClasses int) float64 {
	n := numClasses
	ious := make([]float64, 0, n)
	for class := range n {
		rowSum := floats.Sum(confusion[class*n : (class+1)*n])
		var colSum float64
		for label := range n {
			colSum += confusion[label*n+class]
		}
		tp := confusion[class*n+class]
		if denominator := rowSum + colSum - tp; denominator > 0 {
			ious = append(ious, tp/denominator)
		}
	}
	if len(ious) == 0 {
		return math.NaN()
	}
	return floats.Sum(ious) / float64(len(ious))
}

// TrainMetrics are the streaming metrics tracked during training: the mean of each of the four losses,
// the pixel accuracy and the mean IoU. They are all advanced together by UpdateGraph, at every inner
// iteration, and reset after each summary.
type TrainMetrics struct {
	list []StreamingMetric
}

// NewTrainMetrics returns the training metrics for numClasses classes.
func NewTrainMetrics(numClasses int) *TrainMetrics {
	tm := &TrainMetrics{}
	for _, name := range LossNames {
		tm.list = append(tm.list, &lossMean{name: name})
	}
	tm.list = append(tm.list,
		&pixelAccuracy{name: MetricAccuracy, numClasses: numClasses},
		&meanIoU{name: MetricMeanIoU, numClasses: numClasses})
	return tm
}

// Names of the metrics, in the order they are reported.
func (tm *TrainMetrics) Names() []string {
	names := make([]string, len(tm.list))
	for ii, m := range tm.list {
		names[ii] = m.Name()
	}
	return names
}

// UpdateGraph updates all metrics with the losses of a forward pass, and the labels and logits of its
// score map.
func (tm *TrainMetrics) UpdateGraph(ctx *context.Context, l Losses, labels, logits *Node) {
	values := map[string]*Node{
		LossGenerator:            l.Generator,
		LossDiscriminator:        l.Discriminator,
		LossSupervised:           l.Supervised,
		LossGeneratorAdversarial: l.GeneratorAdversarial,
	}
	for _, m := range tm.list {
		if value, found := values[m.Name()]; found {
			m.UpdateGraph(ctx, nil, []*Node{value})
		} else {
			m.UpdateGraph(ctx, []*Node{labels}, []*Node{logits})
		}
	}
}

// Snapshot returns the current values of the metrics, keyed by their names.
func (tm *TrainMetrics) Snapshot(ctx *context.Context) map[string]float64 {
	snapshot := make(map[string]float64, len(tm.list))
	for _, m := range tm.list {
		snapshot[m.Name()] = m.Read(ctx)
	}
	return snapshot
}

// Reset all metrics.
func (tm *TrainMetrics) Reset(ctx *context.Context) {
	for _, m := range tm.list {
		m.Reset(ctx)
	}
}

// Variables holding the state of the metrics. They are not saved in the checkpoints.
func (tm *TrainMetrics) Variables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	for _, m := range tm.list {
		vars = append(vars, m.Variables(ctx)...)
	}
	return vars
}
