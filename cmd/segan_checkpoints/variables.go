// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/segan/segan"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// noRole is reported for the variables outside the model and optimizers, like the global step.
const noRole = "-"

// LoadCheckpoint loads the latest checkpoint of checkpointPath into a new context. It returns the context
// and the name of the checkpoint loaded.
func LoadCheckpoint(checkpointPath string) (*context.Context, string, error) {
	ctx := context.New()
	handler, err := checkpoints.Load(ctx).Dir(checkpointPath).Immediate().Done()
	if err != nil {
		return nil, "", err
	}
	names, err := handler.ListCheckpoints()
	if err != nil {
		return nil, "", err
	}
	if len(names) == 0 {
		return nil, "", errors.Errorf("no checkpoints in %q", checkpointPath)
	}
	return ctx, names[len(names)-1], nil
}

func roleOf(v *context.Variable) string {
	if role, found := segan.ScopeRole(v.Scope()); found {
		return string(role)
	}
	return noRole
}

// SummaryTable reports the global step and the number of variables and parameters per role.
func SummaryTable(checkpointPath, baseName string, ctx *context.Context) *Table {
	table := newTable(nil, lipgloss.Right, lipgloss.Left)
	table.Row(false, "checkpoint", checkpointPath)
	table.Row(false, "latest", baseName)

	type roleSizes struct{ numVars, numParams int }
	perRole := make(map[string]*roleSizes)
	var numVars, totalParams int
	var totalMemory uintptr
	for v := range ctx.IterVariables() {
		role := roleOf(v)
		sizes, found := perRole[role]
		if !found {
			sizes = &roleSizes{}
			perRole[role] = sizes
		}
		size := v.Shape().Size()
		sizes.numVars++
		sizes.numParams += size
		numVars++
		totalParams += size
		totalMemory += v.Shape().Memory()
	}
	table.Row(false, "global_step", humanize.Comma(optimizers.GetGlobalStep(ctx)))
	roles := make([]string, 0, len(perRole))
	for role := range perRole {
		roles = append(roles, role)
	}
	slices.Sort(roles)
	for _, role := range roles {
		sizes := perRole[role]
		table.Row(false, fmt.Sprintf("role %q", role), fmt.Sprintf("%s variables, %s parameters",
			humanize.Comma(int64(sizes.numVars)), humanize.Comma(int64(sizes.numParams))))
	}
	table.Row(false, "# variables", humanize.Comma(int64(numVars)))
	table.Row(false, "# parameters", humanize.Comma(int64(totalParams)))
	table.Row(false, "# bytes", humanize.Bytes(uint64(totalMemory)))
	return table
}

// ParamsTable lists the hyperparameters saved with the checkpoint, sorted by scope and key.
func ParamsTable(ctx *context.Context) *Table {
	table := newTable([]string{"Scope", "Name", "Type", "Value"})
	var rows [][]string
	ctx.EnumerateParams(func(scope, key string, value any) {
		rows = append(rows, []string{scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(false, row...)
	}
	return table
}

// VariablesTable lists the variables with the given roles (all if roles is empty), sorted by scope and
// name, with the mean, standard deviation and max absolute value of their values. Variables holding
// non-finite values are highlighted.
func VariablesTable(ctx *context.Context, roles []string) *Table {
	table := newTable([]string{"Scope", "Name", "Role", "Shape", "Size", "Mean", "StdDev", "MaxAV"},
		lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	var vars []*context.Variable
	for v := range ctx.IterVariables() {
		if len(roles) == 0 || slices.Contains(roles, roleOf(v)) {
			vars = append(vars, v)
		}
	}
	slices.SortFunc(vars, func(a, b *context.Variable) int {
		return strings.Compare(a.ScopeAndName(), b.ScopeAndName())
	})
	for _, v := range vars {
		mean, stdDev, maxAV := valueStats(v.MustValue())
		isRed := math.IsNaN(mean) || math.IsInf(mean, 0) || math.IsNaN(maxAV) || math.IsInf(maxAV, 0)
		table.Row(isRed, v.Scope(), v.Name(), roleOf(v),
			fmt.Sprintf("%v", v.Shape().Dimensions), humanize.Comma(int64(v.Shape().Size())),
			fmt.Sprintf("%.3g", mean), fmt.Sprintf("%.3g", stdDev), fmt.Sprintf("%.3g", maxAV))
	}
	return table
}

// valueStats returns the mean, (population) standard deviation and max absolute value of the tensor.
// They are NaN for empty tensors or non-numeric dtypes.
func valueStats(value *tensors.Tensor) (mean, stdDev, maxAV float64) {
	values := asFloat64s(value)
	if len(values) == 0 {
		return math.NaN(), math.NaN(), math.NaN()
	}
	mean, variance := stat.PopMeanVariance(values, nil)
	maxAV = math.Max(math.Abs(floats.Max(values)), math.Abs(floats.Min(values)))
	return mean, math.Sqrt(variance), maxAV
}

func asFloat64s(value *tensors.Tensor) []float64 {
	switch value.DType() {
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](value)
	case dtypes.Float32:
		return convertFlat(tensors.MustCopyFlatData[float32](value), func(v float32) float64 { return float64(v) })
	case dtypes.Float16:
		return convertFlat(tensors.MustCopyFlatData[float16.Float16](value), func(v float16.Float16) float64 { return float64(v.Float32()) })
	case dtypes.Int64:
		return convertFlat(tensors.MustCopyFlatData[int64](value), func(v int64) float64 { return float64(v) })
	case dtypes.Int32:
		return convertFlat(tensors.MustCopyFlatData[int32](value), func(v int32) float64 { return float64(v) })
	}
	return nil
}

func convertFlat[T any](flat []T, fn func(T) float64) []float64 {
	converted := make([]float64, len(flat))
	for ii, v := range flat {
		converted[ii] = fn(v)
	}
	return converted
}
