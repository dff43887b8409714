// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// segan_checkpoints reports on the checkpoints saved by segan: global step, hyperparameters, variables
// per role with statistics of their values, and the latest values of the scalar summaries.
//
// Usage:
//
//	segan_checkpoints -summary -vars ~/work/segan/checkpoints
//	segan_checkpoints -scalars ~/work/segan/logs -plot losses.svg ~/work/segan/checkpoints
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", true, "Display a summary of the latest checkpoint: global step and sizes per role.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters saved with the latest checkpoint.")
	flagVars    = flag.Bool("vars", false, "Lists the variables of the latest checkpoint, with statistics of their values.")
	flagRole    = flag.String("role", "", "Comma-separated list of roles to include in -vars. Empty for all.")
	flagScalars = flag.String("scalars", "", "Summary directory (segan's log_dir) to report the latest scalars from.")
	flagPlot    = flag.String("plot", "", "If set with -scalars, plots the scalars to this file (the extension sets the format).")
	flagNames   = flag.String("names", "", "Comma-separated list of scalar names for -scalars and -plot. Empty for all.")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one checkpoint directory to read from, got %d. See 'segan_checkpoints -help'", len(args))
		os.Exit(1)
	}
	checkpointPath := must.M1(fsutil.ReplaceTildeInDir(args[0]))
	ctx, baseName := must.M2(LoadCheckpoint(checkpointPath))

	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		fmt.Println(SummaryTable(checkpointPath, baseName, ctx).Render())
	}
	if *flagParams {
		fmt.Println(titleStyle.Render("Hyperparameters"))
		fmt.Println(ParamsTable(ctx).Render())
	}
	if *flagVars {
		fmt.Println(titleStyle.Render("Variables"))
		fmt.Println(VariablesTable(ctx, splitList(*flagRole)).Render())
	}
	if *flagScalars != "" {
		must.M(reportScalars(*flagScalars, splitList(*flagNames), *flagPlot))
	}
}

func splitList(list string) []string {
	if list == "" {
		return nil
	}
	return strings.Split(list, ",")
}
