// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// segan trains a semantic segmentation network adversarially: a generator predicts per-pixel class
// scores and a discriminator learns to tell them apart from the (scaled) ground truth.
//
// Hyperparameters are set with -config (a YAML file) and -set ("param=value;..."), the latter taking
// precedence. Training resumes from the latest checkpoint in "restore_from", if there is one. Otherwise
// it starts from the pretrained weights in "baseweight_from" and "frozen_weights_from", which can be
// created with -init_pretrained.
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/segan/segan"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagConfig         = flag.String("config", "", "YAML file with hyperparameters (\"param: value\" entries), applied before -set.")
	flagPrintOnly      = flag.Bool("print_config", false, "Print the hyperparameters and exit without training.")
	flagInitPretrained = flag.Bool("init_pretrained", false, "Write freshly initialized weights to \"baseweight_from\" "+
		"and \"frozen_weights_from\", and exit without training.")
)

func main() {
	ctx := segan.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	paramsSet := must.M1(segan.ConfigureContext(ctx, *flagConfig, *settings))
	klog.V(1).Infof("Parameters set: %v", paramsSet)
	if *flagPrintOnly {
		fmt.Println(commandline.SprintContextSettings(ctx))
		return
	}

	cfg := must.M1(segan.ConfigFromContext(ctx))
	if *flagInitPretrained {
		must.M(segan.InitPretrained(ctx, cfg))
		klog.Flush()
		return
	}
	ds := must.M1(segan.NewDataset(cfg))
	klog.Infof("Training on %s", ds.Name())
	must.M(segan.Train(ctx, ds))
	klog.Flush()
}
