// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	gomlxcli "github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/segan/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// progressBar holds a progressbar being displayed.
type progressBar struct {
	metricNames      []string
	lastStepReported int
	bar              *progressbar.ProgressBar

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

func (pBar *progressBar) onStart(loop *train.Loop) error {
	pBar.lastStepReported = loop.LoopStep
	pBar.isFirstOutput = true
	pBar.bar = progressbar.NewOptions(loop.EndStep-loop.StartStep,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates(loop)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, metrics []float32) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := loop.LoopStep + 1 - pBar.lastStepReported // +1 because the current LoopStep is finished.
	if amount <= 0 {
		return nil
	}
	update := progressBarUpdate{
		amount:  amount,
		step:    fmt.Sprintf("%s of %s", FormatInt(loop.LoopStep), FormatInt(loop.EndStep)),
		metrics: make([]string, len(metrics)),
	}
	for ii, value := range metrics {
		update.metrics[ii] = fmt.Sprintf("%.4g", value)
	}
	pBar.updates <- update
	pBar.lastStepReported = loop.LoopStep + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ []float32) error {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
	return nil
}

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "segan.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount  int
	step    string
	metrics []string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// drawUpdates asynchronously draws updates: this is handy if the training is faster than the terminal,
// in particular if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) drawUpdates(loop *train.Loop) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Step", update.step)
		pBar.statsTable.Row("Median train step duration", gomlxcli.FormatDuration(loop.MedianTrainStepDuration()))
		numRows := 2
		for ii, value := range update.metrics {
			name := fmt.Sprintf("metric #%d", ii)
			if ii < len(pBar.metricNames) {
				name = pBar.metricNames[ii]
			}
			pBar.statsTable.Row(name, value)
			numRows++
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
			numRows++
		}

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(numRows + 2 + 2)
		}
		pBar.isFirstOutput = false

		// Print update.
		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run, it will display a progress bar with progression and metrics.
//
// The metricNames are the names of the metrics returned by the Stepper, in order.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, metricNames []string, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		metricNames:    metricNames,
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable:     newStatsTable(),
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// At least 1000 times during the loop or at least every 3 seconds.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
