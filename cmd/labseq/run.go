package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	"github.com/quantumlab/labseq/awg"
	"github.com/quantumlab/labseq/sequence"
	"github.com/quantumlab/labseq/trigger"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "execute one run of the configured plan and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		rep, err := runOnce(ctx, c, nil, spinnerObserver)
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), rep)
		return rep.Err()
	},
}

// observerFactory makes the observer that follows a run, with a function
// called once the run is over
type observerFactory func() (trigger.Observer, func(*sequence.Report))

// spinnerObserver shows a spinner whose message follows the run's transitions
func spinnerObserver() (trigger.Observer, func(*sequence.Report)) {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " running",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.WithError(err).Debug("no spinner")
		return trigger.ObserverFunc(func(trigger.Event) {}), func(*sequence.Report) {}
	}
	if err := spinner.Start(); err != nil {
		log.WithError(err).Debug("no spinner")
	}
	obs := trigger.ObserverFunc(func(e trigger.Event) {
		spinner.Message(e.Source + " " + e.State)
	})
	done := func(rep *sequence.Report) {
		spinner.StopMessage(rep.Status.String())
		spinner.StopFailMessage(rep.Status.String())
		if rep.Err() != nil {
			spinner.StopFail()
			return
		}
		spinner.Stop()
	}
	return obs, done
}

// runOnce opens every instrument, executes the plan once and closes them
// again.  Mock instruments are kept in mocks when it is not nil.
func runOnce(ctx context.Context, c Config, mocks map[string]*awg.MockInstrument, follow observerFactory) (*sequence.Report, error) {
	plan, err := buildPlan(c)
	if err != nil {
		return nil, err
	}
	reg := buildRegistry(c, mocks)
	sessions, err := openSessions(c, reg)
	if err != nil {
		return nil, err
	}
	defer closeSessions(sessions, reg)

	opts := []sequence.Option{sequence.WithSink(buildRecorder(c))}
	var done func(*sequence.Report)
	if follow != nil {
		var obs trigger.Observer
		obs, done = follow()
		opts = append(opts, sequence.WithObserver(obs))
	}
	rep := sequence.NewRunner(sessions, opts...).Run(ctx, plan)
	if done != nil {
		done(rep)
	}
	return rep, nil
}

// printReport writes a coloured summary of rep to w
func printReport(w io.Writer, rep *sequence.Report) {
	status := green
	switch rep.Status {
	case sequence.CompletedWithFrameLosses:
		status = yellow
	case sequence.AbortedBeforeTrigger:
		status = red
	}
	status.Fprintf(w, "%s", rep.Status)
	fmt.Fprintf(w, " run %s in %s\n", rep.RunID, rep.Finished.Sub(rep.Started).Round(time.Millisecond))
	if rep.Error != "" {
		red.Fprintf(w, "  %s\n", rep.Error)
	}
	for _, ch := range rep.Channels {
		fmt.Fprintf(w, "  %-10s %-12s %6d pts  crc %04x  %s\n", ch.Channel, ch.Column, ch.Points, ch.Checksum, ch.State)
	}
	for _, r := range rep.Repetitions {
		cyan.Fprintf(w, "  repetition %d\n", r.Index)
		for _, cam := range r.Cameras {
			line := fmt.Sprintf("    %-10s %d/%d frames", cam.Camera, len(cam.Frames), cam.Planned)
			if cam.Lost() > 0 {
				yellow.Fprintln(w, line)
				for _, fr := range cam.Records {
					if !fr.OK {
						yellow.Fprintf(w, "      frame %d: %s\n", fr.Index, fr.Error)
					}
				}
				continue
			}
			fmt.Fprintln(w, line)
		}
	}
}
