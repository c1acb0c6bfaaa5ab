// ABOUTME: run subcommand: executes one pipeline in-process and reports progress as log lines or a TUI.
// ABOUTME: Prints the final step's output on success and exits non-zero when the pipeline fails.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/2389-research/stepwise/events"
	"github.com/2389-research/stepwise/logging"
	"github.com/2389-research/stepwise/pipeline"
	"github.com/2389-research/stepwise/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var useTUI bool
	cmd := &cobra.Command{
		Use:   "run <pipeline-id>",
		Short: "Run a pipeline to completion in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			p, err := st.GetPipelineWithSteps(cmd.Context(), id)
			if err != nil {
				return err
			}

			// log lines would tear the alternate screen
			logger := opts.logger
			if useTUI {
				logger = logging.Discard()
			}
			rt, err := newRuntime(opts.cfg, st, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sub := rt.broker.Subscribe(id)
			var runErr error
			if useTUI {
				runErr = runWithTUI(ctx, p, rt, sub)
			} else {
				runErr = runWithLog(ctx, cmd.ErrOrStderr(), p, rt, sub)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			closeErr := rt.Close(shutdownCtx)
			if runErr != nil {
				return runErr
			}
			if closeErr != nil {
				return closeErr
			}

			final, err := st.GetPipelineWithSteps(context.Background(), id)
			if err != nil {
				return err
			}
			return reportOutcome(cmd.OutOrStdout(), final)
		},
	}
	cmd.Flags().BoolVar(&useTUI, "tui", false, "Show an interactive terminal UI while the pipeline runs")
	return cmd
}

func runWithLog(ctx context.Context, w io.Writer, p *pipeline.Pipeline, rt *runtime, sub *events.Subscription) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(w, p, sub.C)
	}()
	err := rt.exec.Run(ctx, p.ID)
	sub.Close()
	<-done
	return err
}

func runWithTUI(ctx context.Context, p *pipeline.Pipeline, rt *runtime, sub *events.Subscription) error {
	defer sub.Close()
	model := tui.NewAppModel(ctx, p, rt.exec, sub.C)
	prog := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := prog.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	if am, ok := final.(tui.AppModel); ok {
		return am.Err()
	}
	return nil
}

// printEvents writes one line per event until ch closes.
func printEvents(w io.Writer, p *pipeline.Pipeline, ch <-chan events.Event) {
	labels := make(map[string]string, len(p.Steps))
	steps := append([]pipeline.Step(nil), p.Steps...)
	pipeline.SortSteps(steps)
	for i, s := range steps {
		labels[s.ID] = fmt.Sprintf("step %d (%s)", i+1, s.Model)
	}
	for evt := range ch {
		fmt.Fprintln(w, describeEvent(evt, labels))
	}
}

func describeEvent(evt events.Event, labels map[string]string) string {
	ts := evt.Timestamp.Local().Format("15:04:05")
	switch pl := evt.Payload.(type) {
	case events.PipelineStatus:
		return fmt.Sprintf("[%s] pipeline %s", ts, pl.Status)
	case events.StepStatus:
		label, ok := labels[pl.ID]
		if !ok {
			label = "step " + pl.ID
		}
		line := fmt.Sprintf("[%s] %s %s", ts, label, pl.Status)
		switch {
		case pl.Error != nil:
			line += ": " + oneLine(*pl.Error)
		case pl.Output != nil && pl.Status != pipeline.StatusCompleted:
			line += ": " + oneLine(*pl.Output)
		}
		return line
	default:
		return fmt.Sprintf("[%s] %s", ts, evt.Topic)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// reportOutcome prints the last step's output for a completed pipeline and
// turns a failed pipeline into an error.
func reportOutcome(w io.Writer, p *pipeline.Pipeline) error {
	if p.Status == pipeline.StatusFailed {
		for _, s := range p.Steps {
			if s.Status == pipeline.StatusFailed {
				return fmt.Errorf("pipeline %s failed at step %d (%s): %s", p.ID, s.Order, s.Model, s.ErrorLog)
			}
		}
		return fmt.Errorf("pipeline %s failed", p.ID)
	}
	if n := len(p.Steps); n > 0 {
		fmt.Fprintln(w, strings.TrimRight(p.Steps[n-1].OutputContent, "\n"))
	}
	return nil
}
