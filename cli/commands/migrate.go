package commands

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/access-news/cqrs/cli/styles"
	"github.com/access-news/cqrs/cli/ui"
	"github.com/access-news/cqrs/config"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the event log, state and checkpoint tables",
		Long: `Create the tables the configured drivers need. Safe to run repeatedly.

The memory driver needs no schema; redis state needs none either.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, err := a.config()
			if err != nil {
				return err
			}
			if a.runtime == nil && cfg.Store.Driver == config.DriverMemory {
				fmt.Fprintln(out, styles.FormatInfo("Memory driver doesn't require migrations"))
				return nil
			}

			return runWithSpinner(cmd, "Applying "+cfg.Store.Driver+" schema...", func(ctx context.Context) (string, error) {
				rt, release, err := a.open(ctx)
				if err != nil {
					return "Migration failed", err
				}
				defer release()

				if err := rt.Store.Initialize(ctx); err != nil {
					return "Migration failed", err
				}
				if err := rt.Ping(ctx); err != nil {
					return "Schema applied but a backend is unreachable", err
				}
				return fmt.Sprintf("Schema ready (%s log, %s state)", rt.Config.Store.Driver, rt.Config.State.Driver), nil
			})
		},
	}
}

// runWithSpinner runs work, animating a spinner on terminals and printing
// the outcome otherwise.
func runWithSpinner(cmd *cobra.Command, message string, work func(ctx context.Context) (string, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	if !interactive(out) {
		result, err := work(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", result, err)
		}
		fmt.Fprintln(out, styles.FormatSuccess(result))
		return nil
	}

	p := tea.NewProgram(ui.NewSpinner(message, ui.SpinnerDots), tea.WithOutput(out), tea.WithContext(ctx))

	var workErr error
	go func() {
		result, err := work(ctx)
		workErr = err
		p.Send(ui.SpinnerDoneMsg{Result: result, Err: err})
	}()

	model, err := p.Run()
	if err != nil {
		return err
	}
	if model.(ui.SpinnerModel).Cancelled() {
		return context.Canceled
	}
	return workErr
}
