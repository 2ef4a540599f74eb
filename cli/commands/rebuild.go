package commands

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/cli/styles"
	"github.com/access-news/cqrs/cli/ui"
)

func newRebuildCommand(a *app) *cobra.Command {
	var (
		force      bool
		keepState  bool
		toPosition uint64
	)

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild projected state by replaying the event log",
		Long: `Clear the state store and replay every event in append order. The
projector checkpoint is set to the last replayed position.

Stop any running 'cqrs project' first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			rt, release, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer release()

			projector := rt.NewProjector()

			if !force && interactive(out) {
				var confirmed bool
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewConfirm().
							Title(fmt.Sprintf("Rebuild projector '%s'?", projector.Name())).
							Description("This will delete all projected state and replay from the beginning").
							Value(&confirmed),
					),
				).WithTheme(huh.ThemeDracula())

				if err := form.Run(); err != nil {
					return err
				}
				if !confirmed {
					fmt.Fprintln(out, styles.FormatInfo("Cancelled"))
					return nil
				}
			}

			rebuilder := rt.NewRebuilder()
			opts := cqrs.RebuildOptions{ClearState: !keepState, ToPosition: toPosition}

			if !interactive(out) {
				var last cqrs.RebuildProgress
				opts.ProgressCallback = func(p cqrs.RebuildProgress) { last = p }
				err := rebuilder.Rebuild(ctx, projector, opts)
				if err != nil {
					last.Completed, last.Error = true, err
				}
				fmt.Fprint(out, progressView(projector.Name(), last))
				return err
			}

			return runRebuild(ctx, cmd, rebuilder, projector, opts)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation")
	cmd.Flags().BoolVar(&keepState, "keep-state", false, "Replay over the existing state instead of clearing it")
	cmd.Flags().Uint64Var(&toPosition, "to", 0, "Stop after this global position (0: end of log)")

	return cmd
}

func progressView(projector string, p cqrs.RebuildProgress) string {
	m, _ := ui.NewRebuild(projector).Update(ui.RebuildProgressMsg(p))
	return m.View()
}

func runRebuild(ctx context.Context, cmd *cobra.Command, rebuilder *cqrs.Rebuilder, projector *cqrs.Projector, opts cqrs.RebuildOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(ui.NewRebuild(projector.Name()), tea.WithOutput(cmd.OutOrStdout()))
	opts.ProgressCallback = func(progress cqrs.RebuildProgress) {
		p.Send(ui.RebuildProgressMsg(progress))
	}

	done := make(chan error, 1)
	go func() {
		err := rebuilder.Rebuild(ctx, projector, opts)
		if err != nil {
			p.Send(ui.RebuildProgressMsg{ProjectionName: projector.Name(), Completed: true, Error: err})
		}
		done <- err
	}()

	model, err := p.Run()
	if err != nil {
		return err
	}
	if model.(ui.RebuildModel).Cancelled() {
		cancel()
	}
	return <-done
}
