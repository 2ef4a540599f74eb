package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/access-news/cqrs/cli/styles"
	"github.com/access-news/cqrs/cli/ui"
)

// CheckStatus represents the status of a status check
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

func (s CheckStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "pending"
	default:
		return "failed"
	}
}

// CheckResult represents the result of a status check
type CheckResult struct {
	Name           string
	Status         CheckStatus
	Message        string
	Recommendation string
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"doctor"},
		Short:   "Check backends and how far the projector and relay trail the log",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			rt, release, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			results := runChecks(cmd.Context(), rt)

			fmt.Fprintln(out, styles.Title.Render(styles.IconDatabase+" "+rt.Config.Project.Name))
			tbl := ui.NewTable("Check", "Status", "Detail")
			healthy := true
			for _, r := range results {
				tbl.AddRow(r.Name, ui.StatusBadge(r.Status.String()), r.Message)
				if r.Status != StatusOK {
					healthy = false
				}
			}
			fmt.Fprintln(out, tbl.Render())
			fmt.Fprintln(out)

			if healthy {
				fmt.Fprintln(out, styles.FormatSuccess("All checks passed"))
				return nil
			}

			fmt.Fprintln(out, styles.FormatWarning("Some checks failed or have warnings."))
			for _, r := range results {
				if r.Recommendation != "" {
					fmt.Fprintf(out, "  %s %s\n", styles.IconArrow, r.Recommendation)
				}
			}
			return nil
		},
	}
}

func runChecks(ctx context.Context, rt *Runtime) []CheckResult {
	results := []CheckResult{checkBackends(ctx, rt)}

	head, err := rt.Store.GetLastPosition(ctx)
	if err != nil {
		return append(results, CheckResult{
			Name:    "Event log",
			Status:  StatusError,
			Message: err.Error(),
		})
	}
	results = append(results, CheckResult{
		Name:    "Event log",
		Status:  StatusOK,
		Message: fmt.Sprintf("head at position %d", head),
	})

	results = append(results, checkCheckpoint(ctx, rt, "Projector "+rt.Config.Projector.Name, rt.Config.Projector.Name, head,
		"Run "+styles.Code.Render("cqrs project")+" to catch up"))

	if rt.Config.Relay.Enabled() {
		results = append(results, checkCheckpoint(ctx, rt, "Relay "+rt.Config.Relay.Name, rt.Config.Relay.Name, head,
			"Run "+styles.Code.Render("cqrs project --relay")+" to publish pending events"))
	}
	return results
}

func checkBackends(ctx context.Context, rt *Runtime) CheckResult {
	result := CheckResult{Name: "Backends"}
	if err := rt.Ping(ctx); err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		result.Recommendation = "Check store.url and state.url in your config"
		return result
	}
	result.Message = fmt.Sprintf("%s log, %s state", rt.Config.Store.Driver, rt.Config.State.Driver)
	return result
}

func checkCheckpoint(ctx context.Context, rt *Runtime, label, name string, head uint64, recommendation string) CheckResult {
	result := CheckResult{Name: label}

	pos, err := rt.Checkpoints.GetCheckpoint(ctx, name)
	if err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		return result
	}

	if pos >= head {
		result.Message = fmt.Sprintf("up to date at %d", pos)
		return result
	}

	result.Status = StatusWarning
	result.Message = fmt.Sprintf("at %d, %d events behind", pos, head-pos)
	result.Recommendation = recommendation
	return result
}
