package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/access-news/cqrs/cli/styles"
	"github.com/access-news/cqrs/cli/ui"
	"github.com/access-news/cqrs/views"
)

func newViewsCommand(a *app) *cobra.Command {
	var (
		group  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "views",
		Short: "Print the read models built from projected state",
		Long: `Build the directory of people, groups, sessions and recordings from the
state store.

Examples:
  cqrs views                 # Whole directory as YAML
  cqrs views --json          # Whole directory as JSON
  cqrs views --group readers # Roster of one group`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			rt, release, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			dir, err := views.Build(cmd.Context(), rt.States, rt.Serializer)
			if err != nil {
				return err
			}

			if group == "" {
				return writeDocument(out, dir, asJSON)
			}

			roster := dir.Roster(group)
			if asJSON {
				return writeDocument(out, roster, true)
			}
			if len(roster) == 0 {
				fmt.Fprintln(out, styles.FormatInfo("No members in "+group))
				return nil
			}

			tbl := ui.NewTable("Last Name", "First Name", "Emails", "Stream")
			for _, p := range roster {
				tbl.AddRow(p.LastName, p.FirstName, strings.Join(p.Emails, ", "), p.StreamID)
			}
			fmt.Fprintln(out, styles.Title.Render(styles.IconPerson+" "+group))
			fmt.Fprintln(out, tbl.Render())
			return nil
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "Print the roster of one group")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of YAML or a table")
	return cmd
}
