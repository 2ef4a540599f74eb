package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/cli/styles"
	"github.com/access-news/cqrs/cli/ui"
)

func newStateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect projected state",
	}
	cmd.AddCommand(newStateGetCommand(a))
	cmd.AddCommand(newStateListCommand(a))
	return cmd
}

func newStateGetCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "get <stream-id>",
		Short: "Print the state of one stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, release, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			rec, err := rt.States.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("%w: %s", cqrs.ErrStreamNotFound, args[0])
			}
			state, err := cqrs.DecodeState(rt.Serializer, *rec)
			if err != nil {
				return err
			}

			return writeDocument(cmd.OutOrStdout(), state.Document(), asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of YAML")
	return cmd
}

func newStateListCommand(a *app) *cobra.Command {
	var aggregate string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projected streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			rt, release, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			records, err := rt.States.List(cmd.Context(), aggregate)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(out, styles.FormatInfo("No projected state"))
				return nil
			}

			sort.Slice(records, func(i, j int) bool {
				if records[i].Aggregate != records[j].Aggregate {
					return records[i].Aggregate < records[j].Aggregate
				}
				return records[i].StreamID < records[j].StreamID
			})

			tbl := ui.NewTable("Stream", "Aggregate", "Seq", "Updated")
			for _, rec := range records {
				tbl.AddRow(rec.StreamID, rec.Aggregate, fmt.Sprint(rec.Seq), rec.UpdatedAt.Format(time.RFC3339))
			}
			fmt.Fprintln(out, tbl.Render())
			fmt.Fprintln(out, styles.Muted.Render(fmt.Sprintf("%d streams", tbl.Len())))
			return nil
		},
	}

	cmd.Flags().StringVarP(&aggregate, "aggregate", "a", "", "Only list streams of this aggregate type")
	return cmd
}

func writeDocument(out io.Writer, doc interface{}, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	// Through JSON first so the json tags name the keys.
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var plain interface{}
	if err := json.Unmarshal(raw, &plain); err != nil {
		return err
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(plain); err != nil {
		return err
	}
	return enc.Close()
}
