package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/access-news/cqrs"
	"github.com/access-news/cqrs/cli/styles"
	"github.com/access-news/cqrs/cli/ui"
)

func newExecuteCommand(a *app) *cobra.Command {
	var (
		fields  []string
		payload string
		seq     int64
	)

	cmd := &cobra.Command{
		Use:     "execute <aggregate> <stream-id> <command>",
		Aliases: []string{"exec"},
		Short:   "Run one command against a stream",
		Long: `Validate a command and append its event to the log.

--field key=value sends a string; --field key:=value sends a JSON value,
e.g. seconds:=30 or duration:=312.5.

Examples:
  cqrs execute person p1 add_email --field email=ada@example.com --seq 2
  cqrs execute session s1 start_session --field user_id=p1
  cqrs execute session s1 end_session --field seconds:=1800 --seq 2
  cqrs execute recording r1 add_recording --payload '{"user_id":"p1","publication":"Tribune","filename":"a.mp3","duration":312.5}'
  cqrs execute person p1 commands   # list the commands an aggregate accepts`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			aggregate, streamID, command := args[0], args[1], args[2]

			rt, release, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			if command == "commands" {
				return listCommands(out, rt.Dispatcher.Registry(), aggregate)
			}

			fieldValues, err := parsePayload(payload, fields)
			if err != nil {
				return err
			}

			future, err := rt.Dispatcher.Execute(cmd.Context(), cqrs.ExecuteRequest{
				Aggregate: aggregate,
				StreamID:  streamID,
				Command:   command,
				Payload:   fieldValues,
				Seq:       seq,
			})
			if err != nil {
				return fmt.Errorf("command rejected: %w", err)
			}
			event, err := future.Wait(cmd.Context())
			if err != nil {
				return fmt.Errorf("append failed: %w", err)
			}

			fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Appended %s to %s", event.Name, event.StreamID)))
			printEvent(out, event)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&fields, "field", "f", nil, "Payload field as key=value or key:=json (repeatable)")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Payload as a JSON object; --field values are merged over it")
	cmd.Flags().Int64Var(&seq, "seq", 0, "Seq the event must take in the stream (0: next)")

	return cmd
}

func listCommands(out io.Writer, registry *cqrs.Registry, aggregate string) error {
	commands := registry.Commands(aggregate)
	if len(commands) == 0 {
		return fmt.Errorf("%w: %s (known: %s)", cqrs.ErrUnknownAggregate, aggregate, strings.Join(registry.Aggregates(), ", "))
	}
	fmt.Fprintln(out, styles.Title.Render(styles.IconList+" "+aggregate+" commands"))
	fmt.Fprint(out, ui.ListItems(commands))
	return nil
}

// parsePayload merges key=value and key:=json pairs over an optional JSON
// object.
func parsePayload(raw string, pairs []string) (cqrs.Fields, error) {
	fields := cqrs.Fields{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("invalid --payload: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" || key == ":" {
			return nil, fmt.Errorf("invalid --field %q: want key=value or key:=json", pair)
		}
		if typed, found := strings.CutSuffix(key, ":"); found {
			var v interface{}
			if err := json.Unmarshal([]byte(value), &v); err != nil {
				return nil, fmt.Errorf("invalid --field %q: %w", pair, err)
			}
			fields[typed] = v
			continue
		}
		fields[key] = value
	}
	return fields, nil
}

func printEvent(out io.Writer, e cqrs.Event) {
	fmt.Fprintln(out, styles.FormatKeyValue("Event ID", e.ID))
	fmt.Fprintln(out, styles.FormatKeyValue("Aggregate", e.Aggregate))
	fmt.Fprintln(out, styles.FormatKeyValue("Seq", strconv.FormatInt(e.Seq, 10)))
	fmt.Fprintln(out, styles.FormatKeyValue("Position", strconv.FormatUint(e.Position, 10)))
	fmt.Fprintln(out, styles.FormatKeyValue("Timestamp", e.Timestamp.Format(time.RFC3339Nano)))

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintln(out, styles.FormatKeyValue("  "+k, fmt.Sprint(e.Fields[k])))
	}
}
