package commands

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/access-news/cqrs/cli/styles"
	"github.com/access-news/cqrs/cli/ui"
	"github.com/access-news/cqrs/domain"
)

func newPersonCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "person",
		Short: "Manage people",
	}
	cmd.AddCommand(newPersonRegisterCommand(a))
	return cmd
}

func newPersonRegisterCommand(a *app) *cobra.Command {
	var (
		reg            domain.Registration
		nonInteractive bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Record a new person and create their account",
		Long: `Record a person, their email, phone number and groups as one chain of
events, then create their account with the identity service.

If the command fails part way, run it again with --stream set to the
reported stream id to finish the registration.

Examples:
  cqrs person register --first-name Ada --last-name Lovelace --email ada@example.com --group readers
  cqrs person register --stream 3f1c... --first-name Ada --last-name Lovelace --email ada@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if !nonInteractive && interactive(out) && (reg.FirstName == "" || reg.LastName == "" || reg.Email == "") {
				if err := registrationForm(&reg).Run(); err != nil {
					return err
				}
			}
			if reg.FirstName == "" || reg.LastName == "" || reg.Email == "" {
				return errors.New("--first-name, --last-name and --email are required")
			}

			rt, release, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			result, err := rt.People().Register(cmd.Context(), reg)
			if result != nil {
				fmt.Fprintln(out, styles.FormatKeyValue("Stream", result.StreamID))
				tbl := ui.NewTable("Seq", "Event", "Position")
				for _, e := range result.Events {
					tbl.AddRow(fmt.Sprint(e.Seq), e.Name, fmt.Sprint(e.Position))
				}
				if tbl.Len() > 0 {
					fmt.Fprintln(out, tbl.Render())
				}
			}
			if err != nil {
				if result != nil {
					fmt.Fprintln(out, styles.FormatWarning("Re-run with --stream "+result.StreamID+" to finish"))
				}
				return err
			}

			if result.AccountID != "" {
				fmt.Fprintln(out, styles.FormatKeyValue("Account", result.AccountID))
			}
			fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Registered %s", reg.DisplayName())))
			return nil
		},
	}

	cmd.Flags().StringVar(&reg.StreamID, "stream", "", "Stream id (default: new UUID; reuse one to resume)")
	cmd.Flags().StringVar(&reg.FirstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&reg.LastName, "last-name", "", "Last name")
	cmd.Flags().StringVar(&reg.Email, "email", "", "Email address")
	cmd.Flags().StringVar(&reg.Phone, "phone", "", "Phone number")
	cmd.Flags().StringArrayVarP(&reg.Groups, "group", "g", nil, "Group to join: admins, listeners or readers (repeatable)")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Never prompt for missing fields")

	return cmd
}

func registrationForm(reg *domain.Registration) *huh.Form {
	options := make([]huh.Option[string], 0, len(domain.AllGroups))
	for _, g := range domain.AllGroups {
		options = append(options, huh.NewOption(g, g))
	}

	required := func(s string) error {
		if s == "" {
			return errors.New("required")
		}
		return nil
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("First Name").Value(&reg.FirstName).Validate(required),
			huh.NewInput().Title("Last Name").Value(&reg.LastName).Validate(required),
			huh.NewInput().Title("Email").Value(&reg.Email).Validate(required),
			huh.NewInput().Title("Phone").Description("Optional").Value(&reg.Phone),
		).Title(styles.IconPerson+" Person"),

		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Groups").
				Options(options...).
				Value(&reg.Groups),
		).Title("Access"),
	).WithTheme(huh.ThemeDracula())
}
