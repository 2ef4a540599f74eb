// Package commands provides the CLI command implementations for cqrs.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/access-news/cqrs/cli/styles"
	"github.com/access-news/cqrs/cli/ui"
	"github.com/access-news/cqrs/config"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// RootOption configures the root command.
type RootOption func(*app)

// WithRuntime makes every command use rt instead of opening one from the
// config file. The caller owns rt and closes it.
func WithRuntime(rt *Runtime) RootOption {
	return func(a *app) {
		a.runtime = rt
	}
}

// WithRuntimeOptions passes options to runtimes opened from the config file.
func WithRuntimeOptions(opts ...RuntimeOption) RootOption {
	return func(a *app) {
		a.runtimeOpts = append(a.runtimeOpts, opts...)
	}
}

type app struct {
	configPath  string
	runtime     *Runtime
	runtimeOpts []RuntimeOption
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.configPath != "" {
		return config.LoadFile(a.configPath)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	_, cfg, err := config.FindConfig(cwd)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no %s found; run 'cqrs init' first", config.ConfigFileName)
	}
	return cfg, err
}

// config returns the injected runtime's config or the one on disk.
func (a *app) config() (*config.Config, error) {
	if a.runtime != nil {
		return a.runtime.Config, nil
	}
	return a.loadConfig()
}

// open returns the runtime for a command and the function that releases it.
func (a *app) open(ctx context.Context) (*Runtime, func(), error) {
	if a.runtime != nil {
		return a.runtime, func() {}, nil
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	rt, err := NewRuntime(ctx, cfg, a.runtimeOpts...)
	if err != nil {
		return nil, nil, err
	}
	return rt, func() { _ = rt.Close(context.Background()) }, nil
}

// interactive reports whether w is a terminal, so prompts and animated
// progress can be shown.
func interactive(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// NewRootCommand creates the root command for the cqrs CLI
func NewRootCommand(opts ...RootOption) *cobra.Command {
	a := &app{}
	for _, opt := range opts {
		opt(a)
	}

	var noColor bool

	rootCmd := &cobra.Command{
		Use:   "cqrs",
		Short: "Event-sourced people, sessions and recordings",
		Long: ui.Banner() + `

cqrs records commands as events in an append-only log and projects them
into per-stream state.

` + styles.Title.Render("Quick Start:") + `

  ` + styles.Code.Render("cqrs init") + `              Write a cqrs.yaml
  ` + styles.Code.Render("cqrs migrate") + `           Create the event log schema
  ` + styles.Code.Render("cqrs person register") + `   Record a new person
  ` + styles.Code.Render("cqrs project") + `           Keep state up to date
  ` + styles.Code.Render("cqrs status") + `            Check projector lag`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				styles.DisableColors()
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to "+config.ConfigFileName+" (default: search upwards from the working directory)")

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(newMigrateCommand(a))
	rootCmd.AddCommand(newExecuteCommand(a))
	rootCmd.AddCommand(newPersonCommand(a))
	rootCmd.AddCommand(newProjectCommand(a))
	rootCmd.AddCommand(newRebuildCommand(a))
	rootCmd.AddCommand(newStateCommand(a))
	rootCmd.AddCommand(newViewsCommand(a))
	rootCmd.AddCommand(newStatusCommand(a))
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// NewVersionCommand creates the version command
func NewVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.Banner())
			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.FormatKeyValue("Version", version))
			fmt.Fprintln(out, styles.FormatKeyValue("Commit", commit))
			fmt.Fprintln(out, styles.FormatKeyValue("Built", buildDate))
		},
	}
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.FormatError(err.Error()))
		return err
	}

	return nil
}
