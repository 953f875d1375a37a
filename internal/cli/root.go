package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/nettable/internal/config"
	"github.com/roach88/nettable/nt"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the nettable CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "nettable",
		Short: "nettable - a server-authoritative topic table",
		Long: `Run and inspect a real-time topic table.

A server owns the table; clients publish and subscribe to named, typed
topics over websocket links and see the server's resolved values.

Run without a subcommand, it sets "MyValue" on the process-wide default
instance to "Hello World" and prints what the entry reads back.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			setupLogging(cmd.ErrOrStderr(), opts)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDefault(opts, cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "settings file (.yaml or .cue)")

	cmd.AddCommand(NewServerCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewSetCommand(opts))
	cmd.AddCommand(NewBenchCommand(opts))
	cmd.AddCommand(NewStressCommand(opts))

	return cmd
}

// runDefault exercises the default instance with no role started: one
// entry, one write, one read.
func runDefault(opts *RootOptions, cmd *cobra.Command) error {
	inst := nt.Default()
	t, err := inst.GetTopic("MyValue")
	if err != nil {
		return WrapExitError(ExitFailure, "topic", err)
	}
	h, err := inst.GetEntry(t, nt.TypeString)
	if err != nil {
		return WrapExitError(ExitFailure, "entry", err)
	}
	if err := inst.SetString(h, "Hello World"); err != nil {
		return WrapExitError(ExitFailure, "set", err)
	}
	got, _ := inst.GetString(h, "")
	return opts.formatter(cmd).Success(got)
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// setupLogging installs the default slog logger: Debug with --verbose, and
// JSON records when the output format is json.
func setupLogging(w io.Writer, opts *RootOptions) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	ho := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, ho)
	if opts.Format == "json" {
		h = slog.NewJSONHandler(w, ho)
	}
	slog.SetDefault(slog.New(h))
}

// loadConfig reads --config, or returns the defaults.
func (o *RootOptions) loadConfig() (config.Config, error) {
	if o.Config == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(o.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// signalContext is cancelled on SIGINT/SIGTERM or when the command's own
// context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
