package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/nettable/nt"
)

// ServerOptions holds flags for the server command. Zero values fall back
// to the config file.
type ServerOptions struct {
	*RootOptions
	Listen  string
	Port    int
	Persist string
}

// NewServerCommand creates the server command.
func NewServerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run a table server until interrupted",
		Long: `Run the authoritative table server.

Clients connect over websocket and see every topic their subscriptions
match. Topics marked persistent are loaded from and saved to --persist.

Example:
  nettable server --port 5810 --persist ./table.db
  nettable server --config ./server.yaml --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "bind address (default from config, all interfaces)")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", -1, "listen port (default from config)")
	cmd.Flags().StringVar(&opts.Persist, "persist", "", "SQLite file for persistent topics")

	return cmd
}

func runServer(opts *ServerOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	sc := nt.ServerConfig{
		Listen:          cfg.Server.Listen,
		Port:            cfg.Server.Port,
		PersistFile:     cfg.Server.PersistFile,
		PersistInterval: cfg.Server.PersistInterval.D(),
	}
	if opts.Listen != "" {
		sc.Listen = opts.Listen
	}
	if opts.Port >= 0 {
		sc.Port = opts.Port
	}
	if opts.Persist != "" {
		sc.PersistFile = opts.Persist
	}

	inst, err := nt.New(nt.WithConfig(cfg))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create instance", err)
	}
	defer func() {
		if cerr := inst.Close(); cerr != nil {
			slog.Error("error closing instance", "error", cerr)
		}
	}()

	if err := inst.StartServer(sc); err != nil {
		return WrapExitError(ExitCommandError, "failed to start server", err)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	fmt.Fprintf(cmd.OutOrStdout(), "Server listening on %s\n", inst.ServerAddr())
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	conns, err := inst.AddListener(nil, nt.MaskConnection)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to add listener", err)
	}
	defer inst.RemoveListener(conns)

	for {
		events, err := inst.WaitForEvents(ctx, -1)
		if err != nil || ctx.Err() != nil {
			break
		}
		for _, ev := range events {
			if ev.Conn == nil {
				continue
			}
			slog.Info("client "+ev.Kind.String(), "id", ev.Conn.ID, "remote_id", ev.Conn.RemoteID, "addr", ev.Conn.Addr)
		}
	}

	slog.Info("server stopped gracefully")
	return nil
}
