package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/nettable/internal/value"
	"github.com/roach88/nettable/nt"
)

// ClientOptions holds the flags shared by commands that connect to a server.
type ClientOptions struct {
	*RootOptions
	Servers  []string
	Identity string
	Timeout  time.Duration
}

func (o *ClientOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&o.Servers, "server", "s", nil, "server host:port, repeatable (default from config)")
	cmd.Flags().StringVar(&o.Identity, "identity", "", "client identity (default from config)")
	cmd.Flags().DurationVar(&o.Timeout, "timeout", 5*time.Second, "how long to wait for the first connection")
}

// connect starts a client instance and waits until it is synced.
func (o *ClientOptions) connect(cmd *cobra.Command) (*nt.Instance, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if len(o.Servers) > 0 {
		cfg.Client.Servers = o.Servers
	}
	if len(cfg.Client.Servers) == 0 {
		cfg.Client.Servers = []string{fmt.Sprintf("localhost:%d", cfg.Server.Port)}
	}

	inst, err := nt.New(nt.WithConfig(cfg))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create instance", err)
	}
	if err := inst.StartClient(o.Identity); err != nil {
		inst.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start client", err)
	}

	deadline := time.Now().Add(o.Timeout)
	for !inst.Connected() {
		if time.Now().After(deadline) {
			inst.Close()
			return nil, NewExitError(ExitCommandError,
				fmt.Sprintf("no connection to %v within %s", cfg.Client.Servers, o.Timeout))
		}
		select {
		case <-cmd.Context().Done():
			inst.Close()
			return nil, cmd.Context().Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return inst, nil
}

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	ClientOptions
	Count int
	All   bool
}

// watchEvent is one printed line.
type watchEvent struct {
	Kind  string `json:"kind"`
	Topic string `json:"topic"`
	Type  string `json:"type,omitempty"`
	Value any    `json:"value,omitempty"`
	Time  int64  `json:"time,omitempty"`
	Seq   uint64 `json:"seq,omitempty"`
}

func (e watchEvent) String() string {
	if e.Kind != "value" {
		return fmt.Sprintf("%-10s %s %s", e.Kind, e.Topic, e.Type)
	}
	return fmt.Sprintf("%d %s = %s", e.Time, e.Topic, e.Value)
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{ClientOptions: ClientOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "watch [prefix...]",
		Short: "Print topic and value changes under prefixes",
		Long: `Connect as a client, subscribe to every topic under the given prefixes
(default "/"), and print announcements and value changes as they arrive.

Example:
  nettable watch --server robot.local:5810 /drive/ /arm/
  nettable watch --all --count 100 --format json /sensors/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args, cmd)
		},
	}

	opts.register(cmd)
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "exit after this many value changes (0 runs until interrupted)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "print every value, not just the latest per flush")

	return cmd
}

func runWatch(opts *WatchOptions, prefixes []string, cmd *cobra.Command) error {
	if len(prefixes) == 0 {
		prefixes = []string{"/"}
	}
	ctx, cancel := signalContext(cmd)
	defer cancel()
	cmd.SetContext(ctx)

	inst, err := opts.connect(cmd)
	if err != nil {
		return err
	}
	defer inst.Close()

	if _, err := inst.AddListener(prefixes, nt.MaskTopic|nt.EventValueRemote); err != nil {
		return WrapExitError(ExitCommandError, "failed to add listener", err)
	}
	if _, err := inst.SubscribeMultiple(prefixes, nt.SubOptions{SendAll: opts.All}); err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe", err)
	}

	out := opts.formatter(cmd)
	seen := 0
	for opts.Count == 0 || seen < opts.Count {
		events, err := inst.WaitForEvents(ctx, -1)
		if err != nil {
			break
		}
		for _, ev := range events {
			line := watchEvent{Kind: ev.Kind.String(), Topic: ev.Topic.Name, Type: ev.Topic.TypeString}
			if ev.Kind == nt.EventValueRemote {
				line = watchEvent{
					Kind:  "value",
					Topic: ev.Topic.Name,
					Value: value.Format(ev.Value),
					Time:  ev.Value.Time(),
					Seq:   ev.Seq,
				}
				seen++
			}
			if err := out.Line(line); err != nil {
				return err
			}
			if opts.Count > 0 && seen >= opts.Count {
				break
			}
		}
	}
	slog.Debug("watch finished", "values", seen)
	return nil
}
