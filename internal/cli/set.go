package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/nettable/internal/topic"
	"github.com/roach88/nettable/internal/value"
	"github.com/roach88/nettable/nt"
)

// SetOptions holds flags for the set command.
type SetOptions struct {
	ClientOptions
	Type      string
	Retained  bool
	Persisted bool
}

// setResult is what the set command reports.
type setResult struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Value string `json:"value"`
	Time  int64  `json:"time"`
}

func (r setResult) String() string {
	return fmt.Sprintf("%s (%s) = %s", r.Topic, r.Type, r.Value)
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SetOptions{ClientOptions: ClientOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "set <topic> <value>",
		Short: "Publish one value to a server",
		Long: `Connect as a client, publish a topic, write one value, and disconnect.

The value is parsed according to --type; arrays are comma separated. Without
--retained the server drops the topic again once this client disconnects.

Example:
  nettable set --type double /arm/setpoint 0.75
  nettable set --type string[] --retained /auto/modes "left,center,right"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSet(opts, args[0], args[1], cmd)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVarP(&opts.Type, "type", "t", "string", "value type (boolean, double, int, float, string, raw, or an array form such as double[])")
	cmd.Flags().BoolVar(&opts.Retained, "retained", false, "keep the topic on the server after disconnecting")
	cmd.Flags().BoolVar(&opts.Persisted, "persistent", false, "ask the server to save the topic across restarts")

	return cmd
}

func runSet(opts *SetOptions, name, text string, cmd *cobra.Command) error {
	typ := value.ParseType(opts.Type)
	if typ == value.Unassigned {
		return NewExitError(ExitCommandError, "--type must not be empty")
	}
	v, err := value.Parse(typ, text, 0)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid value", err)
	}

	inst, err := opts.connect(cmd)
	if err != nil {
		return err
	}
	defer inst.Close()

	out := opts.formatter(cmd)
	props := nt.Properties{}
	if opts.Retained {
		props[topic.PropRetained] = true
	}
	if opts.Persisted {
		props[topic.PropPersistent] = true
	}

	tp, err := inst.GetTopic(name)
	if err != nil {
		out.Fail(err)
		return WrapExitError(ExitCommandError, "invalid topic", err)
	}
	pub, err := inst.PublishEx(tp, typ, opts.Type, props, nt.PubOptions{})
	if err != nil {
		out.Fail(err)
		return WrapExitError(ExitFailure, "publish failed", err)
	}
	if err := inst.SetValue(pub, v); err != nil {
		out.Fail(err)
		return WrapExitError(ExitFailure, "write failed", err)
	}
	got, _ := inst.GetValue(pub)
	// Stopping the client closes the link in order, so everything flushed
	// here reaches the server before the close frame.
	if err := inst.Flush(); err != nil {
		return WrapExitError(ExitFailure, "flush failed", err)
	}
	if err := inst.StopClient(); err != nil {
		return WrapExitError(ExitFailure, "disconnect failed", err)
	}

	return out.Success(setResult{Topic: name, Type: opts.Type, Value: value.Format(got), Time: got.Time()})
}
