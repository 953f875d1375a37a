package cli

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/nettable/nt"
)

// StressOptions holds flags for the stress command.
type StressOptions struct {
	*RootOptions
	Clients  int
	Topics   int
	Duration time.Duration
	MaxPause time.Duration
}

// stressResult is what the stress command reports.
type stressResult struct {
	ServerCycles  int64 `json:"server_cycles"`
	ClientConnect int64 `json:"client_connects"`
	LeftClient    int   `json:"leftover_client_topics"`
	LeftServer    int   `json:"leftover_server_topics"`
	Connections   int   `json:"open_connections"`
}

func (r stressResult) String() string {
	return fmt.Sprintf("%d server cycles, %d client connects; leftover topics: client %d, server %d; open connections %d",
		r.ServerCycles, r.ClientConnect, r.LeftClient, r.LeftServer, r.Connections)
}

func (r stressResult) clean() bool {
	return r.LeftClient == 0 && r.LeftServer == 0 && r.Connections == 0
}

// NewStressCommand creates the stress command.
func NewStressCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StressOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Churn clients and topics against an in-process server",
		Long: `Start a server in this process and, for --duration, keep creating and
destroying --topics server topics per cycle while --clients client goroutines
repeatedly connect, publish, subscribe, and disconnect at random intervals.

Afterwards the server must hold no topics from disconnected clients, no
leftover server topics, and no open connections; otherwise the command
exits with status 1.

Example:
  nettable stress --clients 10 --topics 300 --duration 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Clients, "clients", 10, "concurrent churning clients")
	cmd.Flags().IntVar(&opts.Topics, "topics", 30, "server topics created and destroyed per cycle")
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 10*time.Second, "how long to churn")
	cmd.Flags().DurationVar(&opts.MaxPause, "max-pause", 50*time.Millisecond, "longest random pause between client steps")

	return cmd
}

func runStress(opts *StressOptions, cmd *cobra.Command) error {
	if opts.Clients <= 0 || opts.Topics <= 0 || opts.MaxPause <= 0 {
		return NewExitError(ExitCommandError, "--clients, --topics, and --max-pause must be positive")
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	out := opts.formatter(cmd)

	srv, err := nt.New(nt.WithConfig(cfg))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create server", err)
	}
	defer srv.Close()
	if err := srv.StartServer(nt.ServerConfig{Listen: "127.0.0.1"}); err != nil {
		return WrapExitError(ExitCommandError, "failed to start server", err)
	}
	_, portStr, _ := net.SplitHostPort(srv.ServerAddr().String())
	port, _ := strconv.Atoi(portStr)

	parent, stop := signalContext(cmd)
	defer stop()
	ctx, cancel := context.WithTimeout(parent, opts.Duration)
	defer cancel()

	var (
		wg       sync.WaitGroup
		cycles   atomic.Int64
		connects atomic.Int64
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if err := serverCycle(srv, opts.Topics); err != nil {
				slog.Error("server cycle failed", "error", err)
				return
			}
			cycles.Add(1)
		}
	}()
	for n := range opts.Clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if err := clientCycle(ctx, cfg, port, n, opts.MaxPause); err != nil {
					slog.Warn("client cycle failed", "client", n, "error", err)
				}
				connects.Add(1)
			}
		}()
	}
	wg.Wait()

	// the server tears closed links down asynchronously
	res := stressResult{ServerCycles: cycles.Load(), ClientConnect: connects.Load()}
	for deadline := time.Now().Add(5 * time.Second); ; {
		res.LeftClient = len(srv.Topics("/client/"))
		res.LeftServer = len(srv.Topics("/server/"))
		res.Connections = len(srv.Connections())
		if res.clean() || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := out.Success(res); err != nil {
		return err
	}
	if !res.clean() {
		return NewExitError(ExitFailure, "stress run leaked state")
	}
	return nil
}

// serverCycle publishes n topics, writes each once, and unpublishes them.
func serverCycle(srv *nt.Instance, n int) error {
	pubs := make([]nt.Handle, 0, n)
	for i := range n {
		tp, err := srv.GetTopic(fmt.Sprintf("/server/%d", i))
		if err != nil {
			return err
		}
		pub, err := srv.Publish(tp, nt.TypeInteger, nil)
		if err != nil {
			return err
		}
		pubs = append(pubs, pub)
		if err := srv.SetInteger(pub, int64(i)); err != nil {
			return err
		}
	}
	srv.Flush()
	for _, pub := range pubs {
		if err := srv.Unpublish(pub); err != nil {
			return err
		}
	}
	return srv.Flush()
}

// clientCycle connects one client, subscribes to everything, publishes a
// heartbeat topic, lingers, and closes.
func clientCycle(ctx context.Context, cfg nt.Config, port, n int, maxPause time.Duration) error {
	pause := func() {
		select {
		case <-ctx.Done():
		case <-time.After(rand.N(maxPause)):
		}
	}

	cli, err := nt.New(nt.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer cli.Close()
	cli.SetServer("127.0.0.1", port)
	if err := cli.StartClient(fmt.Sprintf("stress-%d", n)); err != nil {
		return err
	}
	if _, err := cli.SubscribeMultiple([]string{"/"}, nt.SubOptions{}); err != nil {
		return err
	}
	tp, err := cli.GetTopic(fmt.Sprintf("/client/%d/heartbeat", n))
	if err != nil {
		return err
	}
	pub, err := cli.Publish(tp, nt.TypeInteger, nil)
	if err != nil {
		return err
	}
	pause()
	for i := range int64(3) {
		if err := cli.SetInteger(pub, i); err != nil {
			return err
		}
		cli.Flush()
		pause()
	}
	return nil
}
