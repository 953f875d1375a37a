package cli

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/nettable/nt"
)

// BenchOptions holds flags for the bench command.
type BenchOptions struct {
	*RootOptions
	Count      int
	FlushEvery int
	Warmup     int
	Timeout    time.Duration
}

// Latency summarizes a set of durations in microseconds.
type Latency struct {
	Min    float64 `json:"min_us"`
	Max    float64 `json:"max_us"`
	Mean   float64 `json:"mean_us"`
	Stdev  float64 `json:"stdev_us"`
	Values int     `json:"values"`
}

// benchResult is what the bench command reports.
type benchResult struct {
	Sent     int     `json:"sent"`
	Received int     `json:"received"`
	Elapsed  string  `json:"elapsed"`
	Rate     float64 `json:"values_per_sec"`
	Latency  Latency `json:"latency"`
	Set      Latency `json:"set"`
	Flush    Latency `json:"flush"`
}

func (l Latency) String() string {
	return fmt.Sprintf("min %.1f max %.1f mean %.1f stdev %.1f", l.Min, l.Max, l.Mean, l.Stdev)
}

func (r benchResult) String() string {
	return fmt.Sprintf("sent %d, received %d in %s (%.0f values/s)\nlatency us: %s\nset us: %s\nflush us: %s",
		r.Sent, r.Received, r.Elapsed, r.Rate, r.Latency, r.Set, r.Flush)
}

// summarize computes min, max, mean, and population standard deviation.
func summarize(samples []float64) Latency {
	if len(samples) == 0 {
		return Latency{}
	}
	l := Latency{Min: math.Inf(1), Max: math.Inf(-1), Values: len(samples)}
	var sum float64
	for _, s := range samples {
		l.Min = math.Min(l.Min, s)
		l.Max = math.Max(l.Max, s)
		sum += s
	}
	l.Mean = sum / float64(len(samples))
	var sq float64
	for _, s := range samples {
		sq += (s - l.Mean) * (s - l.Mean)
	}
	l.Stdev = math.Sqrt(sq / float64(len(samples)))
	return l
}

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BenchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure send-all delivery between an in-process server and client",
		Long: `Start a server and a client in this process on a loopback port. The
server publishes "highrate" as a send-all double. Both sides also hold a
subscription to every topic, as a typical application would. After
--warmup values, the server writes i*0.01 for i in 1..count, flushing
every --flush-every writes. The client must receive every value in order.
The report gives delivery latency and the time spent in each set and each
flush.

Example:
  nettable bench
  nettable bench --count 20000 --flush-every 500 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Count, "count", "n", 100000, "values to send")
	cmd.Flags().IntVar(&opts.FlushEvery, "flush-every", 2000, "flush after this many values")
	cmd.Flags().IntVar(&opts.Warmup, "warmup", 10000, "values to send and drain before measuring")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "give up waiting for values after this long")

	return cmd
}

// loopbackPair starts a server on a free loopback port and a client
// connected to it.
func loopbackPair(cfg nt.Config, timeout time.Duration) (srv, cli *nt.Instance, err error) {
	srv, err = nt.New(nt.WithConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	if err = srv.StartServer(nt.ServerConfig{Listen: "127.0.0.1"}); err != nil {
		srv.Close()
		return nil, nil, err
	}
	_, port, _ := net.SplitHostPort(srv.ServerAddr().String())
	p, _ := strconv.Atoi(port)

	cli, err = nt.New(nt.WithConfig(cfg))
	if err != nil {
		srv.Close()
		return nil, nil, err
	}
	cli.SetServer("127.0.0.1", p)
	if err = cli.StartClient("bench"); err != nil {
		cli.Close()
		srv.Close()
		return nil, nil, err
	}
	deadline := time.Now().Add(timeout)
	for !cli.Connected() {
		if time.Now().After(deadline) {
			cli.Close()
			srv.Close()
			return nil, nil, fmt.Errorf("client did not connect within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, cli, nil
}

func runBench(opts *BenchOptions, cmd *cobra.Command) error {
	if opts.Count <= 0 || opts.FlushEvery <= 0 {
		return NewExitError(ExitCommandError, "--count and --flush-every must be positive")
	}
	if opts.Warmup < 0 {
		return NewExitError(ExitCommandError, "--warmup must not be negative")
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	out := opts.formatter(cmd)

	srv, cli, err := loopbackPair(cfg, opts.Timeout)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start loopback pair", err)
	}
	defer srv.Close()
	defer cli.Close()

	for _, inst := range []*nt.Instance{srv, cli} {
		if _, err := inst.SubscribeMultiple([]string{""}, nt.SubOptions{}); err != nil {
			return WrapExitError(ExitFailure, "subscribe all", err)
		}
	}

	stp, err := srv.GetTopic("highrate")
	if err != nil {
		return WrapExitError(ExitFailure, "server topic", err)
	}
	pub, err := srv.PublishEx(stp, nt.TypeDouble, "", nil, nt.PubOptions{SendAll: true})
	if err != nil {
		return WrapExitError(ExitFailure, "publish", err)
	}
	ctp, err := cli.GetTopic("highrate")
	if err != nil {
		return WrapExitError(ExitFailure, "client topic", err)
	}
	sub, err := cli.Subscribe(ctp, nt.TypeDouble, nt.SubOptions{SendAll: true, KeepDuplicates: true, PollStorage: opts.Count})
	if err != nil {
		return WrapExitError(ExitFailure, "subscribe", err)
	}
	// the announcement proves the server has routed the subscription
	cli.Flush()
	for wait := time.Now().Add(opts.Timeout); !cli.GetTopicExists(ctp); {
		if time.Now().After(wait) {
			return NewExitError(ExitFailure, "server never announced highrate")
		}
		time.Sleep(time.Millisecond)
	}
	if err := warmUp(srv, cli, pub, sub, opts); err != nil {
		return WrapExitError(ExitFailure, "warm-up", err)
	}
	out.VerboseLog("warm-up done after %d values", opts.Warmup)

	// written by the sender, read by the receiver after the value arrives
	sentAt := make([]atomic.Int64, opts.Count)
	done := make(chan []float64, 1)
	errc := make(chan error, 1)
	go func() {
		samples := make([]float64, 0, opts.Count)
		deadline := time.Now().Add(opts.Timeout)
		for len(samples) < opts.Count {
			if time.Now().After(deadline) {
				errc <- fmt.Errorf("received %d of %d values", len(samples), opts.Count)
				return
			}
			ups, err := cli.ReadQueue(sub)
			if err != nil {
				errc <- err
				return
			}
			now := time.Now()
			for _, u := range ups {
				i := len(samples)
				if d, _ := u.Value.AsDouble(); d != float64(i+1)*0.01 {
					errc <- fmt.Errorf("value %d: got %v, want %v", i+1, d, float64(i+1)*0.01)
					return
				}
				samples = append(samples, float64(now.UnixNano()-sentAt[i].Load())/1e3)
			}
			if len(ups) == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		done <- samples
	}()

	setTimes := make([]float64, 0, opts.Count)
	var flushTimes []float64
	flush := func() error {
		t0 := time.Now()
		err := srv.Flush()
		flushTimes = append(flushTimes, float64(time.Since(t0).Nanoseconds())/1e3)
		return err
	}

	start := time.Now()
	base := srv.Now()
	for i := 1; i <= opts.Count; i++ {
		t0 := time.Now()
		sentAt[i-1].Store(t0.UnixNano())
		if err := srv.SetDoubleAt(pub, float64(i)*0.01, base+int64(i)); err != nil {
			return WrapExitError(ExitFailure, "set", err)
		}
		setTimes = append(setTimes, float64(time.Since(t0).Nanoseconds())/1e3)
		if i%opts.FlushEvery == 0 {
			if err := flush(); err != nil {
				return WrapExitError(ExitFailure, "flush", err)
			}
		}
	}
	if err := flush(); err != nil {
		return WrapExitError(ExitFailure, "flush", err)
	}

	select {
	case samples := <-done:
		elapsed := time.Since(start)
		out.VerboseLog("received %d values", len(samples))
		return out.Success(benchResult{
			Sent:     opts.Count,
			Received: len(samples),
			Elapsed:  elapsed.Round(time.Millisecond).String(),
			Rate:     float64(opts.Count) / elapsed.Seconds(),
			Latency:  summarize(samples),
			Set:      summarize(setTimes),
			Flush:    summarize(flushTimes),
		})
	case err := <-errc:
		if ferr := out.Fail(err); ferr != nil {
			err = errors.Join(err, ferr)
		}
		return WrapExitError(ExitFailure, "benchmark failed", err)
	}
}

// warmUp sends opts.Warmup values the same way the measured run does and
// waits until the client has the last one, leaving its queue empty.
func warmUp(srv, cli *nt.Instance, pub, sub nt.Handle, opts *BenchOptions) error {
	if opts.Warmup == 0 {
		return nil
	}
	for i := 1; i <= opts.Warmup; i++ {
		if err := srv.SetDouble(pub, float64(i)*0.01); err != nil {
			return err
		}
		if i%opts.FlushEvery == 0 {
			if err := srv.Flush(); err != nil {
				return err
			}
		}
	}
	if err := srv.Flush(); err != nil {
		return err
	}
	last := float64(opts.Warmup) * 0.01
	for deadline := time.Now().Add(opts.Timeout); ; {
		ups, err := cli.ReadQueue(sub)
		if err != nil {
			return err
		}
		if n := len(ups); n > 0 {
			if d, _ := ups[n-1].Value.AsDouble(); d == last {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("last warm-up value never arrived")
		}
		time.Sleep(time.Millisecond)
	}
}
