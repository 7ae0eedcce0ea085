package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/baxromumarov/conduit"
	"github.com/baxromumarov/conduit/internal/config"
)

var (
	flatMapMax    int
	flatMapItems  int
	flatMapFanout int
	flatMapDemand int
	flatMapPull   bool
)

func init() {
	flatMapCmd.Flags().IntVarP(&flatMapMax, "max-concurrent", "k", 0, "concurrent transforms (0 = unlimited, default from config)")
	flatMapCmd.Flags().IntVar(&flatMapItems, "items", 0, "upstream values (default from config)")
	flatMapCmd.Flags().IntVar(&flatMapFanout, "fanout", 0, "values per sub-stream (default from config)")
	flatMapCmd.Flags().IntVar(&flatMapDemand, "demand", 0, "downstream request size (default from config)")
	flatMapCmd.Flags().BoolVar(&flatMapPull, "pull", false, "consume the output as a pull stream, one value per request")
}

var flatMapCmd = &cobra.Command{
	Use:   "flatmap",
	Short: "Flat-map 0..items into sub-streams 0..fanout and print the merged output",
	RunE: func(cmd *cobra.Command, args []string) error {
		fc := cfg.FlatMap
		flags := cmd.Flags()
		overrideInt(flags, "max-concurrent", &fc.MaxConcurrent, flatMapMax)
		overrideInt(flags, "items", &fc.Items, flatMapItems)
		overrideInt(flags, "fanout", &fc.Fanout, flatMapFanout)
		overrideInt(flags, "demand", &fc.Demand, flatMapDemand)
		c := cfg
		c.FlatMap = fc
		if err := c.Validate(); err != nil {
			return err
		}
		return runFlatMap(cmd, fc)
	},
}

func runFlatMap(cmd *cobra.Command, fc config.FlatMapConfig) error {
	pub, limit := fanOut(fc, conduit.WithLogger(logger))

	out := cmd.OutOrStdout()
	headerColor.Fprintf(out, "flatmap items=%d fanout=%d max=%s demand=%d pull=%t\n", fc.Items, fc.Fanout, limit, fc.Demand, flatMapPull)

	if flatMapPull {
		n, err := pullNumbered(cmd.Context(), pub, func(pos int, v string) {
			valueColor.Fprintf(out, "%4d %s\n", pos, v)
		}, conduit.WithLogger(logger))
		if err != nil {
			errorColor.Fprintf(out, "failed: %v\n", err)
			return err
		}
		dimColor.Fprintf(out, "%d values\n", n)
		return nil
	}

	p := &printer{
		batch: conduit.Max(fc.Demand),
		size:  fc.Demand,
		emit: func(s string) {
			valueColor.Fprintln(out, s)
		},
		done: make(chan struct{}),
	}
	pub.Subscribe(p)

	select {
	case <-p.done:
	case <-cmd.Context().Done():
		p.cancel()
		<-p.done
		return cmd.Context().Err()
	}

	if p.err != nil {
		errorColor.Fprintf(out, "failed: %v\n", p.err)
		return p.err
	}
	dimColor.Fprintf(out, "%d values\n", p.count)
	return nil
}

// fanOut maps 0..Items-1 to sub-streams of Fanout labelled values.
func fanOut(fc config.FlatMapConfig, opts ...conduit.Option) (conduit.Publisher[string], conduit.Demand) {
	upstream := make([]int, fc.Items)
	for i := range upstream {
		upstream[i] = i
	}

	limit := conduit.Unlimited
	if fc.MaxConcurrent > 0 {
		limit = conduit.Max(fc.MaxConcurrent)
	}

	pub := conduit.FlatMap(conduit.Sequence(upstream...), limit,
		func(ctx context.Context, v int) (*conduit.Stream[string], error) {
			out := make([]string, fc.Fanout)
			for i := range out {
				out[i] = fmt.Sprintf("%d:%d", v, i)
			}
			return conduit.FromSlice(out), nil
		},
		opts...,
	)
	return pub, limit
}

// numbered pairs every value of s with its 1-based position.
func numbered[T any](s *conduit.Stream[T]) *conduit.Stream[conduit.Pair[int, T]] {
	ones := conduit.FromFunc(func(context.Context) (int, error) { return 1, nil })
	positions := conduit.Scan(ones, 0, func(n, one int) int { return n + one })
	return conduit.Zip(positions, s)
}

// pullNumbered pulls pub to completion, handing each value and its position
// to emit. It returns the number of values seen.
func pullNumbered[T any](ctx context.Context, pub conduit.Publisher[T], emit func(int, T), opts ...conduit.Option) (int, error) {
	lines := numbered(conduit.Values(pub, opts...))
	defer lines.Stop()

	n := 0
	err := lines.ForEach(ctx, func(p conduit.Pair[int, T]) error {
		n = p.First
		emit(p.First, p.Second)
		return nil
	})
	return n, err
}

// printer requests values in batches of size and asks for the next batch
// once the previous one has arrived.
type printer struct {
	batch conduit.Demand
	size  int
	emit  func(string)

	mu       sync.Mutex
	sub      conduit.Subscription
	inBatch  int
	count    int
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

func (p *printer) OnSubscribe(s conduit.Subscription) {
	p.mu.Lock()
	p.sub = s
	p.mu.Unlock()
	s.Request(p.batch)
}

func (p *printer) OnNext(v string) {
	p.emit(v)

	p.mu.Lock()
	p.count++
	p.inBatch++
	more := p.inBatch == p.size
	if more {
		p.inBatch = 0
	}
	sub := p.sub
	p.mu.Unlock()

	if more {
		sub.Request(p.batch)
	}
}

func (p *printer) OnComplete(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *printer) cancel() {
	p.mu.Lock()
	sub := p.sub
	p.mu.Unlock()
	if sub == nil {
		p.doneOnce.Do(func() { close(p.done) })
		return
	}
	sub.Cancel()
	if fs, ok := sub.(*conduit.FlatMapSubscription); ok {
		<-fs.Done()
	}
	p.doneOnce.Do(func() { close(p.done) })
}
