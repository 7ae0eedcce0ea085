package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/baxromumarov/conduit/mpsc"
)

var (
	queueProducers int
	queueItems     int
)

func init() {
	queueCmd.Flags().IntVarP(&queueProducers, "producers", "p", 0, "producer goroutines (default from config)")
	queueCmd.Flags().IntVarP(&queueItems, "items", "n", 0, "items per producer (default from config)")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Stress the MPSC queue with concurrent producers and one consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		qc := cfg.Queue
		overrideInt(cmd.Flags(), "producers", &qc.Producers, queueProducers)
		overrideInt(cmd.Flags(), "items", &qc.Items, queueItems)
		c := cfg
		c.Queue = qc
		if err := c.Validate(); err != nil {
			return err
		}
		return runQueue(cmd, qc.Producers, qc.Items)
	},
}

type stamp struct {
	producer int
	seq      int
}

func runQueue(cmd *cobra.Command, producers, items int) error {
	out := cmd.OutOrStdout()
	headerColor.Fprintf(out, "queue producers=%d items=%d\n", producers, items)

	q := mpsc.New[stamp]()
	total := producers * items
	start := time.Now()

	g, ctx := errgroup.WithContext(cmd.Context())
	for p := 0; p < producers; p++ {
		g.Go(func() error {
			for i := 0; i < items; i++ {
				if i%1024 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				q.Enqueue(stamp{producer: p, seq: i})
			}
			return nil
		})
	}

	next := make([]int, producers)
	g.Go(func() error {
		got := 0
		for got < total {
			n := q.Drain(func(s stamp) {
				if s.seq == next[s.producer] {
					next[s.producer]++
				}
				got++
			})
			if n == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
				time.Sleep(10 * time.Microsecond)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		errorColor.Fprintf(out, "interrupted: %v\n", err)
		return err
	}
	elapsed := time.Since(start)

	for p, n := range next {
		if n != items {
			err := fmt.Errorf("producer %d: %d of %d items arrived in order", p, n, items)
			errorColor.Fprintln(out, err)
			return err
		}
	}

	rate := float64(total) / elapsed.Seconds()
	valueColor.Fprintf(out, "%d items in %s (%.0f items/s)\n", total, elapsed.Round(time.Microsecond), rate)
	dimColor.Fprintf(out, "remaining after drain: %d\n", q.EstimatedLen())
	logger.Debug("queue stress finished", "items", total, "elapsed", elapsed)
	return nil
}
