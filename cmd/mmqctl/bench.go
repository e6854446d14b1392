package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/downfa11-org/mmq/pkg/appendlog"
	"github.com/downfa11-org/mmq/pkg/codec"
	"github.com/downfa11-org/mmq/pkg/config"
	"github.com/downfa11-org/mmq/pkg/queue"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type benchRunner struct {
	dir          string
	segmentSize  config.ByteSize
	messageSize  config.ByteSize
	producers    int
	messages     int
	consumers    int
	durability   string
	keepQueueDir bool
}

func newBenchCommand() *cobra.Command {
	b := benchRunner{segmentSize: 64 << 20, messageSize: 100}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure append and subscribe throughput on a scratch queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return b.run(cmd.Context(), cmd.OutOrStdout())
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&b.dir, "dir", "", "Queue directory (default: a temporary directory)")
	fs.Var(&b.segmentSize, "segment-size", "Segment size")
	fs.Var(&b.messageSize, "message-size", "Payload size")
	fs.IntVar(&b.producers, "producers", 4, "Concurrent producers")
	fs.IntVar(&b.messages, "messages", 10000, "Messages per producer")
	fs.IntVar(&b.consumers, "consumers", 1, "Subscribers reading every message")
	fs.StringVar(&b.durability, "durability", "batch", "Durability: sync or batch")
	fs.BoolVar(&b.keepQueueDir, "keep", false, "Keep the queue directory afterwards")
	return cmd
}

func (b *benchRunner) run(ctx context.Context, out io.Writer) error {
	durability, err := appendlog.ParseDurability(b.durability)
	if err != nil {
		return err
	}
	dir, scratch := b.dir, ""
	if dir == "" {
		if scratch, err = os.MkdirTemp("", "mmq-bench-"); err != nil {
			return err
		}
		dir = filepath.Join(scratch, "q")
	}
	if !b.keepQueueDir {
		defer os.RemoveAll(dir)
		if scratch != "" {
			defer os.RemoveAll(scratch)
		}
	}

	q, err := queue.New[[]byte](dir, uint64(b.segmentSize), codec.Bytes{}, queue.WithDurability(durability))
	if err != nil {
		return err
	}
	defer q.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	total := b.producers * b.messages
	payload := bytes.Repeat([]byte{'x'}, int(b.messageSize))
	start := time.Now()

	var consumed errgroup.Group
	for range b.consumers {
		consumed.Go(func() error {
			n := 0
			for _, err := range q.Subscribe(ctx, 0) {
				if err != nil {
					return err
				}
				if n++; n == total {
					return nil
				}
			}
			return ctx.Err()
		})
	}

	var produced errgroup.Group
	for range b.producers {
		produced.Go(func() error {
			for range b.messages {
				if _, err := q.Enqueue(ctx, payload); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := produced.Wait(); err != nil {
		cancel()
		_ = consumed.Wait()
		return fmt.Errorf("producer: %w", err)
	}
	appendTime := time.Since(start)
	if err := consumed.Wait(); err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	totalTime := time.Since(start)

	fmt.Fprintf(out, "producers:    %d\n", b.producers)
	fmt.Fprintf(out, "consumers:    %d\n", b.consumers)
	fmt.Fprintf(out, "messages:     %s x %s\n", humanize.Comma(int64(total)), humanize.IBytes(uint64(b.messageSize)))
	fmt.Fprintf(out, "durability:   %s\n", b.durability)
	fmt.Fprintf(out, "append:       %v (%.0f msg/s, %s/s)\n", appendTime,
		float64(total)/appendTime.Seconds(), humanize.IBytes(uint64(float64(q.TailOffset())/appendTime.Seconds())))
	fmt.Fprintf(out, "end to end:   %v\n", totalTime)
	fmt.Fprintf(out, "segments:     %d\n", len(q.Status().Segments))
	return nil
}
