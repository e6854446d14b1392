package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/downfa11-org/mmq/pkg/codec"
	"github.com/downfa11-org/mmq/pkg/config"
	"github.com/downfa11-org/mmq/pkg/queue"
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newAppendCommand() *cobra.Command {
	segmentSize := config.ByteSize(64 << 20)
	var create bool
	cmd := &cobra.Command{
		Use:   "append <queue-dir> [message...]",
		Short: "Append messages, one per argument or one per stdin line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				q   *queue.Queue[[]byte]
				err error
			)
			if create {
				q, err = queue.New[[]byte](args[0], uint64(segmentSize), codec.Bytes{})
			} else {
				q, err = queue.Open[[]byte](args[0], codec.Bytes{})
			}
			if err != nil {
				return err
			}
			defer q.Close()

			ctx := cmd.Context()
			appendOne := func(msg string) error {
				seq, err := q.Enqueue(ctx, []byte(msg))
				if err != nil {
					return err
				}
				cmd.Printf("%d\n", seq)
				return nil
			}
			if len(args) > 1 {
				for _, msg := range args[1:] {
					if err := appendOne(msg); err != nil {
						return err
					}
				}
				return nil
			}
			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 0, 64*1024), int(segmentSize))
			for scanner.Scan() {
				if err := appendOne(scanner.Text()); err != nil {
					return err
				}
			}
			return scanner.Err()
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "Create the queue when it does not exist")
	cmd.Flags().Var(&segmentSize, "segment-size", "Segment size for --create")
	return cmd
}

func newReadCommand() *cobra.Command {
	var from uint64
	var limit int
	cmd := &cobra.Command{
		Use:   "read <queue-dir>",
		Short: "Print records from an offset without waiting for new ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := queue.Open[[]byte](args[0], codec.Bytes{}, queue.WithReadOnly())
			if err != nil {
				return err
			}
			defer q.Close()

			cursor := from
			for n := 0; limit <= 0 || n < limit; n++ {
				item, next, ok, err := q.DequeueFrom(cursor)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				cmd.Printf("%d\t%s\n", cursor, item)
				cursor = next
			}
			cmd.PrintErrf("next offset: %d\n", cursor)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "Offset to start at")
	cmd.Flags().IntVar(&limit, "max", 0, "Maximum records to print, 0 for all")
	return cmd
}

func newTailCommand() *cobra.Command {
	var from int64
	cmd := &cobra.Command{
		Use:   "tail <queue-dir>",
		Short: "Follow the queue and print records as they are committed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := queue.Open[[]byte](args[0], codec.Bytes{}, queue.WithReadOnly())
			if err != nil {
				return err
			}
			defer q.Close()

			start := q.TailOffset()
			if from >= 0 {
				start = uint64(from)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			for item, err := range q.Subscribe(ctx, start) {
				if errors.Is(err, types.ErrCancelled) {
					return nil
				}
				if err != nil {
					return err
				}
				cmd.Printf("%d\t%d\t%s\n", item.Offset, item.Sequence, item.Value)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", -1, "Offset to start at, -1 for the current tail")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <queue-dir>",
		Short: "Show queue metadata and segments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := queue.Open[[]byte](args[0], codec.Bytes{}, queue.WithReadOnly())
			if err != nil {
				return err
			}
			defer q.Close()

			st := q.Status()
			meta := q.Log().Meta()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "queue:         %s\n", st.QueueID)
			fmt.Fprintf(out, "created:       %s\n", humanize.Time(meta.CreatedAt))
			fmt.Fprintf(out, "segment size:  %s\n", humanize.IBytes(meta.SegmentSize))
			if st.MaxBytes > 0 {
				fmt.Fprintf(out, "max bytes:     %s\n", humanize.IBytes(st.MaxBytes))
			}
			fmt.Fprintf(out, "retained:      %s (offsets %d..%d)\n", humanize.IBytes(st.Tail-st.Oldest), st.Oldest, st.Tail)
			fmt.Fprintf(out, "next sequence: %s\n\n", humanize.Comma(int64(st.NextSequence)))

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tBASE OFFSET\tBASE SEQ\tRECORDS\tUSED\tSEALED")
			for _, s := range st.Segments {
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s / %s\t%t\n",
					s.Index, s.BaseOffset, s.BaseSequence, s.Records,
					humanize.IBytes(s.Committed-s.BaseOffset), humanize.IBytes(s.Capacity), s.Sealed)
			}
			return w.Flush()
		},
	}
}

func newShellCommand() *cobra.Command {
	var cursorDB, addr string
	var gzip bool
	cmd := &cobra.Command{
		Use:   "shell [queue-dir]",
		Short: "Interactive command shell on a local queue or a running mmqd",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				return runRemoteShell(cmd.Context(), addr, gzip, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			if len(args) == 0 {
				return errors.New("queue directory or --addr required")
			}
			return runShell(cmd.Context(), args[0], cursorDB, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&cursorDB, "cursor-db", "", "Cursor database for COMMIT_OFFSET/FETCH_OFFSET")
	cmd.Flags().StringVar(&addr, "addr", "", "Command endpoint of a running mmqd")
	cmd.Flags().BoolVar(&gzip, "gzip", false, "Gzip frames to the command endpoint")
	return cmd
}
