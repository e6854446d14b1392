package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/downfa11-org/mmq/pkg/codec"
	"github.com/downfa11-org/mmq/pkg/controller"
	"github.com/downfa11-org/mmq/pkg/cursor"
	"github.com/downfa11-org/mmq/pkg/queue"
	"github.com/downfa11-org/mmq/pkg/server"
	"go.uber.org/multierr"
)

func runShell(ctx context.Context, dir, cursorDB string, in io.Reader, out io.Writer) (err error) {
	q, err := queue.Open[[]byte](dir, codec.Bytes{})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, q.Close()) }()

	var cursors *cursor.Store
	if cursorDB != "" {
		if cursors, err = cursor.Open(cursorDB); err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, cursors.Close()) }()
	}

	ch := controller.NewCommandHandler(q, cursors)
	cc := controller.NewClientContext("default", q.Log().OldestOffset())

	fmt.Fprintf(out, "queue %s ready. Type HELP for commands.\n\n", q.QueueID())
	return repl(in, out, func(line string) (string, error) {
		return ch.HandleCommand(ctx, line, cc), nil
	})
}

func runRemoteShell(ctx context.Context, addr string, gzip bool, in io.Reader, out io.Writer) (err error) {
	c, err := server.Dial(ctx, addr, gzip)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, c.Close()) }()

	fmt.Fprintf(out, "connected to %s. Type HELP for commands.\n\n", addr)
	return repl(in, out, c.Do)
}

func repl(in io.Reader, out io.Writer, do func(string) (string, error)) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "EXIT") {
			break
		}
		resp, err := do(line)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, resp)
	}
	return scanner.Err()
}
