package controller

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/downfa11-org/mmq/pkg/cursor"
	"github.com/downfa11-org/mmq/pkg/queue"
	"github.com/downfa11-org/mmq/util"
	"github.com/dustin/go-humanize"
)

const DefaultMaxPollRecords = 100

// CommandHandler executes text commands against a byte queue.
type CommandHandler struct {
	Queue   *queue.Queue[[]byte]
	Cursors *cursor.Store
}

func NewCommandHandler(q *queue.Queue[[]byte], cursors *cursor.Store) *CommandHandler {
	return &CommandHandler{Queue: q, Cursors: cursors}
}

func (ch *CommandHandler) logCommandResult(cmd, response string) {
	status := "SUCCESS"
	if strings.HasPrefix(response, "ERROR:") {
		status = "FAILURE"
	}
	cleanResponse := strings.ReplaceAll(response, "\n", " ")
	util.Debug("status: '%s', command: '%s' to Response '%s'", status, cmd, cleanResponse)
}

const helpText = `Available commands:
PUBLISH message=<text> - append a message
CONSUME [offset=<N>] [max=<N>] - read messages, continuing from the last CONSUME by default
TAIL - show tail offset and next sequence
STATUS - show queue and replication status
USE consumer=<name> - set the consumer for cursor commands
COMMIT_OFFSET [offset=<N>] - save the current (or given) offset for the consumer
FETCH_OFFSET - load the consumer's saved offset
DROP_BEFORE offset=<N> - remove sealed segments below offset
HELP - show this help
EXIT - exit`

// HandleCommand runs one command and returns its response. Failures are
// reported as a line starting with "ERROR:".
func (ch *CommandHandler) HandleCommand(ctx context.Context, rawCmd string, cc *ClientContext) string {
	cmd := strings.TrimSpace(rawCmd)
	if cmd == "" {
		resp := "ERROR: empty command"
		ch.logCommandResult(rawCmd, resp)
		return resp
	}

	name, rest, _ := strings.Cut(cmd, " ")
	args := parseKeyValueArgs(rest)

	var resp string
	switch strings.ToUpper(name) {
	case "HELP":
		resp = helpText
	case "PUBLISH":
		resp = ch.handlePublish(ctx, args)
	case "CONSUME":
		resp = ch.handleConsume(args, cc)
	case "TAIL":
		resp = fmt.Sprintf("tail=%d next_sequence=%d", ch.Queue.TailOffset(), ch.Queue.NextSequence())
	case "STATUS":
		resp = ch.handleStatus()
	case "USE":
		if args["consumer"] == "" {
			resp = "ERROR: invalid USE syntax. Expected: USE consumer=<name>"
			break
		}
		cc.SetConsumer(args["consumer"])
		resp = "OK consumer=" + cc.Consumer
	case "COMMIT_OFFSET":
		resp = ch.handleCommitOffset(args, cc)
	case "FETCH_OFFSET":
		resp = ch.handleFetchOffset(cc)
	case "DROP_BEFORE":
		off, err := strconv.ParseUint(args["offset"], 10, 64)
		if err != nil {
			resp = "ERROR: invalid DROP_BEFORE syntax. Expected: DROP_BEFORE offset=<N>"
			break
		}
		n, err := ch.Queue.DropBefore(off)
		if err != nil {
			resp = "ERROR: " + err.Error()
			break
		}
		resp = fmt.Sprintf("OK dropped=%d", n)
	default:
		resp = fmt.Sprintf("ERROR: unknown command %q, type HELP", name)
	}
	ch.logCommandResult(rawCmd, resp)
	return resp
}

func (ch *CommandHandler) handlePublish(ctx context.Context, args map[string]string) string {
	msg, ok := args["message"]
	if !ok || msg == "" {
		return "ERROR: invalid PUBLISH syntax. Expected: PUBLISH message=<text>"
	}
	seq, err := ch.Queue.Enqueue(ctx, []byte(msg))
	if err != nil {
		return "ERROR: " + err.Error()
	}
	return fmt.Sprintf("OK sequence=%d", seq)
}

func (ch *CommandHandler) handleConsume(args map[string]string, cc *ClientContext) string {
	offset := cc.Offset
	if v, ok := args["offset"]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return "ERROR: invalid offset " + v
		}
		offset = n
	}
	limit := DefaultMaxPollRecords
	if v, ok := args["max"]; ok {
		limit = util.ParseInt(v, DefaultMaxPollRecords)
	}

	var b strings.Builder
	count := 0
	for count < limit {
		item, next, ok, err := ch.Queue.DequeueFrom(offset)
		if err != nil {
			return "ERROR: " + err.Error()
		}
		if !ok {
			break
		}
		fmt.Fprintf(&b, "%d: %s\n", offset, item)
		offset = next
		count++
	}
	cc.Offset = offset
	fmt.Fprintf(&b, "-- %d message(s), next offset=%d", count, offset)
	return b.String()
}

func (ch *CommandHandler) handleStatus() string {
	st := ch.Queue.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "queue %s (%s)\n", st.QueueID, st.Path)
	fmt.Fprintf(&b, "role=%s mode=%s writable=%t\n", st.Role, st.Mode, st.Writable)
	fmt.Fprintf(&b, "oldest=%d tail=%d next_sequence=%d size=%s segments=%d",
		st.Oldest, st.Tail, st.NextSequence, humanize.IBytes(st.Tail-st.Oldest), len(st.Segments))
	for _, p := range st.Peers {
		fmt.Fprintf(&b, "\npeer %s %s state=%s acked=%d lag=%s", p.ID, p.Address, p.State, p.AckedOffset, humanize.IBytes(p.Lag))
	}
	if st.ReplicationErr != nil {
		fmt.Fprintf(&b, "\nreplication error: %v", st.ReplicationErr)
	}
	return b.String()
}

func (ch *CommandHandler) handleCommitOffset(args map[string]string, cc *ClientContext) string {
	if ch.Cursors == nil {
		return "ERROR: no cursor database configured"
	}
	if cc.Consumer == "" {
		return "ERROR: no consumer selected, use USE consumer=<name>"
	}
	offset := cc.Offset
	if v, ok := args["offset"]; ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return "ERROR: invalid offset " + v
		}
		offset = n
	}
	if err := ch.Cursors.Commit(ch.Queue.QueueID(), cc.Consumer, offset); err != nil {
		return "ERROR: " + err.Error()
	}
	return fmt.Sprintf("OK consumer=%s offset=%d", cc.Consumer, offset)
}

func (ch *CommandHandler) handleFetchOffset(cc *ClientContext) string {
	if ch.Cursors == nil {
		return "ERROR: no cursor database configured"
	}
	if cc.Consumer == "" {
		return "ERROR: no consumer selected, use USE consumer=<name>"
	}
	off, ok, err := ch.Cursors.Get(ch.Queue.QueueID(), cc.Consumer)
	if err != nil {
		return "ERROR: " + err.Error()
	}
	if !ok {
		return fmt.Sprintf("ERROR: no offset saved for consumer %s", cc.Consumer)
	}
	cc.Offset = off
	return fmt.Sprintf("OK consumer=%s offset=%d", cc.Consumer, off)
}

// parseKeyValueArgs splits key=value pairs; message= takes the rest of the line.
func parseKeyValueArgs(argsStr string) map[string]string {
	result := make(map[string]string)

	head := argsStr
	if idx := strings.Index(argsStr, "message="); idx != -1 {
		head = argsStr[:idx]
		result["message"] = strings.TrimSpace(argsStr[idx+len("message="):])
	}
	for _, part := range strings.Fields(head) {
		if k, v, ok := strings.Cut(part, "="); ok {
			result[k] = v
		}
	}
	return result
}
