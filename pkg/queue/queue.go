// Package queue is the typed front end of mmq: it encodes items with a
// Serializer, appends them to the log and gates synchronous appends on
// replication.
package queue

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/downfa11-org/mmq/pkg/appendlog"
	"github.com/downfa11-org/mmq/pkg/disk"
	"github.com/downfa11-org/mmq/pkg/replication"
	"github.com/downfa11-org/mmq/pkg/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Queue is a persistent queue of T. Methods are safe for concurrent use;
// appends are serialized by the underlying log.
type Queue[T any] struct {
	log    *appendlog.Log
	ser    types.Serializer[T]
	opts   options
	logger *zap.Logger

	mu        sync.RWMutex
	repl      replication.Config
	primary   *replication.Primary
	secondary *replication.Secondary
	stop      context.CancelFunc
	serveDone chan error
	closed    bool
}

// Item is a decoded record together with its position. Next is the cursor
// of the following record.
type Item[T any] struct {
	Value    T
	Sequence uint64
	Offset   uint64
	Next     uint64
}

// New creates the queue at path, or opens it as the writer when it already
// exists with the same segment capacity. capacity is the size in bytes of
// each segment file.
func New[T any](path string, capacity uint64, ser types.Serializer[T], opts ...Option) (*Queue[T], error) {
	o := buildOptions(opts)
	switch {
	case ser == nil:
		return nil, fmt.Errorf("%w: serializer is required", types.ErrInvalidConfig)
	case capacity < disk.MinSegmentSize:
		return nil, fmt.Errorf("%w: capacity %d below minimum %d", types.ErrInvalidConfig, capacity, disk.MinSegmentSize)
	case o.readOnly:
		return nil, fmt.Errorf("%w: New always claims the writer role", types.ErrInvalidConfig)
	}
	log, err := appendlog.Create(path, o.logOptions(true, capacity))
	if err != nil {
		return nil, err
	}
	return newQueue(log, ser, o), nil
}

// Open attaches to an existing queue, as the writer unless WithReadOnly is
// given, and recovers it.
func Open[T any](path string, ser types.Serializer[T], opts ...Option) (*Queue[T], error) {
	o := buildOptions(opts)
	if ser == nil {
		return nil, fmt.Errorf("%w: serializer is required", types.ErrInvalidConfig)
	}
	log, err := appendlog.Open(path, o.logOptions(!o.readOnly, 0))
	if err != nil {
		return nil, err
	}
	return newQueue(log, ser, o), nil
}

func newQueue[T any](log *appendlog.Log, ser types.Serializer[T], o options) *Queue[T] {
	return &Queue[T]{
		log:    log,
		ser:    ser,
		opts:   o,
		logger: o.logger.With(zap.String("queue", log.Dir())),
		repl:   replication.Config{NodeID: o.nodeID},
	}
}

func (q *Queue[T]) Path() string { return q.log.Dir() }

func (q *Queue[T]) QueueID() string { return q.log.Meta().QueueID }

// Log exposes the underlying append log.
func (q *Queue[T]) Log() *appendlog.Log { return q.log }

// Enqueue appends item and returns its sequence number. In synchronous
// replication mode it then waits for the acknowledgment quorum; the mode is
// sampled before the append. A replication error is returned together with
// the sequence, since the record is already committed locally.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, types.Cancelled(err)
	}
	q.mu.RLock()
	role, primary, closed := q.repl.Role, q.primary, q.closed
	q.mu.RUnlock()
	switch {
	case closed:
		return 0, types.ErrClosed
	case role == types.RoleSecondary:
		return 0, types.ErrReadOnlyReplica
	case !q.log.Writable():
		return 0, types.ErrNotWritable
	}
	await := primary != nil && primary.Mode() == types.ModeSync

	payload, err := q.ser.Encode(item)
	if err != nil {
		return 0, wrapSerializer(types.ErrSerialization, err)
	}
	rec, err := q.log.Append(payload)
	if errors.Is(err, appendlog.ErrUnsynced) {
		return rec.Sequence, err
	}
	if err != nil {
		return 0, err
	}
	if await {
		if err := primary.Await(ctx, rec); err != nil {
			return rec.Sequence, err
		}
	}
	return rec.Sequence, nil
}

// DequeueFrom decodes the record at cursor without waiting. ok is false when
// cursor is the tail; next is the cursor of the following record.
func (q *Queue[T]) DequeueFrom(cursor uint64) (item T, next uint64, ok bool, err error) {
	if cursor == q.log.TailOffset() {
		return item, cursor, false, nil
	}
	rec, err := q.log.ReadAt(cursor)
	if err != nil {
		return item, cursor, false, err
	}
	item, err = q.ser.Decode(rec.Payload)
	if err != nil {
		return item, cursor, false, wrapSerializer(types.ErrDeserialization, fmt.Errorf("offset %d: %w", cursor, err))
	}
	return item, rec.NextOffset(), true, nil
}

// Subscribe yields items from cursor on, blocking at the tail until a record
// is committed or ctx is done. The terminating error is yielded once.
func (q *Queue[T]) Subscribe(ctx context.Context, cursor uint64) iter.Seq2[Item[T], error] {
	return func(yield func(Item[T], error) bool) {
		sub := q.log.Subscribe(cursor)
		defer sub.Close()
		for rec, err := range sub.All(ctx) {
			if err != nil {
				yield(Item[T]{}, err)
				return
			}
			v, err := q.ser.Decode(rec.Payload)
			if err != nil {
				yield(Item[T]{}, wrapSerializer(types.ErrDeserialization, fmt.Errorf("offset %d: %w", rec.Offset, err)))
				return
			}
			if !yield(Item[T]{Value: v, Sequence: rec.Sequence, Offset: rec.Offset, Next: rec.NextOffset()}, nil) {
				return
			}
		}
	}
}

func (q *Queue[T]) TailOffset() uint64 { return q.log.TailOffset() }

func (q *Queue[T]) NextSequence() uint64 { return q.log.NextSequence() }

// DropBefore removes sealed segments entirely below offset. See
// appendlog.Log.DropSegmentsBefore.
func (q *Queue[T]) DropBefore(offset uint64) (int, error) {
	return q.log.DropSegmentsBefore(offset)
}

// Status is a snapshot of the queue and its replication state.
type Status struct {
	Path         string
	QueueID      string
	Writable     bool
	Role         types.Role
	Mode         types.Mode
	Tail         uint64
	Oldest       uint64
	NextSequence uint64
	MaxBytes     uint64
	Segments     []appendlog.SegmentInfo
	Peers        []types.PeerStatus
	// ReplicationErr is the last fatal error seen by a secondary.
	ReplicationErr error
}

func (q *Queue[T]) Status() Status {
	q.mu.RLock()
	defer q.mu.RUnlock()
	st := Status{
		Path:         q.log.Dir(),
		QueueID:      q.log.Meta().QueueID,
		Writable:     q.log.Writable(),
		Role:         q.repl.Role,
		Mode:         q.repl.Mode,
		Tail:         q.log.TailOffset(),
		Oldest:       q.log.OldestOffset(),
		NextSequence: q.log.NextSequence(),
		MaxBytes:     q.log.MaxBytes(),
		Segments:     q.log.Segments(),
	}
	if q.primary != nil {
		st.Mode = q.primary.Mode()
		st.Peers = q.primary.Peers()
	}
	if q.secondary != nil {
		st.ReplicationErr = q.secondary.Err()
	}
	return st
}

// Close stops replication and closes the log. Open subscriptions end with
// ErrClosed.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	err := q.stopReplicationLocked()
	q.mu.Unlock()

	return multierr.Append(err, q.log.Close())
}

func wrapSerializer(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
