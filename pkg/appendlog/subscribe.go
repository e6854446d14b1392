package appendlog

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/mmq/pkg/types"
)

// Subscription reads records in order from a starting offset and blocks at
// the tail. A Subscription is not safe for concurrent use; open one per
// consumer. Close it to let retention reclaim the segments it was reading.
type Subscription struct {
	log *Log

	offset   atomic.Uint64
	seq      uint64
	resolved bool
	closed   atomic.Bool
}

// Subscribe starts a subscription at from, which must be a record boundary.
func (l *Log) Subscribe(from uint64) *Subscription {
	s := &Subscription{log: l}
	s.offset.Store(from)

	l.subsMu.Lock()
	l.subs[s] = struct{}{}
	l.subsMu.Unlock()
	return s
}

// Offset is the offset of the next record Next will return.
func (s *Subscription) Offset() uint64 { return s.offset.Load() }

// Next returns the next record, waiting for one to be committed if the
// subscription is at the tail.
func (s *Subscription) Next(ctx context.Context) (types.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.Record{}, types.Cancelled(err)
		}
		if s.closed.Load() {
			return types.Record{}, types.ErrClosed
		}

		wake := s.log.notifier.Wait()
		rec, ok, err := s.log.readNext(s)
		if err != nil {
			return types.Record{}, err
		}
		if ok {
			s.offset.Store(rec.NextOffset())
			s.seq = rec.Sequence + 1
			return rec, nil
		}
		if err := s.wait(ctx, wake); err != nil {
			return types.Record{}, err
		}
	}
}

func (s *Subscription) wait(ctx context.Context, wake <-chan struct{}) error {
	var poll <-chan time.Time
	if !s.log.opts.Writable {
		// another process may be writing; watch the mapped header
		t := time.NewTimer(s.log.opts.PollInterval)
		defer t.Stop()
		poll = t.C
	}
	select {
	case <-ctx.Done():
		return types.Cancelled(ctx.Err())
	case <-s.log.done:
		return types.ErrClosed
	case <-wake:
	case <-poll:
	}
	return nil
}

// All yields records until ctx is done, the log closes or a read fails; the
// terminating error is yielded once.
func (s *Subscription) All(ctx context.Context) iter.Seq2[types.Record, error] {
	return func(yield func(types.Record, error) bool) {
		for {
			rec, err := s.Next(ctx)
			if err != nil {
				yield(types.Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *Subscription) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.log.subsMu.Lock()
	delete(s.log.subs, s)
	s.log.subsMu.Unlock()
}

// readNext returns the record at the subscription's offset, or ok=false when
// nothing is committed there yet.
func (l *Log) readNext(s *Subscription) (types.Record, bool, error) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.isClosed() {
		return types.Record{}, false, types.ErrClosed
	}

	offset := s.offset.Load()
	set := l.segments()
	if offset < set.oldest() {
		return types.Record{}, false, fmt.Errorf("%w: %d is before oldest retained offset %d", types.ErrOffsetNotFound, offset, set.oldest())
	}
	e := set.find(offset)
	if e == nil || offset >= e.seg.Committed() {
		return types.Record{}, false, nil
	}
	if !s.resolved {
		seq, err := l.locate(e, offset)
		if err != nil {
			return types.Record{}, false, err
		}
		s.seq, s.resolved = seq, true
	}
	rec, err := readRecord(e, offset, s.seq)
	if err != nil {
		return types.Record{}, false, err
	}
	return rec, true, nil
}

// minSubscribedOffset is the lowest offset any open subscription still needs.
func (l *Log) minSubscribedOffset() (uint64, bool) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	var low uint64
	found := false
	for s := range l.subs {
		if off := s.Offset(); !found || off < low {
			low, found = off, true
		}
	}
	return low, found
}
