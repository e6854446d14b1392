package appendlog

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/mmq/pkg/disk"
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrOutOfOrder is returned by ApplyReplicated when a record does not extend
// the local log exactly.
var ErrOutOfOrder = errors.New("replicated record does not follow local tail")

// ErrUnsynced is returned with a valid Record when the record was published
// to readers but syncing the segment header afterwards failed. The record
// keeps its sequence; the next successful sync covers it.
var ErrUnsynced = errors.New("record committed but not synced")

// commitSegment is swapped in tests.
var commitSegment = (*disk.Segment).Commit

// Log is an append-only log of records over a directory of memory-mapped
// segments. A writable Log holds the directory's writer lock; any number of
// read-only Logs may be open on the same directory, in this or other processes.
type Log struct {
	store   *disk.Store
	opts    Options
	logger  *zap.Logger
	metrics types.MetricsSink

	maxBytes uint64

	set atomic.Pointer[segmentSet]

	writeMu   sync.Mutex
	nextSeq   uint64
	unflushed int

	refreshMu sync.Mutex

	notifier *util.Broadcast

	// closeMu is held shared by reads and exclusively while segments are unmapped.
	closeMu sync.RWMutex
	closed  atomic.Bool
	done    chan struct{}
	final   closedView

	flushKick chan struct{}
	wg        sync.WaitGroup

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
}

// Create opens dir as the writer, creating the queue if it does not exist.
// An existing queue must have the same segment size.
func Create(dir string, opts Options) (*Log, error) {
	opts.Writable = true
	store, err := disk.CreateStore(dir, disk.NewMeta(opts.SegmentSize, opts.MaxBytes, opts.BaseSequence))
	if err != nil {
		return nil, err
	}
	return open(store, opts)
}

// Open attaches to an existing queue and runs recovery.
func Open(dir string, opts Options) (*Log, error) {
	store, err := disk.OpenStore(dir, opts.Writable)
	if err != nil {
		return nil, err
	}
	return open(store, opts)
}

func open(store *disk.Store, opts Options) (*Log, error) {
	opts.normalize()

	segs, err := store.Recover()
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}

	l := &Log{
		store:     store,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("queue", store.Dir())),
		metrics:   opts.Metrics,
		maxBytes:  opts.MaxBytes,
		notifier:  util.NewBroadcast(),
		done:      make(chan struct{}),
		flushKick: make(chan struct{}, 1),
		subs:      make(map[*Subscription]struct{}),
	}
	if l.maxBytes == 0 {
		l.maxBytes = store.Meta().MaxBytes
	}

	entries := make([]*entry, len(segs))
	for i, seg := range segs {
		entries[i] = newEntry(seg, opts.IndexInterval)
	}
	l.set.Store(&segmentSet{entries: entries})

	last := segs[len(segs)-1]
	l.nextSeq = last.BaseSequence() + last.RecordCount()

	if opts.Writable && opts.Durability == DurabilityBatch {
		l.wg.Add(1)
		go l.flushLoop()
	}

	l.metrics.SetSegments(len(segs))
	l.metrics.SetTail(last.Committed())
	l.logger.Info("opened log",
		zap.Bool("writable", opts.Writable),
		zap.Int("segments", len(segs)),
		zap.Uint64("tail", last.Committed()),
		zap.Uint64("next_sequence", l.nextSeq),
		zap.Stringer("durability", opts.Durability))
	return l, nil
}

func (l *Log) Dir() string           { return l.store.Dir() }
func (l *Log) Meta() disk.Meta       { return l.store.Meta() }
func (l *Log) Writable() bool        { return l.opts.Writable }
func (l *Log) MaxBytes() uint64      { return l.maxBytes }
func (l *Log) Options() Options      { return l.opts }
func (l *Log) isClosed() bool        { return l.closed.Load() }
func (l *Log) Done() <-chan struct{} { return l.done }

// segments returns the current segment set. Read-only handles first pick up
// segments the writer created after the last one was sealed.
func (l *Log) segments() *segmentSet {
	set := l.set.Load()
	if l.opts.Writable || !set.last().seg.Sealed() {
		return set
	}
	return l.refresh()
}

func (l *Log) refresh() *segmentSet {
	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	set := l.set.Load()
	for set.last().seg.Sealed() {
		seg, err := l.store.OpenSegment(set.last().seg.Index() + 1)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				l.logger.Warn("failed to open next segment", zap.Error(err))
			}
			break
		}
		set = set.with(newEntry(seg, l.opts.IndexInterval))
		l.set.Store(set)
	}
	return set
}

// Append frames payload into the active segment, rolling to a new segment
// when it does not fit, and commits it. Nothing is published on failure,
// except with ErrUnsynced, where the returned record is committed.
func (l *Log) Append(payload []byte) (types.Record, error) {
	if !l.opts.Writable {
		return types.Record{}, types.ErrNotWritable
	}
	return l.append(payload, util.Checksum(payload), nil)
}

// ApplyReplicated appends a record received from a primary. Its sequence and
// offset must equal the local next sequence and tail.
func (l *Log) ApplyReplicated(rec types.Record) error {
	if !l.opts.Writable {
		return types.ErrNotWritable
	}
	if util.Checksum(rec.Payload) != rec.Checksum {
		return &types.CorruptionError{Path: l.store.Dir(), Offset: rec.Offset, Reason: "replicated record checksum mismatch"}
	}
	_, err := l.append(rec.Payload, rec.Checksum, &rec)
	return err
}

func (l *Log) append(payload []byte, sum uint32, want *types.Record) (types.Record, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.isClosed() {
		return types.Record{}, types.ErrClosed
	}
	start := time.Now()
	set := l.set.Load()
	active := set.last()
	tail := active.seg.Committed()

	if want != nil && (want.Offset != tail || want.Sequence != l.nextSeq) {
		return types.Record{}, fmt.Errorf("%w: got seq %d offset %d, expected seq %d offset %d",
			ErrOutOfOrder, want.Sequence, want.Offset, l.nextSeq, tail)
	}

	size := types.FramedSize(len(payload))
	if limit := l.store.Meta().SegmentSize - disk.HeaderSize; size > limit {
		return types.Record{}, fmt.Errorf("%w: %d byte frame, segment holds %d", types.ErrRecordTooLarge, size, limit)
	}
	if l.maxBytes > 0 && tail-set.oldest()+size > l.maxBytes {
		return types.Record{}, fmt.Errorf("%w: %d of %d bytes used", types.ErrQueueFull, tail-set.oldest(), l.maxBytes)
	}

	off, err := active.seg.Append(payload, sum)
	if errors.Is(err, types.ErrSegmentFull) {
		if active, err = l.roll(); err != nil {
			return types.Record{}, err
		}
		off, err = active.seg.Append(payload, sum)
	}
	if err != nil {
		return types.Record{}, err
	}
	if err := commitSegment(active.seg, l.opts.Durability == DurabilitySync); err != nil {
		if active.seg.Committed() <= off {
			active.seg.Rollback()
			return types.Record{}, err
		}
		// Readers can already see the frame.
		return l.published(active, off, sum, payload, start), fmt.Errorf("%w: %w", ErrUnsynced, err)
	}
	return l.published(active, off, sum, payload, start), nil
}

// published advances the log past a record its segment has made visible.
// Called with writeMu held.
func (l *Log) published(active *entry, off uint64, sum uint32, payload []byte, start time.Time) types.Record {
	rec := types.Record{Sequence: l.nextSeq, Offset: off, Checksum: sum, Payload: payload}
	l.nextSeq++
	active.index.add(off, rec.Sequence)
	l.notifier.Notify()

	l.metrics.ObserveAppend(time.Since(start), len(payload))
	l.metrics.SetTail(rec.NextOffset())

	if l.opts.Durability == DurabilityBatch {
		l.unflushed++
		if l.unflushed >= l.opts.FlushBatch {
			select {
			case l.flushKick <- struct{}{}:
			default:
			}
		}
	}
	return rec
}

// roll seals the active segment and publishes a new one after it.
// Called with writeMu held.
func (l *Log) roll() (*entry, error) {
	set := l.set.Load()
	old := set.last().seg
	if err := old.Seal(); err != nil {
		return nil, err
	}
	seg, err := l.store.CreateSegment(old.Index()+1, old.Committed(), old.BaseSequence()+old.RecordCount())
	if err != nil {
		return nil, err
	}
	e := newEntry(seg, l.opts.IndexInterval)
	set = set.with(e)
	l.set.Store(set)
	l.unflushed = 0

	l.logger.Debug("rolled segment",
		zap.Uint64("index", seg.Index()),
		zap.Uint64("base_offset", seg.BaseOffset()),
		zap.Uint64("base_sequence", seg.BaseSequence()))
	l.metrics.SetSegments(len(set.entries))
	return e, nil
}

// ReadAt returns the record starting at offset.
func (l *Log) ReadAt(offset uint64) (types.Record, error) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.isClosed() {
		return types.Record{}, types.ErrClosed
	}

	set := l.segments()
	e, err := l.segmentFor(set, offset)
	if err != nil {
		return types.Record{}, err
	}
	seq, err := l.locate(e, offset)
	if err != nil {
		return types.Record{}, err
	}
	return readRecord(e, offset, seq)
}

// SequenceAt returns the sequence of the record starting at offset. The
// committed tail is accepted too and yields the sequence the record appended
// there got or will get, so the answer stays valid while appends continue.
func (l *Log) SequenceAt(offset uint64) (uint64, error) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.isClosed() {
		return 0, types.ErrClosed
	}

	set := l.segments()
	if offset < set.oldest() {
		return 0, fmt.Errorf("%w: %d is before oldest retained offset %d", types.ErrOffsetNotFound, offset, set.oldest())
	}
	e := set.find(offset)
	if e == nil || offset > e.seg.Committed() {
		return 0, fmt.Errorf("%w: %d is beyond tail %d", types.ErrOffsetNotFound, offset, set.last().seg.Committed())
	}
	return l.locate(e, offset)
}

func (l *Log) segmentFor(set *segmentSet, offset uint64) (*entry, error) {
	if offset < set.oldest() {
		return nil, fmt.Errorf("%w: %d is before oldest retained offset %d", types.ErrOffsetNotFound, offset, set.oldest())
	}
	e := set.find(offset)
	if e == nil || offset >= e.seg.Committed() {
		return nil, fmt.Errorf("%w: %d is at or beyond tail %d", types.ErrOffsetNotFound, offset, set.last().seg.Committed())
	}
	return e, nil
}

func readRecord(e *entry, offset, seq uint64) (types.Record, error) {
	payload, sum, err := e.seg.ReadFrame(offset)
	if err != nil {
		return types.Record{}, err
	}
	return types.Record{Sequence: seq, Offset: offset, Checksum: sum, Payload: payload}, nil
}

// locate returns the sequence of the record starting at offset, which may
// also be the segment's committed end. It scans forward from the nearest
// index entry and indexes what it passes.
func (l *Log) locate(e *entry, offset uint64) (uint64, error) {
	start := e.index.floor(offset)
	cur, seq := start.offset, start.seq
	for cur < offset {
		size, err := e.seg.FrameSize(cur)
		if err != nil {
			return 0, err
		}
		cur += size
		seq++
		e.index.add(cur, seq)
	}
	if cur != offset {
		return 0, fmt.Errorf("%w: %d is not a record boundary", types.ErrOffsetNotFound, offset)
	}
	return seq, nil
}

// closedView holds the positions observed when the log was closed.
type closedView struct {
	tail, oldest, baseSeq, nextSeq uint64
}

// view runs fn against the current segment set unless the log is closed.
func (l *Log) view(fn func(set *segmentSet)) bool {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.isClosed() {
		return false
	}
	fn(l.segments())
	return true
}

// TailOffset is the offset one past the last committed record.
func (l *Log) TailOffset() uint64 {
	var tail uint64
	if !l.view(func(set *segmentSet) { tail = set.last().seg.Committed() }) {
		return l.final.tail
	}
	return tail
}

// NextSequence is the sequence the next appended record will get.
func (l *Log) NextSequence() uint64 {
	if l.opts.Writable {
		l.writeMu.Lock()
		defer l.writeMu.Unlock()
		return l.nextSeq
	}
	var seq uint64
	if !l.view(func(set *segmentSet) { seq = l.nextSequenceOf(set) }) {
		return l.final.nextSeq
	}
	return seq
}

func (l *Log) nextSequenceOf(set *segmentSet) uint64 {
	last := set.last()
	seq, err := l.locate(last, last.seg.Committed())
	if err != nil {
		return last.seg.BaseSequence() + last.seg.RecordCount()
	}
	return seq
}

// OldestOffset is the first retained offset.
func (l *Log) OldestOffset() uint64 {
	var off uint64
	if !l.view(func(set *segmentSet) { off = set.oldest() }) {
		return l.final.oldest
	}
	return off
}

// BaseSequence is the sequence of the oldest retained record.
func (l *Log) BaseSequence() uint64 {
	var seq uint64
	if !l.view(func(set *segmentSet) { seq = set.first().seg.BaseSequence() }) {
		return l.final.baseSeq
	}
	return seq
}

// LastRecord returns the newest committed record, if any is retained.
func (l *Log) LastRecord() (types.Record, bool, error) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.isClosed() {
		return types.Record{}, false, types.ErrClosed
	}

	set := l.segments()
	for i := len(set.entries) - 1; i >= 0; i-- {
		e := set.entries[i]
		end := e.seg.Committed()
		if end == e.seg.BaseOffset() {
			continue
		}
		start := e.index.floor(end - 1)
		prev, cur, seq := start.offset, start.offset, start.seq
		for cur < end {
			size, err := e.seg.FrameSize(cur)
			if err != nil {
				return types.Record{}, false, err
			}
			prev = cur
			cur += size
			seq++
		}
		rec, err := readRecord(e, prev, seq-1)
		if err != nil {
			return types.Record{}, false, err
		}
		return rec, true, nil
	}
	return types.Record{}, false, nil
}

// SegmentInfo describes one segment for status output.
type SegmentInfo struct {
	Index        uint64
	Path         string
	BaseOffset   uint64
	BaseSequence uint64
	Committed    uint64
	Records      uint64
	Capacity     uint64
	Sealed       bool
}

// Segments lists the retained segments; nil once the log is closed.
func (l *Log) Segments() []SegmentInfo {
	var out []SegmentInfo
	l.view(func(set *segmentSet) {
		out = make([]SegmentInfo, 0, len(set.entries))
		for _, e := range set.entries {
			out = append(out, SegmentInfo{
				Index:        e.seg.Index(),
				Path:         e.seg.Path(),
				BaseOffset:   e.seg.BaseOffset(),
				BaseSequence: e.seg.BaseSequence(),
				Committed:    e.seg.Committed(),
				Records:      e.seg.RecordCount(),
				Capacity:     e.seg.Capacity(),
				Sealed:       e.seg.Sealed(),
			})
		}
	})
	return out
}

// Close stops the flush loop, wakes subscriptions with ErrClosed, unmaps
// every segment and releases the writer lock.
func (l *Log) Close() error {
	l.writeMu.Lock()
	if l.closed.Load() {
		l.writeMu.Unlock()
		return nil
	}
	l.closeMu.RLock()
	set := l.segments()
	l.final = closedView{
		tail:    set.last().seg.Committed(),
		oldest:  set.oldest(),
		baseSeq: set.first().seg.BaseSequence(),
		nextSeq: l.nextSeq,
	}
	if !l.opts.Writable {
		l.final.nextSeq = l.nextSequenceOf(set)
	}
	l.closeMu.RUnlock()
	l.closed.Store(true)
	close(l.done)
	l.writeMu.Unlock()

	l.wg.Wait()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.closeMu.Lock()
	defer l.closeMu.Unlock()

	var err error
	set = l.set.Load()
	if l.opts.Writable {
		err = multierr.Append(err, set.last().seg.Flush())
	}
	for _, e := range set.entries {
		err = multierr.Append(err, e.seg.Close())
	}
	err = multierr.Append(err, l.store.Close())
	l.logger.Info("closed log")
	return err
}
