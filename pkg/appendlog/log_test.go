package appendlog_test

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/downfa11-org/mmq/pkg/appendlog"
	"github.com/downfa11-org/mmq/pkg/disk"
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createLog(t *testing.T, dir string, opts appendlog.Options) *appendlog.Log {
	t.Helper()
	if opts.SegmentSize == 0 {
		opts.SegmentSize = 64 << 10
	}
	l, err := appendlog.Create(dir, opts)
	require.NoError(t, err)
	return l
}

func appendN(t *testing.T, l *appendlog.Log, n int, format string) []types.Record {
	t.Helper()
	recs := make([]types.Record, 0, n)
	for i := 0; i < n; i++ {
		rec, err := l.Append([]byte(fmt.Sprintf(format, i)))
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return recs
}

func TestLog_AppendReadRoundTrip(t *testing.T) {
	l := createLog(t, t.TempDir(), appendlog.Options{BaseSequence: 100})
	defer l.Close()

	recs := appendN(t, l, 50, "payload-%d")
	var offset uint64
	for i, rec := range recs {
		assert.Equal(t, uint64(100+i), rec.Sequence)
		assert.Equal(t, offset, rec.Offset)
		offset = rec.NextOffset()

		got, err := l.ReadAt(rec.Offset)
		require.NoError(t, err)
		assert.Equal(t, rec.Sequence, got.Sequence)
		assert.Equal(t, fmt.Sprintf("payload-%d", i), string(got.Payload))
		assert.Equal(t, util.Checksum(got.Payload), got.Checksum)
	}
	assert.Equal(t, offset, l.TailOffset())
	assert.Equal(t, uint64(150), l.NextSequence())
	assert.Equal(t, uint64(0), l.OldestOffset())
	assert.Equal(t, uint64(100), l.BaseSequence())

	// reads in reverse go through the sparse index
	for i := len(recs) - 1; i >= 0; i-- {
		got, err := l.ReadAt(recs[i].Offset)
		require.NoError(t, err)
		assert.Equal(t, recs[i].Sequence, got.Sequence)
	}
}

func TestLog_ReadAtErrors(t *testing.T) {
	l := createLog(t, t.TempDir(), appendlog.Options{})
	defer l.Close()

	_, err := l.ReadAt(0)
	assert.ErrorIs(t, err, types.ErrOffsetNotFound, "empty log")

	recs := appendN(t, l, 3, "r%d")
	_, err = l.ReadAt(recs[2].NextOffset())
	assert.ErrorIs(t, err, types.ErrOffsetNotFound, "at tail")
	_, err = l.ReadAt(recs[1].Offset + 1)
	assert.ErrorIs(t, err, types.ErrOffsetNotFound, "inside a record")
}

func TestLog_RolloverIsTransparent(t *testing.T) {
	dir := t.TempDir()
	// 192 data bytes per segment: six 28-byte frames
	l := createLog(t, dir, appendlog.Options{SegmentSize: 256, IndexInterval: 32})
	defer l.Close()

	recs := appendN(t, l, 40, "twenty-byte-msg-%04d")
	segs := l.Segments()
	require.Len(t, segs, 7)
	for i, seg := range segs[:len(segs)-1] {
		assert.True(t, seg.Sealed, "segment %d", i)
		assert.Equal(t, uint64(6), seg.Records)
		assert.Equal(t, segs[i+1].BaseOffset, seg.Committed)
	}

	for i, rec := range recs {
		if i > 0 {
			assert.Equal(t, recs[i-1].NextOffset(), rec.Offset, "offsets stay dense across segments")
		}
		got, err := l.ReadAt(rec.Offset)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), got.Sequence)
		assert.Equal(t, rec.Payload, got.Payload)
	}

	last, ok, err := l.LastRecord()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(39), last.Sequence)
	assert.Equal(t, recs[39].Offset, last.Offset)
}

func TestLog_RecordLimits(t *testing.T) {
	l := createLog(t, t.TempDir(), appendlog.Options{SegmentSize: 256, MaxBytes: 100})
	defer l.Close()

	_, err := l.Append(make([]byte, 256))
	assert.ErrorIs(t, err, types.ErrRecordTooLarge)

	appendN(t, l, 4, "%016d") // 4 * 24 bytes
	_, err = l.Append([]byte("x"))
	assert.ErrorIs(t, err, types.ErrQueueFull)
	assert.Equal(t, uint64(96), l.TailOffset(), "failed appends commit nothing")
	assert.Equal(t, uint64(4), l.NextSequence())
}

func TestLog_OpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	l := createLog(t, dir, appendlog.Options{SegmentSize: 512})
	appendN(t, l, 25, "msg-%d")
	tail, next := l.TailOffset(), l.NextSequence()
	require.NoError(t, l.Close())

	for i := 0; i < 2; i++ {
		l, err := appendlog.Open(dir, appendlog.Options{Writable: true})
		require.NoError(t, err)
		assert.Equal(t, tail, l.TailOffset())
		assert.Equal(t, next, l.NextSequence())
		require.NoError(t, l.Close())
	}

	// reopening through Create with the same segment size attaches as well
	l, err := appendlog.Create(dir, appendlog.Options{SegmentSize: 512})
	require.NoError(t, err)
	assert.Equal(t, tail, l.TailOffset())
	require.NoError(t, l.Close())

	_, err = appendlog.Create(dir, appendlog.Options{SegmentSize: 1024})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestLog_RecoversFromTruncation(t *testing.T) {
	dir := t.TempDir()
	l := createLog(t, dir, appendlog.Options{SegmentSize: 4096})
	recs := appendN(t, l, 10, "record-%d")
	path := l.Segments()[0].Path
	require.NoError(t, l.Close())

	// cut the last record in half
	cut := int64(64 + recs[9].Offset + recs[9].FramedSize()/2)
	require.NoError(t, os.Truncate(path, cut))

	l, err := appendlog.Open(dir, appendlog.Options{Writable: true})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, recs[9].Offset, l.TailOffset())
	assert.Equal(t, uint64(9), l.NextSequence())
	_, err = l.ReadAt(recs[9].Offset)
	assert.ErrorIs(t, err, types.ErrOffsetNotFound)

	rec, err := l.Append([]byte("record-9-again"))
	require.NoError(t, err)
	assert.Equal(t, uint64(9), rec.Sequence)
	assert.Equal(t, recs[9].Offset, rec.Offset)
}

func TestLog_WriterIsExclusive(t *testing.T) {
	dir := t.TempDir()
	l := createLog(t, dir, appendlog.Options{})
	defer l.Close()

	_, err := appendlog.Open(dir, appendlog.Options{Writable: true})
	assert.ErrorIs(t, err, types.ErrLocked)

	r, err := appendlog.Open(dir, appendlog.Options{})
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Append([]byte("nope"))
	assert.ErrorIs(t, err, types.ErrNotWritable)
}

func TestLog_ApplyReplicated(t *testing.T) {
	src := createLog(t, t.TempDir(), appendlog.Options{BaseSequence: 7})
	defer src.Close()
	dst := createLog(t, t.TempDir(), appendlog.Options{BaseSequence: 7})
	defer dst.Close()

	recs := appendN(t, src, 3, "rep-%d")
	require.ErrorIs(t, dst.ApplyReplicated(recs[1]), appendlog.ErrOutOfOrder)

	for _, rec := range recs {
		require.NoError(t, dst.ApplyReplicated(rec))
	}
	assert.Equal(t, src.TailOffset(), dst.TailOffset())
	assert.Equal(t, src.NextSequence(), dst.NextSequence())

	require.ErrorIs(t, dst.ApplyReplicated(recs[2]), appendlog.ErrOutOfOrder, "duplicate")

	bad := types.Record{Sequence: 10, Offset: dst.TailOffset(), Checksum: 1, Payload: []byte("x")}
	assert.ErrorIs(t, dst.ApplyReplicated(bad), types.ErrCorruption)
}

func TestLog_DropSegmentsBefore(t *testing.T) {
	l := createLog(t, t.TempDir(), appendlog.Options{SegmentSize: 256})
	defer l.Close()

	recs := appendN(t, l, 20, "twenty-byte-msg-%04d")
	segs := l.Segments()
	require.Len(t, segs, 4)

	sub := l.Subscribe(0)
	n, err := l.DropSegmentsBefore(recs[13].Offset)
	require.NoError(t, err)
	assert.Zero(t, n, "deferred while a subscription is reading the first segment")
	sub.Close()

	n, err = l.DropSegmentsBefore(recs[13].Offset)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, segs[2].BaseOffset, l.OldestOffset())
	assert.Equal(t, uint64(12), l.BaseSequence())
	assert.NoFileExists(t, segs[0].Path)

	_, err = l.ReadAt(recs[0].Offset)
	assert.ErrorIs(t, err, types.ErrOffsetNotFound)
	got, err := l.ReadAt(recs[13].Offset)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), got.Sequence)

	n, err = l.DropSegmentsBefore(l.TailOffset())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the active segment is kept")
}

func TestLog_BatchDurability(t *testing.T) {
	dir := t.TempDir()
	l := createLog(t, dir, appendlog.Options{Durability: appendlog.DurabilityBatch, FlushBatch: 4})
	recs := appendN(t, l, 10, "batched-%d")
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	l, err := appendlog.Open(dir, appendlog.Options{Writable: true})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, recs[9].NextOffset(), l.TailOffset())
}

func TestLog_ClosedLog(t *testing.T) {
	l := createLog(t, t.TempDir(), appendlog.Options{})
	appendN(t, l, 2, "%d")
	tail := l.TailOffset()
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.Append([]byte("late"))
	assert.ErrorIs(t, err, types.ErrClosed)
	_, err = l.ReadAt(0)
	assert.ErrorIs(t, err, types.ErrClosed)
	assert.Equal(t, tail, l.TailOffset())
	assert.Nil(t, l.Segments())
}

func TestParseDurability(t *testing.T) {
	d, err := appendlog.ParseDurability("batch")
	require.NoError(t, err)
	assert.Equal(t, appendlog.DurabilityBatch, d)
	d, err = appendlog.ParseDurability("")
	require.NoError(t, err)
	assert.Equal(t, appendlog.DurabilitySync, d)
	_, err = appendlog.ParseDurability("never")
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestLog_HeaderSyncFailureKeepsSequence(t *testing.T) {
	dir := t.TempDir()
	l := createLog(t, dir, appendlog.Options{})
	appendN(t, l, 2, "ok-%d")

	syncErr := errors.New("msync header: input/output error")
	restore := appendlog.SetCommitFunc(func(seg *disk.Segment, sync bool) error {
		if err := seg.Commit(sync); err != nil {
			return err
		}
		return syncErr
	})
	rec, err := l.Append([]byte("published"))
	restore()
	require.ErrorIs(t, err, appendlog.ErrUnsynced)
	require.ErrorIs(t, err, syncErr)
	assert.Equal(t, uint64(2), rec.Sequence)
	assert.Equal(t, uint64(3), l.NextSequence())
	assert.Equal(t, rec.NextOffset(), l.TailOffset())

	got, err := l.ReadAt(rec.Offset)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Sequence)
	assert.Equal(t, "published", string(got.Payload))

	next, err := l.Append([]byte("after"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.Sequence)
	assert.Equal(t, rec.NextOffset(), next.Offset)
	require.NoError(t, l.Close())

	reopened, err := appendlog.Open(dir, appendlog.Options{Writable: true})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(4), reopened.NextSequence())
	assert.Equal(t, next.NextOffset(), reopened.TailOffset())
}

func TestLog_CommitFailureBeforePublish(t *testing.T) {
	l := createLog(t, t.TempDir(), appendlog.Options{})
	defer l.Close()
	appendN(t, l, 1, "ok-%d")
	tail := l.TailOffset()

	ioErr := errors.New("msync: input/output error")
	restore := appendlog.SetCommitFunc(func(*disk.Segment, bool) error { return ioErr })
	_, err := l.Append([]byte("lost"))
	restore()
	require.ErrorIs(t, err, ioErr)
	assert.NotErrorIs(t, err, appendlog.ErrUnsynced)
	assert.Equal(t, tail, l.TailOffset())
	assert.Equal(t, uint64(1), l.NextSequence())

	rec, err := l.Append([]byte("kept"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Sequence)
	assert.Equal(t, tail, rec.Offset)
	got, err := l.ReadAt(rec.Offset)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(got.Payload))
}

func TestLog_SequenceAt(t *testing.T) {
	l := createLog(t, t.TempDir(), appendlog.Options{SegmentSize: 256, BaseSequence: 10})
	defer l.Close()
	recs := appendN(t, l, 30, "record-%03d")
	require.Greater(t, len(l.Segments()), 1)

	for _, rec := range recs {
		seq, err := l.SequenceAt(rec.Offset)
		require.NoError(t, err)
		assert.Equal(t, rec.Sequence, seq)
	}
	seq, err := l.SequenceAt(l.TailOffset())
	require.NoError(t, err)
	assert.Equal(t, l.NextSequence(), seq)

	_, err = l.SequenceAt(recs[3].Offset + 1)
	assert.ErrorIs(t, err, types.ErrOffsetNotFound)
	_, err = l.SequenceAt(l.TailOffset() + 1)
	assert.ErrorIs(t, err, types.ErrOffsetNotFound)
}
