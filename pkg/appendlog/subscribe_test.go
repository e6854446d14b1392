package appendlog_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/downfa11-org/mmq/pkg/appendlog"
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestSubscription_ConcurrentReadersSeeEveryRecord(t *testing.T) {
	const (
		total   = 10000
		readers = 4
	)
	l := createLog(t, t.TempDir(), appendlog.Options{SegmentSize: 32 << 10})
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < readers; r++ {
		g.Go(func() error {
			sub := l.Subscribe(0)
			defer sub.Close()
			for i := 0; i < total; i++ {
				rec, err := sub.Next(gctx)
				if err != nil {
					return err
				}
				if rec.Sequence != uint64(i) {
					return fmt.Errorf("reader %d: got sequence %d, want %d", r, rec.Sequence, i)
				}
				if want := fmt.Sprintf("m%05d", i); string(rec.Payload) != want {
					return fmt.Errorf("reader %d: got payload %q, want %q", r, rec.Payload, want)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < total; i++ {
			if _, err := l.Append([]byte(fmt.Sprintf("m%05d", i))); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
	assert.Greater(t, len(l.Segments()), 1)
}

func TestSubscription_StartsMidLog(t *testing.T) {
	l := createLog(t, t.TempDir(), appendlog.Options{SegmentSize: 256})
	defer l.Close()
	recs := appendN(t, l, 15, "twenty-byte-msg-%04d")

	sub := l.Subscribe(recs[7].Offset)
	defer sub.Close()
	ctx := context.Background()
	for i := 7; i < 15; i++ {
		rec, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rec.Sequence)
	}
	assert.Equal(t, l.TailOffset(), sub.Offset())

	bad := l.Subscribe(recs[3].Offset + 2)
	defer bad.Close()
	_, err := bad.Next(ctx)
	assert.ErrorIs(t, err, types.ErrOffsetNotFound)
}

func TestSubscription_BlocksUntilCommit(t *testing.T) {
	l := createLog(t, t.TempDir(), appendlog.Options{})
	defer l.Close()

	sub := l.Subscribe(0)
	defer sub.Close()

	got := make(chan types.Record, 1)
	go func() {
		rec, err := sub.Next(context.Background())
		if err == nil {
			got <- rec
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("Next returned before anything was committed")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := l.Append([]byte("wake"))
	require.NoError(t, err)
	select {
	case rec := <-got:
		assert.Equal(t, "wake", string(rec.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not woken")
	}
}

func TestSubscription_CancelAndClose(t *testing.T) {
	l := createLog(t, t.TempDir(), appendlog.Options{})
	sub := l.Subscribe(0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, types.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake the subscription")
	}
}

func TestSubscription_All(t *testing.T) {
	l := createLog(t, t.TempDir(), appendlog.Options{})
	defer l.Close()
	appendN(t, l, 5, "it-%d")

	sub := l.Subscribe(0)
	defer sub.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seqs []uint64
	for rec, err := range sub.All(ctx) {
		require.NoError(t, err)
		seqs = append(seqs, rec.Sequence)
		if len(seqs) == 5 {
			break
		}
	}
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, seqs)

	cancel()
	for _, err := range sub.All(ctx) {
		assert.ErrorIs(t, err, types.ErrCancelled)
	}
}

func TestReaderHandle_FollowsWriter(t *testing.T) {
	dir := t.TempDir()
	w := createLog(t, dir, appendlog.Options{SegmentSize: 256})
	defer w.Close()
	appendN(t, w, 3, "twenty-byte-msg-%04d")

	r, err := appendlog.Open(dir, appendlog.Options{PollInterval: time.Millisecond})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, w.TailOffset(), r.TailOffset())

	sub := r.Subscribe(0)
	defer sub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i := 0; i < 30; i++ {
			rec, err := sub.Next(gctx)
			if err != nil {
				return err
			}
			if rec.Sequence != uint64(i) {
				return fmt.Errorf("got sequence %d, want %d", rec.Sequence, i)
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 3; i < 30; i++ {
			if _, err := w.Append([]byte(fmt.Sprintf("twenty-byte-msg-%04d", i))); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	assert.Equal(t, w.TailOffset(), r.TailOffset())
	assert.Equal(t, w.NextSequence(), r.NextSequence())
	assert.Equal(t, len(w.Segments()), len(r.Segments()))
}
