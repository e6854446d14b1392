package appendlog

import (
	"github.com/downfa11-org/mmq/pkg/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DropSegmentsBefore removes sealed segments that lie entirely below offset
// and returns how many were removed. The active segment is never removed.
// Removal is deferred, returning zero, while an open subscription still
// needs one of those segments. Deciding when to call it is up to the caller.
func (l *Log) DropSegmentsBefore(offset uint64) (int, error) {
	if !l.opts.Writable {
		return 0, types.ErrNotWritable
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.isClosed() {
		return 0, types.ErrClosed
	}

	set := l.set.Load()
	n := 0
	for n < len(set.entries)-1 && set.entries[n].seg.Committed() <= offset {
		n++
	}
	if n == 0 {
		return 0, nil
	}
	cutoff := set.entries[n].seg.BaseOffset()
	if low, ok := l.minSubscribedOffset(); ok && low < cutoff {
		l.logger.Debug("retention deferred by open subscription",
			zap.Uint64("subscription_offset", low), zap.Uint64("cutoff", cutoff))
		return 0, nil
	}

	// wait for in-flight reads before unmapping
	l.closeMu.Lock()
	l.set.Store(set.without(n))
	l.closeMu.Unlock()

	var err error
	for _, e := range set.entries[:n] {
		err = multierr.Append(err, l.store.RemoveSegment(e.seg))
	}
	l.logger.Info("dropped segments", zap.Int("count", n), zap.Uint64("oldest_offset", cutoff))
	l.metrics.SetSegments(len(set.entries) - n)
	return n, err
}
