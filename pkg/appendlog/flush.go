package appendlog

import (
	"time"

	"go.uber.org/zap"
)

// flushLoop msyncs batched appends every FlushInterval, or sooner once
// FlushBatch appends are pending.
func (l *Log) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.flushPending()
		case <-l.flushKick:
			l.flushPending()
		case <-l.done:
			return
		}
	}
}

func (l *Log) flushPending() {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.unflushed == 0 || l.isClosed() {
		return
	}
	if err := l.set.Load().last().seg.Flush(); err != nil {
		l.logger.Error("flush failed", zap.Error(err))
		return
	}
	l.unflushed = 0
}

// Unsynced reports how many batched appends are waiting for the next flush.
func (l *Log) Unsynced() int {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.unflushed
}

// Sync forces every committed record to stable storage.
func (l *Log) Sync() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.isClosed() {
		return nil
	}
	if err := l.set.Load().last().seg.Flush(); err != nil {
		return err
	}
	l.unflushed = 0
	return nil
}
