package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Match with errors.Is.
var (
	ErrIO                 = errors.New("i/o error")
	ErrQueueFull          = errors.New("queue is full")
	ErrSegmentFull        = errors.New("segment is full")
	ErrCorruption         = errors.New("corruption detected")
	ErrOffsetNotFound     = errors.New("offset not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrSerialization      = errors.New("serialization failed")
	ErrDeserialization    = errors.New("deserialization failed")
	ErrDivergence         = errors.New("replica diverged from primary")
	ErrSnapshotRequired   = errors.New("snapshot required")
	ErrCancelled          = errors.New("operation cancelled")
	ErrClosed             = errors.New("queue closed")
	ErrLocked             = errors.New("queue is locked by another writer")
	ErrRecordTooLarge     = errors.New("record larger than segment capacity")
	ErrReadOnlyReplica    = errors.New("queue is a read-only replica")
	ErrNotWritable        = errors.New("queue handle is not writable")
	ErrReplicationTimeout = errors.New("replication quorum not reached before timeout")
)

// IOError wraps a storage failure with the operation and path that caused it.
func IOError(op, path string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, path, ErrIO, err)
}

// Cancelled wraps a context error so callers can match ErrCancelled.
func Cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// CorruptionError describes an invalid header or frame.
type CorruptionError struct {
	Path   string
	Offset uint64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption in %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrCorruption }

// DivergenceError reports that a secondary holds data the primary does not agree with.
type DivergenceError struct {
	Peer   string
	Offset uint64
	Reason string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("peer %s diverged at offset %d: %s", e.Peer, e.Offset, e.Reason)
}

func (e *DivergenceError) Unwrap() error { return ErrDivergence }

// SnapshotRequiredError is returned when a peer asks for data that was already trimmed.
type SnapshotRequiredError struct {
	Peer      string
	Requested uint64
	Oldest    uint64
}

func (e *SnapshotRequiredError) Error() string {
	return fmt.Sprintf("peer %s requested offset %d but oldest retained offset is %d", e.Peer, e.Requested, e.Oldest)
}

func (e *SnapshotRequiredError) Unwrap() error { return ErrSnapshotRequired }
