package replication

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/downfa11-org/mmq/pkg/appendlog"
	"github.com/downfa11-org/mmq/pkg/types"
	"go.uber.org/zap"
)

// Secondary accepts a primary's connection and applies its records to the
// local log in sequence order.
type Secondary struct {
	log    *appendlog.Log
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	ln     net.Listener
	active *conn
	err    error
	closed bool
	wg     sync.WaitGroup
}

func NewSecondary(log *appendlog.Log, cfg Config) (*Secondary, error) {
	cfg.Role = types.RoleSecondary
	cfg.Normalize()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !log.Writable() {
		return nil, fmt.Errorf("%w: secondary needs the writer handle", types.ErrNotWritable)
	}
	return &Secondary{
		log:    log,
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("role", "secondary"), zap.String("node", cfg.NodeID)),
	}, nil
}

// Listen binds addr, or the configured ListenAddr when addr is empty.
func (s *Secondary) Listen(addr string) error {
	if addr == "" {
		addr = s.cfg.ListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("secondary listening", zap.String("address", ln.Addr().String()))
	return nil
}

func (s *Secondary) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts primary connections until ctx ends or Close is called. A
// new connection replaces the previous one.
func (s *Secondary) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(""); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.ln
		s.mu.Unlock()
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		raw, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		c := newConn(raw, s.cfg.WriteTimeout, s.cfg.HeartbeatTimeout, maxMessageSize(s.log.Meta().SegmentSize))
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = raw.Close()
			return nil
		}
		if s.active != nil {
			_ = s.active.Close()
		}
		s.active = c
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			err := s.handle(c)
			_ = c.Close()
			s.mu.Lock()
			if s.active == c {
				s.active = nil
			}
			s.mu.Unlock()
			if err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Info("primary session ended", zap.String("remote", raw.RemoteAddr().String()), zap.Error(err))
			}
		}()
	}
}

func (s *Secondary) hello() (*Hello, error) {
	h := &Hello{
		PeerID:       s.cfg.NodeID,
		Tail:         s.log.TailOffset(),
		NextSequence: s.log.NextSequence(),
	}
	last, ok, err := s.log.LastRecord()
	if err != nil {
		return nil, err
	}
	if ok {
		h.HasRecords = true
		h.LastOffset = last.Offset
		h.LastChecksum = last.Checksum
	}
	return h, nil
}

func (s *Secondary) handle(c *conn) error {
	h, err := s.hello()
	if err != nil {
		return err
	}
	if err := c.send(h); err != nil {
		return err
	}

	for {
		msg, err := c.receive()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *Record:
			if err := s.apply(c, m); err != nil {
				return err
			}
		case *Heartbeat:
			if err := c.send(&Heartbeat{Tail: s.log.TailOffset()}); err != nil {
				return err
			}
		case *Reject:
			var rerr error
			if m.Code == RejectSnapshot {
				rerr = &types.SnapshotRequiredError{Peer: s.cfg.NodeID, Requested: m.Offset, Oldest: m.Oldest}
			} else {
				rerr = &types.DivergenceError{Peer: s.cfg.NodeID, Offset: m.Offset, Reason: m.Reason}
			}
			s.fail(rerr)
			return rerr
		default:
			return fmt.Errorf("unexpected %s from primary", m.Type())
		}
	}
}

// apply appends the next record, re-acks a duplicate and drops the session
// on a gap so the primary restarts catch-up from our tail.
func (s *Secondary) apply(c *conn, m *Record) error {
	next := s.log.NextSequence()
	ack := func(a *Ack) error {
		if m.Sync && s.log.Options().Durability == appendlog.DurabilityBatch {
			if err := s.log.Sync(); err != nil {
				return err
			}
		}
		return c.send(a)
	}
	switch {
	case m.Sequence > next:
		return fmt.Errorf("gap: received sequence %d, expected %d", m.Sequence, next)

	case m.Sequence < next:
		local, err := s.log.ReadAt(m.Offset)
		if err != nil && !errors.Is(err, types.ErrOffsetNotFound) {
			return err
		}
		trimmed := err != nil && m.Offset < s.log.OldestOffset()
		if !trimmed && (err != nil || local.Sequence != m.Sequence || local.Checksum != m.Checksum) {
			derr := &types.DivergenceError{Peer: s.cfg.NodeID, Offset: m.Offset, Reason: fmt.Sprintf("duplicate sequence %d does not match the local record", m.Sequence)}
			s.fail(derr)
			_ = c.send(&Reject{Code: RejectDivergence, Reason: derr.Reason, Offset: m.Offset})
			return derr
		}
		return ack(&Ack{Sequence: next - 1, Offset: s.log.TailOffset()})
	}

	if tail := s.log.TailOffset(); m.Offset != tail {
		derr := &types.DivergenceError{Peer: s.cfg.NodeID, Offset: m.Offset, Reason: fmt.Sprintf("sequence %d at offset %d, local tail is %d", m.Sequence, m.Offset, tail)}
		s.fail(derr)
		_ = c.send(&Reject{Code: RejectDivergence, Reason: derr.Reason, Offset: m.Offset})
		return derr
	}
	rec := m.record()
	if err := s.log.ApplyReplicated(rec); err != nil {
		return err
	}
	return ack(&Ack{Sequence: rec.Sequence, Offset: rec.NextOffset()})
}

func (s *Secondary) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.logger.Error("replication stopped", zap.Error(err))
}

// Err returns the last fatal replication error, such as a DivergenceError.
func (s *Secondary) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// AppliedOffset is the local tail, one past the last applied record.
func (s *Secondary) AppliedOffset() uint64 {
	return s.log.TailOffset()
}

func (s *Secondary) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	if s.active != nil {
		_ = s.active.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}
