package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/downfa11-org/mmq/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// run keeps a session to the peer alive until ctx ends or the peer reaches
// a terminal state.
func (pr *peer) run(ctx context.Context) {
	defer close(pr.done)
	p := pr.primary
	backoff := NewBackoff(p.cfg.ReconnectBackoff, p.cfg.MaxBackoff)

	err := Retry(ctx, backoff, pr.logger, func(ctx context.Context) error {
		err := pr.session(ctx, backoff)
		if ctx.Err() != nil {
			return types.Cancelled(ctx.Err())
		}
		if pr.getState().Terminal() {
			return err
		}
		kind := "session"
		if errors.Is(err, errDial) {
			kind = "dial"
		}
		p.metrics.IncReplicationError(pr.info.ID, kind)
		pr.setState(types.PeerUnreachable, err)
		return Retryable(err)
	})
	if err != nil && !errors.Is(err, types.ErrCancelled) {
		pr.logger.Warn("replication to peer stopped", zap.Stringer("state", pr.getState()), zap.Error(err))
	}
}

var errDial = errors.New("dial failed")

// session dials the peer, validates its Hello and streams records from the
// peer's tail until something fails.
func (pr *peer) session(ctx context.Context, backoff *Backoff) error {
	p := pr.primary
	dialCtx, cancelDial := context.WithTimeout(ctx, p.cfg.DialTimeout)
	raw, err := p.cfg.Dial(dialCtx, "tcp", pr.info.Address)
	cancelDial()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", errDial, pr.info.Address, err)
	}
	c := newConn(raw, p.cfg.WriteTimeout, p.cfg.HeartbeatTimeout, maxMessageSize(p.log.Meta().SegmentSize))
	defer c.Close()

	pr.setState(types.PeerReconnecting, nil)
	pr.attach(c)
	defer pr.detach()

	msg, err := c.receive()
	if err != nil {
		return err
	}
	hello, ok := msg.(*Hello)
	if !ok {
		return fmt.Errorf("expected hello from %s, got %s", pr.info.ID, msg.Type())
	}
	if rej, err := p.checkHello(pr.info.ID, hello); rej != nil {
		if serr := c.send(rej); serr != nil {
			pr.logger.Warn("failed to send reject", zap.Error(serr))
		}
		state, kind := types.PeerDiverged, "divergence"
		if rej.Code == RejectSnapshot {
			state, kind = types.PeerNeedsSnapshot, "snapshot"
		}
		p.metrics.IncReplicationError(pr.info.ID, kind)
		pr.setState(state, err)
		return err
	}

	target := p.log.TailOffset()
	pr.mu.Lock()
	pr.target = target
	pr.ackedOff = hello.Tail
	if hello.HasRecords {
		pr.ackedSeq, pr.hasAcked = hello.NextSequence-1, true
	}
	pr.lastSeen = time.Now()
	pr.mu.Unlock()
	pr.logger.Info("peer session established",
		zap.Uint64("peer_tail", hello.Tail), zap.Uint64("primary_tail", target))
	if hello.Tail >= target {
		pr.setState(types.PeerConnected, nil)
	}
	backoff.Reset()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = c.Close()
		return nil
	})
	g.Go(func() error { return pr.readAcks(gctx, c) })
	g.Go(func() error { return pr.stream(gctx, c, hello.Tail) })
	g.Go(func() error { return pr.heartbeat(gctx, c) })
	return g.Wait()
}

func (pr *peer) readAcks(ctx context.Context, c *conn) error {
	for {
		msg, err := c.receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch m := msg.(type) {
		case *Ack:
			pr.onAck(m)
		case *Heartbeat:
			pr.seen()
		case *Reject:
			err := &types.DivergenceError{Peer: pr.info.ID, Offset: m.Offset, Reason: m.Reason}
			pr.primary.metrics.IncReplicationError(pr.info.ID, "divergence")
			pr.setState(types.PeerDiverged, err)
			return err
		default:
			return fmt.Errorf("unexpected %s from %s", m.Type(), pr.info.ID)
		}
	}
}

func (pr *peer) stream(ctx context.Context, c *conn, from uint64) error {
	sub := pr.primary.log.Subscribe(from)
	defer sub.Close()
	for {
		rec, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m := recordMessage(rec)
		m.Sync = pr.primary.Mode() == types.ModeSync
		if err := c.send(m); err != nil {
			return err
		}
	}
}

func (pr *peer) heartbeat(ctx context.Context, c *conn) error {
	ticker := time.NewTicker(pr.primary.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.send(&Heartbeat{Tail: pr.primary.log.TailOffset()}); err != nil {
				return err
			}
		}
	}
}
