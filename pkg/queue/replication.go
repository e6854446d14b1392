package queue

import (
	"context"
	"fmt"
	"net"
	"slices"

	"github.com/downfa11-org/mmq/pkg/replication"
	"github.com/downfa11-org/mmq/pkg/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultListenAddr = "127.0.0.1:0"

// ConfigureReplication makes the queue a primary, a secondary or neither.
// Reapplying the current role and peers only switches the mode, which
// affects appends that start afterwards. A primary whose peer list changed
// reconciles its sessions without restarting the others.
func (q *Queue[T]) ConfigureReplication(cfg replication.Config) error {
	if cfg.NodeID == "" {
		cfg.NodeID = q.opts.nodeID
	}
	if cfg.Logger == nil {
		cfg.Logger = q.opts.logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = q.opts.metrics
	}
	if cfg.Role == types.RoleSecondary && cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return types.ErrClosed
	}
	if cfg.Role != types.RoleNone && !q.log.Writable() {
		return fmt.Errorf("%w: replication needs the writer handle", types.ErrNotWritable)
	}

	cur := q.repl
	switch {
	case cfg.Role == types.RolePrimary && q.primary != nil:
		if !samePeers(cur.Peers, cfg.Peers) {
			q.primary.SetPeers(cfg.Peers)
		}
		q.primary.SetMode(cfg.Mode)
		q.repl.Peers, q.repl.Mode = cfg.Peers, cfg.Mode
		return nil
	case cfg.Role == types.RoleSecondary && q.secondary != nil && sameListen(cur.ListenAddr, cfg.ListenAddr):
		q.repl.Mode = cfg.Mode
		return nil
	case cfg.Role == types.RoleNone && cur.Role == types.RoleNone:
		q.repl.Mode = cfg.Mode
		return nil
	}

	if err := q.stopReplicationLocked(); err != nil {
		q.logger.Warn("stopping previous replication role", zap.Error(err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	switch cfg.Role {
	case types.RolePrimary:
		p, err := replication.NewPrimary(q.log, cfg)
		if err != nil {
			cancel()
			return err
		}
		p.Start(ctx)
		q.primary = p
	case types.RoleSecondary:
		s, err := replication.NewSecondary(q.log, cfg)
		if err != nil {
			cancel()
			return err
		}
		if err := s.Listen(cfg.ListenAddr); err != nil {
			cancel()
			return err
		}
		done := make(chan error, 1)
		go func() { done <- s.Serve(ctx) }()
		q.secondary, q.serveDone = s, done
	}
	q.stop = cancel
	q.repl = cfg
	q.logger.Info("replication configured",
		zap.Stringer("role", cfg.Role),
		zap.Stringer("mode", cfg.Mode),
		zap.Int("peers", len(cfg.Peers)))
	return nil
}

func (q *Queue[T]) stopReplicationLocked() error {
	var err error
	if q.secondary != nil {
		err = multierr.Append(err, q.secondary.Close())
		err = multierr.Append(err, <-q.serveDone)
		q.secondary, q.serveDone = nil, nil
	}
	if q.primary != nil {
		q.primary.Stop()
		q.primary = nil
	}
	if q.stop != nil {
		q.stop()
		q.stop = nil
	}
	q.repl.Role = types.RoleNone
	q.repl.Peers = nil
	return err
}

// ReplicationAddr is the address a secondary listens on, or nil.
func (q *Queue[T]) ReplicationAddr() net.Addr {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.secondary == nil {
		return nil
	}
	return q.secondary.Addr()
}

// RefreshPeers asks the configured discovery for the topology and applies
// it. This node is found by its node id: a node listed as secondary stops
// streaming and accepts a primary, a primary streams to every other
// non-primary node. Without discovery it does nothing.
func (q *Queue[T]) RefreshPeers(ctx context.Context) error {
	d := q.opts.discovery
	if d == nil {
		return nil
	}
	infos, err := d.ListPeers(ctx)
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}

	q.mu.RLock()
	cfg := q.repl
	q.mu.RUnlock()
	if cfg.NodeID == "" {
		return fmt.Errorf("%w: discovery needs a node id", types.ErrInvalidConfig)
	}

	role := cfg.Role
	var peers []types.PeerInfo
	for _, info := range infos {
		if info.ID == cfg.NodeID {
			role = info.Role
			continue
		}
		if info.Role != types.RolePrimary {
			peers = append(peers, info)
		}
	}
	if role != types.RolePrimary {
		peers = nil
	}
	cfg.Role, cfg.Peers = role, peers
	return q.ConfigureReplication(cfg)
}

func samePeers(a, b []types.PeerInfo) bool {
	return slices.EqualFunc(a, b, func(x, y types.PeerInfo) bool {
		return x.ID == y.ID && x.Address == y.Address
	})
}

func sameListen(cur, next string) bool {
	return next == "" || cur == next
}
