package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/mmq/pkg/appendlog"
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"go.uber.org/zap"
)

// Primary streams the local log to every configured secondary and, in
// synchronous mode, lets appends wait for their acknowledgments.
type Primary struct {
	log     *appendlog.Log
	cfg     Config
	logger  *zap.Logger
	metrics types.MetricsSink

	mode atomic.Int32
	acks *util.Broadcast

	mu      sync.Mutex
	peers   map[string]*peer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewPrimary(log *appendlog.Log, cfg Config) (*Primary, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !log.Writable() {
		return nil, fmt.Errorf("%w: primary needs the writer handle", types.ErrNotWritable)
	}
	p := &Primary{
		log:     log,
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("role", "primary"), zap.String("node", cfg.NodeID)),
		metrics: cfg.Metrics,
		acks:    util.NewBroadcast(),
		peers:   make(map[string]*peer),
	}
	p.mode.Store(int32(cfg.Mode))
	for _, info := range cfg.Peers {
		p.peers[info.ID] = newPeer(p, info)
	}
	return p, nil
}

// Start launches one session loop per peer. Peers added later start immediately.
func (p *Primary) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	for _, pr := range p.peers {
		p.startPeerLocked(pr)
	}
	p.logger.Info("replication started", zap.Int("peers", len(p.peers)), zap.Stringer("mode", p.Mode()))
}

func (p *Primary) startPeerLocked(pr *peer) {
	ctx, cancel := context.WithCancel(p.ctx)
	pr.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		pr.run(ctx)
	}()
}

// Stop ends every session and waits for the peer loops to exit.
func (p *Primary) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.acks.Notify()
	p.logger.Info("replication stopped")
}

// AddPeer starts replicating to info. Re-adding a peer in a terminal state,
// or with a new address, restarts it from a fresh session.
func (p *Primary) AddPeer(info types.PeerInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.peers[info.ID]; ok {
		if old.info.Address == info.Address && !old.getState().Terminal() {
			return
		}
		p.removePeerLocked(old)
	}
	pr := newPeer(p, info)
	p.peers[info.ID] = pr
	p.metrics.SetPeerState(info.ID, pr.state)
	if p.running {
		p.startPeerLocked(pr)
	}
	p.logger.Info("peer added", zap.String("peer", info.ID), zap.String("address", info.Address))
}

func (p *Primary) RemovePeer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.peers[id]; ok {
		p.removePeerLocked(pr)
		p.logger.Info("peer removed", zap.String("peer", id))
	}
}

func (p *Primary) removePeerLocked(pr *peer) {
	delete(p.peers, pr.info.ID)
	if pr.cancel != nil {
		pr.cancel()
	}
	p.acks.Notify()
}

// SetPeers reconciles the peer set with infos.
func (p *Primary) SetPeers(infos []types.PeerInfo) {
	want := make(map[string]bool, len(infos))
	for _, info := range infos {
		want[info.ID] = true
	}
	p.mu.Lock()
	var stale []string
	for id := range p.peers {
		if !want[id] {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range stale {
		p.RemovePeer(id)
	}
	for _, info := range infos {
		p.AddPeer(info)
	}
}

// SetMode switches between asynchronous and synchronous replication for
// appends that start after the call.
func (p *Primary) SetMode(m types.Mode) {
	if old := types.Mode(p.mode.Swap(int32(m))); old != m {
		p.logger.Info("replication mode changed", zap.Stringer("from", old), zap.Stringer("to", m))
	}
}

func (p *Primary) Mode() types.Mode { return types.Mode(p.mode.Load()) }

func (p *Primary) Quorum() types.Quorum { return p.cfg.Quorum }

// Replicate waits, in synchronous mode, until rec is acknowledged by the
// quorum. With QuorumAll that is every peer Connected when the call starts;
// peers that miss SyncTimeout are marked unreachable, their sessions reset
// and the call succeeds. With QuorumMajority a majority of configured peers
// must ack in time, otherwise ErrReplicationTimeout.
func (p *Primary) Replicate(ctx context.Context, rec types.Record) error {
	if p.Mode() != types.ModeSync {
		return nil
	}
	return p.Await(ctx, rec)
}

// Await waits for the quorum to acknowledge rec regardless of the current
// mode. Callers that sampled the mode before appending use it directly.
func (p *Primary) Await(ctx context.Context, rec types.Record) error {
	target := rec.NextOffset()

	p.mu.Lock()
	all := make([]*peer, 0, len(p.peers))
	var connected []*peer
	for _, pr := range p.peers {
		all = append(all, pr)
		if pr.getState() == types.PeerConnected {
			connected = append(connected, pr)
		}
	}
	p.mu.Unlock()

	waitFor, needed := connected, len(connected)
	if p.cfg.Quorum == types.QuorumMajority {
		waitFor, needed = all, len(all)/2+1
	}
	if len(all) == 0 || needed == 0 {
		return nil
	}

	timer := time.NewTimer(p.cfg.SyncTimeout)
	defer timer.Stop()
	for {
		wake := p.acks.Wait()
		acked := 0
		for _, pr := range waitFor {
			if pr.ackedThrough(target) {
				acked++
			}
		}
		if acked >= needed {
			return nil
		}

		select {
		case <-ctx.Done():
			return types.Cancelled(ctx.Err())
		case <-wake:
			continue
		case <-timer.C:
		}

		var late []string
		for _, pr := range waitFor {
			if pr.ackedThrough(target) {
				continue
			}
			if pr.getState() == types.PeerConnected {
				late = append(late, pr.info.ID)
				p.metrics.IncReplicationError(pr.info.ID, "ack_timeout")
				pr.reset(fmt.Errorf("no ack for sequence %d within %s", rec.Sequence, p.cfg.SyncTimeout))
			}
		}
		p.logger.Warn("synchronous replication timed out",
			zap.Uint64("sequence", rec.Sequence), zap.Strings("late_peers", late),
			zap.Int("acked", acked), zap.Int("needed", needed))
		if p.cfg.Quorum == types.QuorumMajority {
			return fmt.Errorf("%w: %d of %d acks for sequence %d", types.ErrReplicationTimeout, acked, needed, rec.Sequence)
		}
		return nil
	}
}

// Peers returns a copy of every peer's status ordered by id.
func (p *Primary) Peers() []types.PeerStatus {
	tail := p.log.TailOffset()
	p.mu.Lock()
	out := make([]types.PeerStatus, 0, len(p.peers))
	for _, pr := range p.peers {
		out = append(out, pr.status(tail))
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lag is the number of log bytes the peer has not acknowledged.
func (p *Primary) Lag(id string) (uint64, bool) {
	p.mu.Lock()
	pr, ok := p.peers[id]
	p.mu.Unlock()
	if !ok {
		return 0, false
	}
	return pr.status(p.log.TailOffset()).Lag, true
}

// checkHello decides whether a secondary can be caught up from its tail.
// It returns the Reject to send and the matching typed error, or nil.
func (p *Primary) checkHello(id string, h *Hello) (*Reject, error) {
	oldest, tail := p.log.OldestOffset(), p.log.TailOffset()

	diverged := func(offset uint64, format string, args ...any) (*Reject, error) {
		reason := fmt.Sprintf(format, args...)
		return &Reject{Code: RejectDivergence, Reason: reason, Offset: offset, Oldest: oldest},
			&types.DivergenceError{Peer: id, Offset: offset, Reason: reason}
	}

	if h.Tail > tail {
		return diverged(h.Tail, "secondary tail %d is beyond primary tail %d", h.Tail, tail)
	}
	if h.Tail < oldest {
		return &Reject{Code: RejectSnapshot, Reason: "requested offset was trimmed", Offset: h.Tail, Oldest: oldest},
			&types.SnapshotRequiredError{Peer: id, Requested: h.Tail, Oldest: oldest}
	}

	// Appends may land after tail was sampled; SequenceAt answers for h.Tail
	// whether it is a record start or the current tail.
	seq, err := p.log.SequenceAt(h.Tail)
	if err != nil {
		return diverged(h.Tail, "secondary tail is not a record boundary on the primary: %v", err)
	}
	if h.NextSequence != seq {
		return diverged(h.Tail, "secondary expects sequence %d at offset %d, primary has %d", h.NextSequence, h.Tail, seq)
	}

	if h.HasRecords && h.LastOffset >= oldest {
		last, err := p.log.ReadAt(h.LastOffset)
		switch {
		case err != nil && errors.Is(err, types.ErrOffsetNotFound):
			return diverged(h.LastOffset, "secondary's last record is not a record on the primary")
		case err != nil:
			return diverged(h.LastOffset, "read primary record: %v", err)
		case last.Checksum != h.LastChecksum:
			return diverged(h.LastOffset, "last record checksum %08x differs from primary %08x", h.LastChecksum, last.Checksum)
		case last.NextOffset() != h.Tail:
			return diverged(h.LastOffset, "last record ends at %d on the primary, secondary tail is %d", last.NextOffset(), h.Tail)
		}
	}
	return nil, nil
}
