package replication

import (
	"context"
	"sync"
	"time"

	"github.com/downfa11-org/mmq/pkg/types"
	"go.uber.org/zap"
)

// peer is the primary's view of one secondary. Its fields are owned by the
// primary and only leave through status().
type peer struct {
	info    types.PeerInfo
	primary *Primary
	logger  *zap.Logger

	mu        sync.Mutex
	state     types.PeerState
	ackedSeq  uint64
	ackedOff  uint64
	hasAcked  bool
	lastSeen  time.Time
	err       error
	target    uint64 // tail to reach before the peer counts as connected
	sess      *conn
	cancel    context.CancelFunc
	done      chan struct{}
	resetting bool
}

func newPeer(p *Primary, info types.PeerInfo) *peer {
	return &peer{
		info:    info,
		primary: p,
		logger:  p.logger.With(zap.String("peer", info.ID), zap.String("address", info.Address)),
		state:   types.PeerReconnecting,
		done:    make(chan struct{}),
	}
}

func (pr *peer) setState(state types.PeerState, err error) {
	pr.mu.Lock()
	prev := pr.state
	pr.state = state
	if err != nil || state == types.PeerConnected {
		pr.err = err
	}
	pr.mu.Unlock()

	if prev != state {
		fields := []zap.Field{zap.Stringer("from", prev), zap.Stringer("to", state)}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		pr.logger.Info("peer state changed", fields...)
		pr.primary.metrics.SetPeerState(pr.info.ID, state)
		pr.primary.acks.Notify()
	}
}

func (pr *peer) getState() types.PeerState {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.state
}

// attach records the live session so it can be reset from outside.
func (pr *peer) attach(c *conn) {
	pr.mu.Lock()
	pr.sess = c
	pr.resetting = false
	pr.mu.Unlock()
}

func (pr *peer) detach() {
	pr.mu.Lock()
	pr.sess = nil
	pr.mu.Unlock()
}

// reset marks the peer unreachable and drops its session; the peer loop
// reconnects and catches up from the secondary's tail.
func (pr *peer) reset(err error) {
	pr.mu.Lock()
	sess := pr.sess
	pr.resetting = true
	pr.mu.Unlock()

	pr.setState(types.PeerUnreachable, err)
	if sess != nil {
		_ = sess.Close()
	}
}

// onAck advances the acked position and promotes a caught-up peer.
func (pr *peer) onAck(a *Ack) {
	tail := pr.primary.log.TailOffset()

	pr.mu.Lock()
	if !pr.hasAcked || a.Offset > pr.ackedOff {
		pr.ackedSeq, pr.ackedOff, pr.hasAcked = a.Sequence, a.Offset, true
	}
	pr.lastSeen = time.Now()
	promote := pr.state == types.PeerReconnecting && !pr.resetting && pr.ackedOff >= pr.target
	lag := tail - min(tail, pr.ackedOff)
	pr.mu.Unlock()

	pr.primary.metrics.SetReplicationLag(pr.info.ID, lag)
	if promote {
		pr.setState(types.PeerConnected, nil)
	}
	pr.primary.acks.Notify()
}

func (pr *peer) seen() {
	pr.mu.Lock()
	pr.lastSeen = time.Now()
	pr.mu.Unlock()
}

// ackedThrough reports whether the peer has acknowledged everything before offset.
func (pr *peer) ackedThrough(offset uint64) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.ackedOff >= offset
}

func (pr *peer) status(tail uint64) types.PeerStatus {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return types.PeerStatus{
		PeerInfo:      pr.info,
		State:         pr.state,
		AckedSequence: pr.ackedSeq,
		AckedOffset:   pr.ackedOff,
		HasAcked:      pr.hasAcked,
		Lag:           tail - min(tail, pr.ackedOff),
		LastSeen:      pr.lastSeen,
		Err:           pr.err,
	}
}
