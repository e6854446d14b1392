package replication_test

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/downfa11-org/mmq/pkg/appendlog"
	"github.com/downfa11-org/mmq/pkg/replication"
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"github.com/stretchr/testify/require"
)

func newLog(t *testing.T, baseSeq uint64) *appendlog.Log {
	t.Helper()
	l, err := appendlog.Create(t.TempDir(), appendlog.Options{SegmentSize: 64 << 10, BaseSequence: baseSeq})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func fastConfig() replication.Config {
	return replication.Config{
		SyncTimeout:       300 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  500 * time.Millisecond,
		DialTimeout:       200 * time.Millisecond,
		ReconnectBackoff:  10 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
	}
}

type testSecondary struct {
	*replication.Secondary
	log *appendlog.Log
}

func startSecondary(t *testing.T, id string, l *appendlog.Log, addr string) *testSecondary {
	t.Helper()
	cfg := fastConfig()
	cfg.NodeID = id
	cfg.ListenAddr = "127.0.0.1:0"
	s, err := replication.NewSecondary(l, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Listen(addr))

	go func() { _ = s.Serve(context.Background()) }()
	t.Cleanup(func() { _ = s.Close() })
	return &testSecondary{Secondary: s, log: l}
}

func (s *testSecondary) info(id string) types.PeerInfo {
	return types.PeerInfo{ID: id, Address: s.Addr().String(), Role: types.RoleSecondary}
}

func startPrimary(t *testing.T, l *appendlog.Log, mode types.Mode, quorum types.Quorum, dial replication.DialFunc, peers ...types.PeerInfo) *replication.Primary {
	t.Helper()
	cfg := fastConfig()
	cfg.NodeID = "primary"
	cfg.Mode = mode
	cfg.Quorum = quorum
	cfg.Peers = peers
	cfg.Dial = dial
	p, err := replication.NewPrimary(l, cfg)
	require.NoError(t, err)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p
}

func peerState(p *replication.Primary, id string) types.PeerState {
	for _, st := range p.Peers() {
		if st.ID == id {
			return st.State
		}
	}
	return -1
}

func waitForState(t *testing.T, p *replication.Primary, id string, state types.PeerState) {
	t.Helper()
	require.Eventually(t, func() bool { return peerState(p, id) == state },
		5*time.Second, 10*time.Millisecond, "peer %s never reached %s (now %s)", id, state, peerState(p, id))
}

// dropDialer loses the n-th record frame written over any of its
// connections, once.
type dropDialer struct {
	n       int32
	records atomic.Int32
	dropped atomic.Bool
	dials   atomic.Int32
}

func (d *dropDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var nd net.Dialer
	c, err := nd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	d.dials.Add(1)
	return &dropConn{Conn: c, d: d}, nil
}

type dropConn struct {
	net.Conn
	d *dropDialer
}

func (c *dropConn) Write(b []byte) (int, error) {
	// [length u32][type]...
	if len(b) > 4 && replication.MessageType(b[4]) == replication.MsgRecord {
		if c.d.records.Add(1) == c.d.n && c.d.dropped.CompareAndSwap(false, true) {
			return len(b), nil
		}
	}
	return c.Conn.Write(b)
}

// silentSecondary says hello and then never acknowledges anything.
type silentSecondary struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func startSilentSecondary(t *testing.T) *silentSecondary {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &silentSecondary{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, c)
			s.mu.Unlock()
			body, _ := replication.Encode(&replication.Hello{PeerID: "silent"})
			_ = util.WriteWithLength(c, body)
			go func() {
				// answer heartbeats so the session stays up, ignore records
				for {
					body, err := util.ReadWithLength(c)
					if err != nil {
						return
					}
					msg, err := replication.Decode(body)
					if err != nil {
						return
					}
					if _, ok := msg.(*replication.Heartbeat); ok {
						reply, _ := replication.Encode(&replication.Heartbeat{})
						if err := util.WriteWithLength(c, reply); err != nil {
							return
						}
					}
				}
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.conns {
			_ = c.Close()
		}
	})
	return s
}

func (s *silentSecondary) info() types.PeerInfo {
	return types.PeerInfo{ID: "silent", Address: s.ln.Addr().String()}
}
