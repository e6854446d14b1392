package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/downfa11-org/mmq/pkg/codec"
	"github.com/downfa11-org/mmq/pkg/queue"
	"github.com/downfa11-org/mmq/pkg/replication"
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastReplication(role types.Role, mode types.Mode, peers ...types.PeerInfo) replication.Config {
	return replication.Config{
		Role:              role,
		Mode:              mode,
		Peers:             peers,
		SyncTimeout:       2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatTimeout:  time.Second,
		ReconnectBackoff:  10 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
	}
}

func startReplica(t *testing.T, id string) (*queue.Queue[string], types.PeerInfo) {
	t.Helper()
	q, _ := newQueue(t, queue.WithNodeID(id))
	require.NoError(t, q.ConfigureReplication(fastReplication(types.RoleSecondary, types.ModeAsync)))
	addr := q.ReplicationAddr()
	require.NotNil(t, addr)
	return q, types.PeerInfo{ID: id, Address: addr.String()}
}

func waitConnected(t *testing.T, q *queue.Queue[string], n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		connected := 0
		for _, p := range q.Status().Peers {
			if p.State == types.PeerConnected {
				connected++
			}
		}
		return connected == n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReplication_SyncEnqueue(t *testing.T) {
	replica, info := startReplica(t, "b")
	primary, _ := newQueue(t, queue.WithNodeID("a"))
	require.NoError(t, primary.ConfigureReplication(fastReplication(types.RolePrimary, types.ModeSync, info)))
	waitConnected(t, primary, 1)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := primary.Enqueue(ctx, fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
		assert.Equal(t, primary.TailOffset(), replica.TailOffset(), "sync enqueue returns after the replica applied it")
	}

	item, _, ok, err := replica.DequeueFrom(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "msg-0", item)

	_, err = replica.Enqueue(ctx, "local write")
	assert.ErrorIs(t, err, types.ErrReadOnlyReplica)

	st := primary.Status()
	assert.Equal(t, types.RolePrimary, st.Role)
	assert.Equal(t, types.ModeSync, st.Mode)
	require.Len(t, st.Peers, 1)
	assert.Equal(t, "b", st.Peers[0].ID)
	assert.Equal(t, types.RoleSecondary, replica.Status().Role)
}

func TestReplication_ModeSwitchKeepsSessions(t *testing.T) {
	replica, info := startReplica(t, "b")
	primary, _ := newQueue(t, queue.WithNodeID("a"))
	require.NoError(t, primary.ConfigureReplication(fastReplication(types.RolePrimary, types.ModeAsync, info)))
	waitConnected(t, primary, 1)

	require.NoError(t, primary.ConfigureReplication(fastReplication(types.RolePrimary, types.ModeSync, info)))
	assert.Equal(t, types.ModeSync, primary.Status().Mode)
	assert.Equal(t, types.PeerConnected, primary.Status().Peers[0].State)

	_, err := primary.Enqueue(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, primary.TailOffset(), replica.TailOffset())

	require.NoError(t, primary.ConfigureReplication(fastReplication(types.RolePrimary, types.ModeAsync, info)))
	for i := 0; i < 10; i++ {
		_, err := primary.Enqueue(context.Background(), "y")
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return replica.TailOffset() == primary.TailOffset() }, 5*time.Second, 10*time.Millisecond)
}

func TestReplication_ReaderCannotReplicate(t *testing.T) {
	q, dir := newQueue(t)
	require.NoError(t, q.Close())
	reader, err := queue.Open[string](dir, codec.String{}, queue.WithReadOnly())
	require.NoError(t, err)
	defer reader.Close()
	err = reader.ConfigureReplication(fastReplication(types.RolePrimary, types.ModeAsync))
	assert.ErrorIs(t, err, types.ErrNotWritable)
}

type fakeDiscovery struct {
	mu    sync.Mutex
	peers []types.PeerInfo
}

func (d *fakeDiscovery) set(peers ...types.PeerInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers = peers
}

func (d *fakeDiscovery) ListPeers(context.Context) ([]types.PeerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.PeerInfo(nil), d.peers...), nil
}

func TestRefreshPeers(t *testing.T) {
	replica, info := startReplica(t, "b")
	info.Role = types.RoleSecondary

	disc := &fakeDiscovery{}
	disc.set(types.PeerInfo{ID: "a", Address: "unused:0", Role: types.RolePrimary}, info)

	q, _ := newQueue(t, queue.WithNodeID("a"), queue.WithDiscovery(disc))
	ctx := context.Background()
	require.NoError(t, q.RefreshPeers(ctx))
	st := q.Status()
	assert.Equal(t, types.RolePrimary, st.Role)
	require.Len(t, st.Peers, 1)
	assert.Equal(t, "b", st.Peers[0].ID)
	waitConnected(t, q, 1)

	_, err := q.Enqueue(ctx, "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return replica.TailOffset() == q.TailOffset() }, 5*time.Second, 10*time.Millisecond)

	// "a" is demoted
	disc.set(types.PeerInfo{ID: "a", Address: "unused:0", Role: types.RoleSecondary})
	require.NoError(t, q.RefreshPeers(ctx))
	assert.Equal(t, types.RoleSecondary, q.Status().Role)
	assert.Empty(t, q.Status().Peers)
	_, err = q.Enqueue(ctx, "rejected")
	assert.ErrorIs(t, err, types.ErrReadOnlyReplica)
}

func TestRefreshPeers_NoDiscovery(t *testing.T) {
	q, _ := newQueue(t)
	require.NoError(t, q.RefreshPeers(context.Background()))
	assert.Equal(t, types.RoleNone, q.Status().Role)
}
