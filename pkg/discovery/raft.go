package discovery

import (
	"context"
	"fmt"

	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/hashicorp/raft"
)

// RaftNode is the part of *raft.Raft that Raft reads.
type RaftNode interface {
	GetConfiguration() raft.ConfigurationFuture
	LeaderWithID() (raft.ServerAddress, raft.ServerID)
}

// AddressFunc maps a raft server to its replication address.
type AddressFunc func(raft.Server) string

// Raft derives the topology from a raft cluster's membership: the current
// leader is the primary and the other voters are secondaries. Non-voters
// are not replicated to.
type Raft struct {
	node    RaftNode
	address AddressFunc
}

// NewRaft uses address to translate raft servers into replication
// addresses; nil uses the raft address unchanged.
func NewRaft(node RaftNode, address AddressFunc) *Raft {
	if address == nil {
		address = func(s raft.Server) string { return string(s.Address) }
	}
	return &Raft{node: node, address: address}
}

func (r *Raft) ListPeers(ctx context.Context) ([]types.PeerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.Cancelled(err)
	}
	future := r.node.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("raft configuration: %w", err)
	}
	_, leader := r.node.LeaderWithID()

	var peers []types.PeerInfo
	for _, srv := range future.Configuration().Servers {
		if srv.Suffrage != raft.Voter {
			continue
		}
		role := types.RoleSecondary
		if srv.ID == leader {
			role = types.RolePrimary
		}
		peers = append(peers, types.PeerInfo{ID: string(srv.ID), Address: r.address(srv), Role: role})
	}
	return peers, nil
}

// AddressMap returns an AddressFunc that looks servers up by ID in addrs and
// falls back to the raft address.
func AddressMap(addrs map[string]string) AddressFunc {
	return func(s raft.Server) string {
		if a, ok := addrs[string(s.ID)]; ok {
			return a
		}
		return string(s.Address)
	}
}
