// Package discovery provides the replication topology to a queue.
package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/downfa11-org/mmq/pkg/types"
)

// Static returns a fixed topology. The node whose ID equals Primary is the
// primary; every other node is a secondary.
type Static struct {
	Primary string
	Peers   []types.PeerInfo
}

func NewStatic(primary string, peers []types.PeerInfo) *Static {
	return &Static{Primary: primary, Peers: peers}
}

func (s *Static) ListPeers(ctx context.Context) ([]types.PeerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.Cancelled(err)
	}
	out := make([]types.PeerInfo, len(s.Peers))
	for i, p := range s.Peers {
		p.Role = types.RoleSecondary
		if p.ID == s.Primary {
			p.Role = types.RolePrimary
		}
		out[i] = p
	}
	return out, nil
}

// ParsePeers parses a comma separated list of id@host:port entries.
func ParsePeers(list string) ([]types.PeerInfo, error) {
	var peers []types.PeerInfo
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, addr, ok := strings.Cut(entry, "@")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("%w: invalid peer %q, want id@host:port", types.ErrInvalidConfig, entry)
		}
		peers = append(peers, types.PeerInfo{ID: id, Address: addr})
	}
	return peers, nil
}
