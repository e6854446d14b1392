package types

import (
	"fmt"
	"strings"
	"time"
)

// Role of a node in replication.
type Role int

const (
	RoleNone Role = iota
	RolePrimary
	RoleSecondary
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	default:
		return "none"
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "standalone":
		return RoleNone, nil
	case "primary", "leader":
		return RolePrimary, nil
	case "secondary", "replica", "follower":
		return RoleSecondary, nil
	default:
		return RoleNone, fmt.Errorf("%w: unknown role %q", ErrInvalidConfig, s)
	}
}

// Mode is the replication consistency contract applied to appends.
type Mode int

const (
	ModeAsync Mode = iota
	ModeSync
)

func (m Mode) String() string {
	if m == ModeSync {
		return "sync"
	}
	return "async"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "async", "asynchronous":
		return ModeAsync, nil
	case "sync", "synchronous":
		return ModeSync, nil
	default:
		return ModeAsync, fmt.Errorf("%w: unknown replication mode %q", ErrInvalidConfig, s)
	}
}

// Quorum decides which acknowledgments a synchronous append waits for.
type Quorum int

const (
	// QuorumAll waits for every peer that is Connected when the append starts.
	QuorumAll Quorum = iota
	// QuorumMajority waits for a majority of the configured peers.
	QuorumMajority
)

func (q Quorum) String() string {
	if q == QuorumMajority {
		return "majority"
	}
	return "all"
}

func ParseQuorum(s string) (Quorum, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return QuorumAll, nil
	case "majority":
		return QuorumMajority, nil
	default:
		return QuorumAll, fmt.Errorf("%w: unknown quorum policy %q", ErrInvalidConfig, s)
	}
}

// PeerState is the connection/health state of a replication peer.
type PeerState int

const (
	// PeerReconnecting: dialing, or connected and catching up.
	PeerReconnecting PeerState = iota
	PeerConnected
	PeerUnreachable
	PeerNeedsSnapshot
	PeerDiverged
)

func (s PeerState) String() string {
	switch s {
	case PeerReconnecting:
		return "reconnecting"
	case PeerConnected:
		return "connected"
	case PeerUnreachable:
		return "unreachable"
	case PeerNeedsSnapshot:
		return "needs_snapshot"
	case PeerDiverged:
		return "diverged"
	default:
		return "unknown"
	}
}

// Terminal states are left only by reconfiguring the peer.
func (s PeerState) Terminal() bool {
	return s == PeerNeedsSnapshot || s == PeerDiverged
}

// PeerInfo is what discovery returns for one node.
type PeerInfo struct {
	ID      string `yaml:"id" json:"id"`
	Address string `yaml:"address" json:"address"`
	Role    Role   `yaml:"-" json:"-"`
}

// PeerStatus is a point-in-time copy of a peer as seen by the primary.
type PeerStatus struct {
	PeerInfo
	State         PeerState
	AckedSequence uint64
	AckedOffset   uint64
	HasAcked      bool
	Lag           uint64
	LastSeen      time.Time
	Err           error
}
