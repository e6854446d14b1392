package replication

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultSyncTimeout       = 5 * time.Second
	DefaultHeartbeatInterval = 500 * time.Millisecond
	DefaultHeartbeatTimeout  = 3 * time.Second
	DefaultDialTimeout       = 2 * time.Second
	DefaultReconnectBackoff  = 100 * time.Millisecond
	DefaultMaxBackoff        = 5 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
)

// DialFunc opens a connection to a secondary. Tests replace it to inject faults.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Config struct {
	Role types.Role
	// Peers lists the secondaries a primary streams to.
	Peers  []types.PeerInfo
	Mode   types.Mode
	Quorum types.Quorum

	// NodeID identifies this node in Hello messages and logs.
	NodeID string
	// ListenAddr is where a secondary accepts its primary.
	ListenAddr string

	SyncTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	ReconnectBackoff  time.Duration
	MaxBackoff        time.Duration

	Dial    DialFunc
	Logger  *zap.Logger
	Metrics types.MetricsSink
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Dial == nil {
		d := &net.Dialer{Timeout: c.DialTimeout, KeepAlive: 30 * time.Second}
		c.Dial = d.DialContext
	}
	if c.Logger == nil {
		c.Logger = util.Logger()
	}
	if c.Metrics == nil {
		c.Metrics = types.NopMetrics{}
	}
}

func (c *Config) Validate() error {
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: heartbeat timeout %s must exceed heartbeat interval %s", types.ErrInvalidConfig, c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.MaxBackoff < c.ReconnectBackoff {
		return fmt.Errorf("%w: max backoff %s below reconnect backoff %s", types.ErrInvalidConfig, c.MaxBackoff, c.ReconnectBackoff)
	}
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == "" || p.Address == "" {
			return fmt.Errorf("%w: peer needs both id and address: %+v", types.ErrInvalidConfig, p)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate peer id %q", types.ErrInvalidConfig, p.ID)
		}
		seen[p.ID] = true
	}
	if c.Role == types.RoleSecondary && c.ListenAddr == "" {
		return fmt.Errorf("%w: secondary needs a listen address", types.ErrInvalidConfig)
	}
	return nil
}
