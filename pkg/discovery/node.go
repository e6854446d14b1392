package discovery

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/hashicorp/raft"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RaftConfig describes a membership-only raft node used to elect the
// replication primary.
type RaftConfig struct {
	NodeID   string
	BindAddr string
	// AdvertiseAddr defaults to BindAddr.
	AdvertiseAddr string
	DataDir       string
	// Bootstrap lists the initial voters, this node included. Ignored when
	// the node already has a configuration.
	Bootstrap []types.PeerInfo

	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	LogOutput        io.Writer
	Logger           *zap.Logger
}

// StartRaftNode starts a raft node that replicates nothing but its own
// membership. Queue data never goes through raft.
func StartRaftNode(cfg RaftConfig) (*raft.Raft, error) {
	if cfg.NodeID == "" || cfg.BindAddr == "" {
		return nil, fmt.Errorf("%w: raft node needs an id and a bind address", types.ErrInvalidConfig)
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.BindAddr
	}
	if cfg.LogOutput == nil {
		cfg.LogOutput = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.NodeID)
	conf.LogOutput = cfg.LogOutput
	if cfg.HeartbeatTimeout > 0 {
		conf.HeartbeatTimeout = cfg.HeartbeatTimeout
		conf.LeaderLeaseTimeout = cfg.HeartbeatTimeout
	}
	if cfg.ElectionTimeout > 0 {
		conf.ElectionTimeout = cfg.ElectionTimeout
	}

	var snapshots raft.SnapshotStore = raft.NewInmemSnapshotStore()
	if cfg.DataDir != "" {
		dir := filepath.Join(cfg.DataDir, "raft")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.IOError("mkdir", dir, err)
		}
		fss, err := raft.NewFileSnapshotStore(dir, 2, cfg.LogOutput)
		if err != nil {
			return nil, fmt.Errorf("raft snapshot store: %w", err)
		}
		snapshots = fss
	}

	advertise, err := net.ResolveTCPAddr("tcp", cfg.AdvertiseAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.AdvertiseAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, advertise, 3, 10*time.Second, cfg.LogOutput)
	if err != nil {
		return nil, fmt.Errorf("raft transport: %w", err)
	}

	store := raft.NewInmemStore()
	r, err := raft.NewRaft(conf, membershipFSM{}, store, store, snapshots, transport)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("start raft: %w", err), transport.Close())
	}

	if len(cfg.Bootstrap) > 0 {
		if err := bootstrap(r, cfg); err != nil {
			return nil, err
		}
	}
	cfg.Logger.Info("raft node started", zap.String("node", cfg.NodeID), zap.String("address", string(transport.LocalAddr())))
	return r, nil
}

func bootstrap(r *raft.Raft, cfg RaftConfig) error {
	future := r.GetConfiguration()
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft configuration: %w", err)
	}
	if n := len(future.Configuration().Servers); n > 0 {
		cfg.Logger.Info("bootstrap skipped: existing configuration", zap.Int("servers", n))
		return nil
	}

	conf := raft.Configuration{}
	self := false
	for _, p := range cfg.Bootstrap {
		self = self || p.ID == cfg.NodeID
		conf.Servers = append(conf.Servers, raft.Server{
			ID:       raft.ServerID(p.ID),
			Address:  raft.ServerAddress(p.Address),
			Suffrage: raft.Voter,
		})
	}
	if !self {
		conf.Servers = append(conf.Servers, raft.Server{
			ID:       raft.ServerID(cfg.NodeID),
			Address:  raft.ServerAddress(cfg.AdvertiseAddr),
			Suffrage: raft.Voter,
		})
	}
	if err := r.BootstrapCluster(conf).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("bootstrap raft: %w", err)
	}
	return nil
}

// membershipFSM has no state; raft is used only for leader election and
// the server configuration.
type membershipFSM struct{}

func (membershipFSM) Apply(*raft.Log) interface{}         { return nil }
func (membershipFSM) Snapshot() (raft.FSMSnapshot, error) { return emptySnapshot{}, nil }
func (membershipFSM) Restore(rc io.ReadCloser) error      { return rc.Close() }

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (emptySnapshot) Release()                             {}
