package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/downfa11-org/mmq/pkg/appendlog"
	"github.com/downfa11-org/mmq/pkg/discovery"
	"github.com/downfa11-org/mmq/pkg/replication"
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the mmqd daemon configuration.
type Config struct {
	NodeID   string        `yaml:"node_id" json:"node.id"`
	LogLevel util.LogLevel `yaml:"log_level" json:"log_level"`

	// Queue storage
	QueueDir      string        `yaml:"queue_dir" json:"queue.dir"`
	SegmentSize   ByteSize      `yaml:"segment_size" json:"segment.size"`
	MaxBytes      ByteSize      `yaml:"max_bytes" json:"max.bytes"`
	BaseSequence  uint64        `yaml:"base_sequence" json:"base.sequence"`
	Durability    string        `yaml:"durability" json:"durability"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush.interval"`
	CursorDB      string        `yaml:"cursor_db" json:"cursor.db"`

	// Replication
	Role              string        `yaml:"role" json:"replication.role"`
	Mode              string        `yaml:"mode" json:"replication.mode"`
	Quorum            string        `yaml:"quorum" json:"replication.quorum"`
	ListenAddr        string        `yaml:"listen_addr" json:"replication.listen_addr"`
	Peers             []string      `yaml:"peers" json:"replication.peers"` // id@host:port
	PrimaryID         string        `yaml:"primary_id" json:"replication.primary_id"`
	SyncTimeout       time.Duration `yaml:"sync_timeout" json:"replication.sync_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"replication.heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" json:"replication.heartbeat_timeout"`

	// Discovery
	DiscoveryInterval time.Duration `yaml:"discovery_interval" json:"discovery.interval"`
	RaftAddr          string        `yaml:"raft_addr" json:"raft.addr"`
	RaftBootstrap     []string      `yaml:"raft_bootstrap" json:"raft.bootstrap"` // id@host:port of raft voters

	// Command endpoint; empty disables it.
	CommandAddr string `yaml:"command_addr" json:"command.addr"`
	EnableGzip  bool   `yaml:"enable_gzip" json:"enable.gzip"`

	EnableExporter bool `yaml:"enable_exporter" json:"enable.exporter"`
	ExporterPort   int  `yaml:"exporter_port" json:"exporter.port"`
}

// Default returns the configuration used before files, environment and
// flags are applied.
func Default() *Config {
	return &Config{
		LogLevel:          util.LogLevelInfo,
		QueueDir:          "mmq-data",
		SegmentSize:       64 << 20,
		Durability:        "sync",
		FlushInterval:     appendlog.DefaultFlushInterval,
		Role:              "none",
		Mode:              "async",
		Quorum:            "all",
		ListenAddr:        ":7400",
		SyncTimeout:       replication.DefaultSyncTimeout,
		HeartbeatInterval: replication.DefaultHeartbeatInterval,
		HeartbeatTimeout:  replication.DefaultHeartbeatTimeout,
		DiscoveryInterval: 10 * time.Second,
		EnableExporter:    true,
		ExporterPort:      9100,
	}
}

// LoadConfig builds the configuration from defaults, then the file named by
// --config or CONFIG_PATH, then MMQ_* environment variables, then flags
// given explicitly in args.
func LoadConfig(args []string) (*Config, error) {
	fv := Default()
	fs := pflag.NewFlagSet("mmqd", pflag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML/JSON config file")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	bindFlags(fs, fv)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *configPath == "" {
		*configPath = os.Getenv("CONFIG_PATH")
	}

	cfg := Default()
	if *configPath != "" {
		if err := loadFile(*configPath, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "log-level" {
			cfg.LogLevel = util.ParseLogLevel(*logLevel)
			return
		}
		if apply, ok := flagFields[f.Name]; ok {
			apply(cfg, fv)
		}
	})

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	util.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("%w: parse %s: %w", types.ErrInvalidConfig, path, err)
	}
	return nil
}

func bindFlags(fs *pflag.FlagSet, c *Config) {
	fs.StringVar(&c.NodeID, "node-id", c.NodeID, "Node id used in replication and discovery")
	fs.StringVar(&c.QueueDir, "queue-dir", c.QueueDir, "Queue directory")
	fs.Var(&c.SegmentSize, "segment-size", "Segment file size (e.g. 64MiB)")
	fs.Var(&c.MaxBytes, "max-bytes", "Maximum retained queue size, 0 for unlimited")
	fs.Uint64Var(&c.BaseSequence, "base-sequence", c.BaseSequence, "Sequence of the first record of a new queue")
	fs.StringVar(&c.Durability, "durability", c.Durability, "Append durability (sync, batch)")
	fs.DurationVar(&c.FlushInterval, "flush-interval", c.FlushInterval, "Flush interval for batch durability")
	fs.StringVar(&c.CursorDB, "cursor-db", c.CursorDB, "Path of the consumer cursor database")

	fs.StringVar(&c.Role, "role", c.Role, "Replication role (none, primary, secondary)")
	fs.StringVar(&c.Mode, "mode", c.Mode, "Replication mode (async, sync)")
	fs.StringVar(&c.Quorum, "quorum", c.Quorum, "Sync quorum (all, majority)")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "Replication listen address of a secondary")
	fs.StringSliceVar(&c.Peers, "peers", c.Peers, "Replication peers as id@host:port")
	fs.StringVar(&c.PrimaryID, "primary-id", c.PrimaryID, "Primary node id for static discovery")
	fs.DurationVar(&c.SyncTimeout, "sync-timeout", c.SyncTimeout, "Acknowledgment timeout in sync mode")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "Replication heartbeat interval")
	fs.DurationVar(&c.HeartbeatTimeout, "heartbeat-timeout", c.HeartbeatTimeout, "Replication heartbeat timeout")

	fs.DurationVar(&c.DiscoveryInterval, "discovery-interval", c.DiscoveryInterval, "Peer refresh interval")
	fs.StringVar(&c.RaftAddr, "raft-addr", c.RaftAddr, "Raft bind address; enables raft discovery")
	fs.StringSliceVar(&c.RaftBootstrap, "raft-bootstrap", c.RaftBootstrap, "Initial raft voters as id@host:port")

	fs.StringVar(&c.CommandAddr, "command-addr", c.CommandAddr, "Address for the text command endpoint; empty disables it")
	fs.BoolVar(&c.EnableGzip, "gzip", c.EnableGzip, "Expect gzip compressed command frames")

	fs.BoolVar(&c.EnableExporter, "exporter", c.EnableExporter, "Enable Prometheus exporter")
	fs.IntVar(&c.ExporterPort, "exporter-port", c.ExporterPort, "Exporter port")
}

var flagFields = map[string]func(dst, src *Config){
	"node-id":            func(d, s *Config) { d.NodeID = s.NodeID },
	"queue-dir":          func(d, s *Config) { d.QueueDir = s.QueueDir },
	"segment-size":       func(d, s *Config) { d.SegmentSize = s.SegmentSize },
	"max-bytes":          func(d, s *Config) { d.MaxBytes = s.MaxBytes },
	"base-sequence":      func(d, s *Config) { d.BaseSequence = s.BaseSequence },
	"durability":         func(d, s *Config) { d.Durability = s.Durability },
	"flush-interval":     func(d, s *Config) { d.FlushInterval = s.FlushInterval },
	"cursor-db":          func(d, s *Config) { d.CursorDB = s.CursorDB },
	"role":               func(d, s *Config) { d.Role = s.Role },
	"mode":               func(d, s *Config) { d.Mode = s.Mode },
	"quorum":             func(d, s *Config) { d.Quorum = s.Quorum },
	"listen":             func(d, s *Config) { d.ListenAddr = s.ListenAddr },
	"peers":              func(d, s *Config) { d.Peers = s.Peers },
	"primary-id":         func(d, s *Config) { d.PrimaryID = s.PrimaryID },
	"sync-timeout":       func(d, s *Config) { d.SyncTimeout = s.SyncTimeout },
	"heartbeat-interval": func(d, s *Config) { d.HeartbeatInterval = s.HeartbeatInterval },
	"heartbeat-timeout":  func(d, s *Config) { d.HeartbeatTimeout = s.HeartbeatTimeout },
	"discovery-interval": func(d, s *Config) { d.DiscoveryInterval = s.DiscoveryInterval },
	"raft-addr":          func(d, s *Config) { d.RaftAddr = s.RaftAddr },
	"raft-bootstrap":     func(d, s *Config) { d.RaftBootstrap = s.RaftBootstrap },
	"command-addr":       func(d, s *Config) { d.CommandAddr = s.CommandAddr },
	"gzip":               func(d, s *Config) { d.EnableGzip = s.EnableGzip },
	"exporter":           func(d, s *Config) { d.EnableExporter = s.EnableExporter },
	"exporter-port":      func(d, s *Config) { d.ExporterPort = s.ExporterPort },
}

// Replication translates the replication settings.
func (cfg *Config) Replication() (replication.Config, error) {
	role, err := types.ParseRole(cfg.Role)
	if err != nil {
		return replication.Config{}, err
	}
	mode, err := types.ParseMode(cfg.Mode)
	if err != nil {
		return replication.Config{}, err
	}
	quorum, err := types.ParseQuorum(cfg.Quorum)
	if err != nil {
		return replication.Config{}, err
	}
	peers, err := discovery.ParsePeers(strings.Join(cfg.Peers, ","))
	if err != nil {
		return replication.Config{}, err
	}
	// a static peer list may include this node
	peers = dropPeer(peers, cfg.NodeID)
	if role != types.RolePrimary {
		peers = nil
	}
	return replication.Config{
		Role:              role,
		Mode:              mode,
		Quorum:            quorum,
		Peers:             peers,
		NodeID:            cfg.NodeID,
		ListenAddr:        cfg.ListenAddr,
		SyncTimeout:       cfg.SyncTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}, nil
}

// Durable returns the parsed durability mode.
func (cfg *Config) Durable() (appendlog.Durability, error) {
	return appendlog.ParseDurability(cfg.Durability)
}

func dropPeer(peers []types.PeerInfo, id string) []types.PeerInfo {
	out := peers[:0]
	for _, p := range peers {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}
