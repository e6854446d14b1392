package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/downfa11-org/mmq/pkg/appendlog"
	"github.com/downfa11-org/mmq/pkg/discovery"
	"github.com/downfa11-org/mmq/pkg/disk"
	"github.com/downfa11-org/mmq/pkg/replication"
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"github.com/google/uuid"
)

func (cfg *Config) Normalize() {
	if strings.TrimSpace(cfg.NodeID) == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.NodeID = host
		} else {
			cfg.NodeID = uuid.NewString()
		}
	}

	// queue storage
	if strings.TrimSpace(cfg.QueueDir) == "" {
		cfg.QueueDir = "mmq-data"
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = 64 << 20
	}
	cfg.Durability = strings.ToLower(strings.TrimSpace(cfg.Durability))
	if cfg.Durability == "" {
		cfg.Durability = "sync"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = appendlog.DefaultFlushInterval
	}

	// replication
	cfg.Role = strings.ToLower(strings.TrimSpace(cfg.Role))
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.Quorum = strings.ToLower(strings.TrimSpace(cfg.Quorum))
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":7400"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = replication.DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		util.Warn("heartbeat_timeout (%s) <= heartbeat_interval (%s), using 6x the interval", cfg.HeartbeatTimeout, cfg.HeartbeatInterval)
		cfg.HeartbeatTimeout = 6 * cfg.HeartbeatInterval
	}

	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 10 * time.Second
	}
	if cfg.ExporterPort <= 0 {
		cfg.ExporterPort = 9100
	}
}

// Validate rejects settings the daemon cannot start with.
func (cfg *Config) Validate() error {
	if uint64(cfg.SegmentSize) < disk.MinSegmentSize {
		return fmt.Errorf("%w: segment_size %s below minimum %d bytes", types.ErrInvalidConfig, cfg.SegmentSize, disk.MinSegmentSize)
	}
	if uint64(cfg.SegmentSize) > disk.MaxSegmentSize {
		return fmt.Errorf("%w: segment_size %s above maximum %s", types.ErrInvalidConfig, cfg.SegmentSize, ByteSize(disk.MaxSegmentSize))
	}
	if cfg.MaxBytes != 0 && cfg.MaxBytes < cfg.SegmentSize {
		return fmt.Errorf("%w: max_bytes %s below segment_size %s", types.ErrInvalidConfig, cfg.MaxBytes, cfg.SegmentSize)
	}
	if _, err := cfg.Durable(); err != nil {
		return err
	}
	rc, err := cfg.Replication()
	if err != nil {
		return err
	}
	if rc.Role == types.RolePrimary && len(rc.Peers) == 0 && cfg.RaftAddr == "" {
		util.Warn("primary configured without peers; waiting for discovery")
	}
	if cfg.RaftAddr != "" {
		if _, err := discovery.ParsePeers(strings.Join(cfg.RaftBootstrap, ",")); err != nil {
			return err
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	overrideEnvString(&cfg.NodeID, "MMQ_NODE_ID")
	overrideEnvString(&cfg.QueueDir, "MMQ_QUEUE_DIR")
	overrideEnvBytes(&cfg.SegmentSize, "MMQ_SEGMENT_SIZE")
	overrideEnvBytes(&cfg.MaxBytes, "MMQ_MAX_BYTES")
	overrideEnvString(&cfg.Durability, "MMQ_DURABILITY")
	overrideEnvString(&cfg.Role, "MMQ_ROLE")
	overrideEnvString(&cfg.Mode, "MMQ_MODE")
	overrideEnvString(&cfg.Quorum, "MMQ_QUORUM")
	overrideEnvString(&cfg.ListenAddr, "MMQ_LISTEN_ADDR")
	overrideEnvStringSlice(&cfg.Peers, "MMQ_PEERS")
	overrideEnvString(&cfg.PrimaryID, "MMQ_PRIMARY_ID")
	overrideEnvString(&cfg.RaftAddr, "MMQ_RAFT_ADDR")
	overrideEnvStringSlice(&cfg.RaftBootstrap, "MMQ_RAFT_BOOTSTRAP")
	overrideEnvString(&cfg.CommandAddr, "MMQ_COMMAND_ADDR")
	overrideEnvBool(&cfg.EnableGzip, "MMQ_GZIP")
	overrideEnvBool(&cfg.EnableExporter, "MMQ_EXPORTER")
	overrideEnvInt(&cfg.ExporterPort, "MMQ_EXPORTER_PORT")
	if v := os.Getenv("MMQ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = util.ParseLogLevel(v)
	}
}

func overrideEnvInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt(v, *target)
	}
}

func overrideEnvBytes(target *ByteSize, key string) {
	if v := os.Getenv(key); v != "" {
		*target = ByteSize(util.ParseBytes(v, uint64(*target)))
	}
}

func overrideEnvBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseBool(v, *target)
	}
}

func overrideEnvString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func overrideEnvStringSlice(target *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, s := range parts {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		*target = result
	}
}
