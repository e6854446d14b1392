package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/downfa11-org/mmq/pkg/config"
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg := &config.Config{}
	cfg.Normalize()

	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, "mmq-data", cfg.QueueDir)
	assert.Equal(t, config.ByteSize(64<<20), cfg.SegmentSize)
	assert.Equal(t, "sync", cfg.Durability)
	assert.Equal(t, ":7400", cfg.ListenAddr)
	assert.Greater(t, cfg.HeartbeatTimeout, cfg.HeartbeatInterval)
	assert.Equal(t, 9100, cfg.ExporterPort)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mmqd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: a
queue_dir: /var/lib/mmq
segment_size: 16MiB
max_bytes: 1GiB
role: primary
mode: sync
peers: ["a@10.0.0.1:7400", "b@10.0.0.2:7400"]
sync_timeout: 2s
log_level: debug
command_addr: ":7500"
`), 0o644))

	t.Setenv("CONFIG_PATH", path)
	t.Setenv("MMQ_QUORUM", "majority")
	t.Setenv("MMQ_GZIP", "true")

	cfg, err := config.LoadConfig([]string{"--mode", "async", "--exporter-port", "9200"})
	require.NoError(t, err)

	assert.Equal(t, "a", cfg.NodeID)
	assert.Equal(t, "/var/lib/mmq", cfg.QueueDir)
	assert.Equal(t, config.ByteSize(16<<20), cfg.SegmentSize)
	assert.Equal(t, config.ByteSize(1<<30), cfg.MaxBytes)
	assert.Equal(t, "async", cfg.Mode, "explicit flag wins over the file")
	assert.Equal(t, "majority", cfg.Quorum, "environment wins over the file")
	assert.Equal(t, 9200, cfg.ExporterPort)
	assert.Equal(t, ":7500", cfg.CommandAddr)
	assert.True(t, cfg.EnableGzip)
	assert.Equal(t, 2*time.Second, cfg.SyncTimeout)
	assert.Equal(t, util.LogLevelDebug, cfg.LogLevel)
	util.SetLevel(util.LogLevelInfo)

	rc, err := cfg.Replication()
	require.NoError(t, err)
	assert.Equal(t, types.RolePrimary, rc.Role)
	assert.Equal(t, types.ModeAsync, rc.Mode)
	assert.Equal(t, types.QuorumMajority, rc.Quorum)
	assert.Equal(t, []types.PeerInfo{{ID: "b", Address: "10.0.0.2:7400"}}, rc.Peers, "self is dropped")
}

func TestLoadConfig_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmqd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"queue.dir": "q", "segment.size": "1MiB", "max.bytes": 4194304, "replication.role": "secondary"}`), 0o644))

	cfg, err := config.LoadConfig([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, "q", cfg.QueueDir)
	assert.Equal(t, config.ByteSize(1<<20), cfg.SegmentSize)
	assert.Equal(t, config.ByteSize(4<<20), cfg.MaxBytes)

	rc, err := cfg.Replication()
	require.NoError(t, err)
	assert.Equal(t, types.RoleSecondary, rc.Role)
	assert.Empty(t, rc.Peers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"tiny segment", func(c *config.Config) { c.SegmentSize = 64 }},
		{"huge segment", func(c *config.Config) { c.SegmentSize = 5 << 30; c.MaxBytes = 0 }},
		{"max below segment", func(c *config.Config) { c.MaxBytes = c.SegmentSize - 1 }},
		{"durability", func(c *config.Config) { c.Durability = "sometimes" }},
		{"role", func(c *config.Config) { c.Role = "observer" }},
		{"mode", func(c *config.Config) { c.Mode = "eventually" }},
		{"peer", func(c *config.Config) { c.Role = "primary"; c.Peers = []string{"10.0.0.1:7400"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			cfg.Normalize()
			assert.ErrorIs(t, cfg.Validate(), types.ErrInvalidConfig)
		})
	}
}

func TestLoadConfig_BadFlag(t *testing.T) {
	_, err := config.LoadConfig([]string{"--segment-size", "lots"})
	assert.Error(t, err)
}

func TestByteSize(t *testing.T) {
	b, err := config.ParseByteSize("64MiB")
	require.NoError(t, err)
	assert.Equal(t, config.ByteSize(64<<20), b)
	b, err = config.ParseByteSize("4096")
	require.NoError(t, err)
	assert.Equal(t, config.ByteSize(4096), b)
	assert.Equal(t, "64 MiB", config.ByteSize(64<<20).String())
}
