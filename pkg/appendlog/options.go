package appendlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"go.uber.org/zap"
)

// Durability controls when an append reaches stable storage.
type Durability int

const (
	// DurabilitySync msyncs every append before it returns.
	DurabilitySync Durability = iota
	// DurabilityBatch publishes appends immediately and msyncs them from a
	// background loop every FlushInterval or FlushBatch appends.
	DurabilityBatch
)

func (d Durability) String() string {
	if d == DurabilityBatch {
		return "batch"
	}
	return "sync"
}

func ParseDurability(s string) (Durability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sync":
		return DurabilitySync, nil
	case "batch":
		return DurabilityBatch, nil
	default:
		return DurabilitySync, fmt.Errorf("%w: unknown durability %q", types.ErrInvalidConfig, s)
	}
}

const (
	DefaultFlushInterval = 5 * time.Millisecond
	DefaultFlushBatch    = 64
	DefaultIndexInterval = 4096
	DefaultPollInterval  = 2 * time.Millisecond
)

type Options struct {
	Writable bool

	// SegmentSize and BaseSequence apply only when a queue is created.
	SegmentSize  uint64
	BaseSequence uint64

	// MaxBytes caps the logical size of the retained log; zero keeps the
	// value stored in the queue metadata.
	MaxBytes uint64

	Durability    Durability
	FlushInterval time.Duration
	FlushBatch    int

	IndexInterval uint64
	PollInterval  time.Duration

	Logger  *zap.Logger
	Metrics types.MetricsSink
}

func (o *Options) normalize() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.FlushBatch <= 0 {
		o.FlushBatch = DefaultFlushBatch
	}
	if o.IndexInterval == 0 {
		o.IndexInterval = DefaultIndexInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = util.Logger()
	}
	if o.Metrics == nil {
		o.Metrics = types.NopMetrics{}
	}
}
