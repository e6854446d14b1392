package queue

import (
	"time"

	"github.com/downfa11-org/mmq/pkg/appendlog"
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"go.uber.org/zap"
)

type options struct {
	maxBytes     uint64
	baseSequence uint64
	durability   appendlog.Durability
	flushEvery   time.Duration
	pollInterval time.Duration
	readOnly     bool
	nodeID       string
	logger       *zap.Logger
	metrics      types.MetricsSink
	discovery    types.Discovery
}

// Option configures New and Open.
type Option func(*options)

// WithMaxBytes caps the retained log size; appends beyond it fail with
// ErrQueueFull.
func WithMaxBytes(n uint64) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithBaseSequence sets the sequence of the first record of a new queue.
func WithBaseSequence(seq uint64) Option {
	return func(o *options) { o.baseSequence = seq }
}

func WithDurability(d appendlog.Durability) Option {
	return func(o *options) { o.durability = d }
}

// WithFlushInterval sets how often batch durability msyncs appended records.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) { o.flushEvery = d }
}

func WithMetrics(m types.MetricsSink) Option {
	return func(o *options) { o.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDiscovery sets the source RefreshPeers reads the topology from.
func WithDiscovery(d types.Discovery) Option {
	return func(o *options) { o.discovery = d }
}

// WithNodeID names this node; discovery results are matched against it.
func WithNodeID(id string) Option {
	return func(o *options) { o.nodeID = id }
}

// WithReadOnly attaches as a reader. Only valid with Open.
func WithReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// WithPollInterval sets how often a reader handle checks for records
// committed by a writer in another process.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = util.Logger()
	}
	if o.metrics == nil {
		o.metrics = types.NopMetrics{}
	}
	return o
}

func (o options) logOptions(writable bool, segmentSize uint64) appendlog.Options {
	return appendlog.Options{
		Writable:      writable,
		SegmentSize:   segmentSize,
		BaseSequence:  o.baseSequence,
		MaxBytes:      o.maxBytes,
		Durability:    o.durability,
		FlushInterval: o.flushEvery,
		PollInterval:  o.pollInterval,
		Logger:        o.logger,
		Metrics:       o.metrics,
	}
}
