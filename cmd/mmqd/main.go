package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/downfa11-org/mmq/pkg/codec"
	"github.com/downfa11-org/mmq/pkg/config"
	"github.com/downfa11-org/mmq/pkg/cursor"
	"github.com/downfa11-org/mmq/pkg/discovery"
	"github.com/downfa11-org/mmq/pkg/metrics"
	"github.com/downfa11-org/mmq/pkg/queue"
	"github.com/downfa11-org/mmq/pkg/server"
	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	statusInterval    = 30 * time.Second
	retentionInterval = 30 * time.Second
)

func main() {
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		util.Fatal("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		util.Fatal("mmqd failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := util.Logger().With(zap.String("node", cfg.NodeID))
	logger.Info("starting mmqd",
		zap.String("queue_dir", cfg.QueueDir),
		zap.Stringer("segment_size", cfg.SegmentSize),
		zap.String("role", cfg.Role),
		zap.String("mode", cfg.Mode))

	durability, err := cfg.Durable()
	if err != nil {
		return err
	}
	rc, err := cfg.Replication()
	if err != nil {
		return err
	}

	var sink types.MetricsSink = types.NopMetrics{}
	if cfg.EnableExporter {
		sink = metrics.Prometheus{}
		srv := metrics.StartMetricsServer(cfg.ExporterPort)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	disc, shutdownRaft, err := newDiscovery(cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownRaft()

	opts := []queue.Option{
		queue.WithMaxBytes(uint64(cfg.MaxBytes)),
		queue.WithBaseSequence(cfg.BaseSequence),
		queue.WithDurability(durability),
		queue.WithFlushInterval(cfg.FlushInterval),
		queue.WithMetrics(sink),
		queue.WithLogger(logger),
		queue.WithNodeID(cfg.NodeID),
	}
	if disc != nil {
		opts = append(opts, queue.WithDiscovery(disc))
	}
	q, err := queue.New[[]byte](cfg.QueueDir, uint64(cfg.SegmentSize), codec.Bytes{}, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Error("close queue", zap.Error(err))
		}
	}()

	rc.Logger = logger
	rc.Metrics = sink
	if err := q.ConfigureReplication(rc); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if disc != nil {
		g.Go(func() error { return refreshLoop(ctx, q, cfg.DiscoveryInterval, logger) })
	}
	var store *cursor.Store
	if cfg.CursorDB != "" {
		if store, err = cursor.Open(cfg.CursorDB); err != nil {
			return err
		}
		defer store.Close()
		g.Go(func() error { return retentionLoop(ctx, q, store, logger) })
	}
	if cfg.CommandAddr != "" {
		srv := server.New(q, store, cfg.EnableGzip, logger)
		g.Go(func() error { return srv.ListenAndServe(ctx, cfg.CommandAddr) })
	}
	g.Go(func() error { return statusLoop(ctx, q, logger) })
	return g.Wait()
}

// newDiscovery picks raft membership when a raft address is set, a static
// topology when a primary id is set, and none otherwise.
func newDiscovery(cfg *config.Config, logger *zap.Logger) (types.Discovery, func(), error) {
	noop := func() {}
	peers, err := discovery.ParsePeers(strings.Join(cfg.Peers, ","))
	if err != nil {
		return nil, noop, err
	}

	switch {
	case cfg.RaftAddr != "":
		boot, err := discovery.ParsePeers(strings.Join(cfg.RaftBootstrap, ","))
		if err != nil {
			return nil, noop, err
		}
		r, err := discovery.StartRaftNode(discovery.RaftConfig{
			NodeID:    cfg.NodeID,
			BindAddr:  cfg.RaftAddr,
			Bootstrap: boot,
			Logger:    logger,
		})
		if err != nil {
			return nil, noop, err
		}
		addrs := make(map[string]string, len(peers))
		for _, p := range peers {
			addrs[p.ID] = p.Address
		}
		shutdown := func() {
			if err := r.Shutdown().Error(); err != nil {
				logger.Warn("raft shutdown", zap.Error(err))
			}
		}
		return discovery.NewRaft(r, discovery.AddressMap(addrs)), shutdown, nil
	case cfg.PrimaryID != "":
		return discovery.NewStatic(cfg.PrimaryID, peers), noop, nil
	default:
		return nil, noop, nil
	}
}

func refreshLoop(ctx context.Context, q *queue.Queue[[]byte], interval time.Duration, logger *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := q.RefreshPeers(ctx); err != nil {
			if errors.Is(err, types.ErrCancelled) {
				return ctx.Err()
			}
			logger.Warn("peer refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// retentionLoop drops segments every saved consumer cursor has passed.
func retentionLoop(ctx context.Context, q *queue.Queue[[]byte], store *cursor.Store, logger *zap.Logger) error {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		low, ok, err := store.Min(q.QueueID())
		if err != nil {
			logger.Warn("read cursors", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		n, err := q.DropBefore(low)
		if err != nil {
			logger.Error("retention failed", zap.Error(err))
			continue
		}
		if n > 0 {
			logger.Info("retention dropped segments", zap.Int("segments", n), zap.Uint64("cursor", low))
		}
	}
}

func statusLoop(ctx context.Context, q *queue.Queue[[]byte], logger *zap.Logger) error {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		st := q.Status()
		fields := []zap.Field{
			zap.Stringer("role", st.Role),
			zap.Stringer("mode", st.Mode),
			zap.Uint64("next_sequence", st.NextSequence),
			zap.String("size", humanize.IBytes(st.Tail-st.Oldest)),
			zap.Int("segments", len(st.Segments)),
		}
		for _, p := range st.Peers {
			fields = append(fields, zap.String("peer."+p.ID, p.State.String()+" lag "+humanize.IBytes(p.Lag)))
		}
		if st.ReplicationErr != nil {
			fields = append(fields, zap.NamedError("replication_error", st.ReplicationErr))
		}
		logger.Info("queue status", fields...)
	}
}
