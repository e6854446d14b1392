package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/downfa11-org/mmq/pkg/types"
	"github.com/downfa11-org/mmq/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(AppendsTotal, AppendBytes, AppendLatency, TailOffset, Segments)
	prometheus.MustRegister(ReplicationLagBytes, PeerState, ReplicationErrors)
}

// Prometheus is a MetricsSink backed by the package collectors.
type Prometheus struct{}

var _ types.MetricsSink = Prometheus{}

func (Prometheus) ObserveAppend(d time.Duration, bytes int) {
	AppendsTotal.Inc()
	AppendBytes.Add(float64(bytes))
	AppendLatency.Observe(d.Seconds())
}

func (Prometheus) SetTail(offset uint64) { TailOffset.Set(float64(offset)) }

func (Prometheus) SetSegments(n int) { Segments.Set(float64(n)) }

func (Prometheus) SetReplicationLag(peer string, bytes uint64) {
	ReplicationLagBytes.WithLabelValues(peer).Set(float64(bytes))
}

func (Prometheus) SetPeerState(peer string, state types.PeerState) {
	PeerState.WithLabelValues(peer).Set(float64(state))
}

func (Prometheus) IncReplicationError(peer, kind string) {
	ReplicationErrors.WithLabelValues(peer, kind).Inc()
}

// StartMetricsServer serves /metrics on port in the background. The
// returned server can be shut down by the caller.
func StartMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		util.Info("prometheus exporter listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Error("metrics server failed: %v", err)
		}
	}()
	return srv
}
