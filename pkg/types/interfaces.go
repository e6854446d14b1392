package types

import (
	"context"
	"time"
)

// Serializer converts queue items to and from record payloads.
type Serializer[T any] interface {
	Encode(item T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// Discovery returns the current replication topology.
type Discovery interface {
	ListPeers(ctx context.Context) ([]PeerInfo, error)
}

// MetricsSink receives counters and gauges emitted by the core.
type MetricsSink interface {
	ObserveAppend(d time.Duration, bytes int)
	SetTail(offset uint64)
	SetSegments(n int)
	SetReplicationLag(peer string, bytes uint64)
	SetPeerState(peer string, state PeerState)
	IncReplicationError(peer, kind string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveAppend(time.Duration, int)   {}
func (NopMetrics) SetTail(uint64)                     {}
func (NopMetrics) SetSegments(int)                    {}
func (NopMetrics) SetReplicationLag(string, uint64)   {}
func (NopMetrics) SetPeerState(string, PeerState)     {}
func (NopMetrics) IncReplicationError(string, string) {}
