// Package broker wires a Coordinator, metadata store and fetcher control
// into a single per-process daemon lifecycle: no network listener and no
// wire protocol, since RPC framing is an external collaborator's concern.
package broker

import (
	log "github.com/kestrel-io/kestrel/logging"

	"github.com/kestrel-io/kestrel/coordinator"
	"github.com/kestrel-io/kestrel/fetcher"
	"github.com/kestrel-io/kestrel/metastore"
	"github.com/kestrel-io/kestrel/types"
)

// Broker owns one coordinator.Coordinator and its collaborators for the
// lifetime of the process.
type Broker struct {
	Config      types.Configuration
	Coordinator *coordinator.Coordinator

	store   metastore.Store
	fetcher fetcher.Control
}

// New builds a Broker. store is the metadata-store CAS contract (metastore.Mem
// for a standalone broker, metastore.Raft for a quorum-backed one); backend
// is what the fetcher subsystem reads from and reports follower progress
// to, typically a Cluster when multiple Brokers share a process, or an
// RPC client in a real deployment. A follower's fetch goroutine reports
// through backend to the leader's own coordinator, never to this
// Broker's, so backend must be able to resolve any leader named in a
// fetcher.Assignment, not just this broker.
func New(config types.Configuration, store metastore.Store, backend fetcher.Backend, metrics coordinator.Metrics) *Broker {
	b := &Broker{Config: config, store: store}

	fetcherControl := fetcher.NewInProcess(config.NodeID, backend, config.FetchInterval)
	b.fetcher = fetcherControl

	cfg := coordinator.Config{
		LocalBrokerID:          config.NodeID,
		LogDir:                 config.LogDir,
		LogSegmentBytes:        config.LogSegmentBytes,
		LogSegmentAge:          config.LogSegmentAge,
		LogRetention:           config.LogRetention,
		RetentionSweepInterval: config.RetentionSweepInterval,
		ReplicaLagTime:         config.ReplicaLagTime,
		ReplicaLagMessages:     config.ReplicaLagMessages,
		IsrShrinkInterval:      config.IsrShrinkInterval,
		HWCheckpointInterval:   config.HWCheckpointInterval,
	}
	b.Coordinator = coordinator.New(cfg, store, fetcherControl, metrics)
	return b
}

// HandleLeaderAndIsr processes a controller LeaderAndIsr request.
func (b *Broker) HandleLeaderAndIsr(req types.LeaderAndIsrRequest) types.ErrorResponse {
	return b.Coordinator.BecomeLeaderOrFollower(req)
}

// HandleStopReplica processes a controller StopReplica request.
func (b *Broker) HandleStopReplica(req types.StopReplicaRequest) types.ErrorResponse {
	return b.Coordinator.StopReplicas(req)
}

// Shutdown stops the coordinator's background tasks and fetcher threads,
// running one final HW checkpoint synchronously.
func (b *Broker) Shutdown() {
	log.Info("broker %d shutting down", b.Config.NodeID)
	b.Coordinator.Shutdown()
}
