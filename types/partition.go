// Package types holds the data shapes shared across the coordinator: partition
// identity, the controller's wire-level partition state, record batches, and
// the error code space returned in per-partition responses.
package types

import "fmt"

// Offset is a position in a partition's log. UnknownOffset is the sentinel
// for a replica whose LEO has never been reported.
type Offset int64

// UnknownOffset marks a replica whose log-end offset is not yet known.
const UnknownOffset Offset = -1

// BrokerID identifies a broker cluster-wide.
type BrokerID int32

// PartitionID is a partition's cluster-wide identity: (topic, index).
type PartitionID struct {
	Topic string
	Index uint32
}

// String renders the identity the way log lines reference it.
func (p PartitionID) String() string {
	return fmt.Sprintf("%s-%d", p.Topic, p.Index)
}

// BrokerEndpoint is a broker descriptor as referenced by a LeaderAndIsr
// request for a partition's current or prospective leader.
type BrokerEndpoint struct {
	ID   BrokerID
	Host string
	Port int32
}

// PartitionState is the Go-level analogue of the controller's per-partition
// LeaderAndIsr payload: everything the coordinator needs to decide whether to
// become leader or follower for one partition.
type PartitionState struct {
	ReplicationFactor int
	AR                []BrokerID // assigned replicas
	Leader            BrokerID
	LeaderEpoch       int64
	ISR               []BrokerID
	ZkVersion         int64
	ControllerEpoch   int32
}

// LeaderAndIsrRequest is the controller's instruction to take on or give up
// leadership for a batch of partitions.
type LeaderAndIsrRequest struct {
	ControllerID    BrokerID
	ControllerEpoch int32
	CorrelationID   int32
	PartitionStates map[PartitionID]PartitionState
	LiveLeaders     map[BrokerID]BrokerEndpoint
}

// StopReplicaRequest orders this broker to stop hosting a set of partitions,
// optionally deleting their local state.
type StopReplicaRequest struct {
	ControllerID     BrokerID
	ControllerEpoch  int32
	CorrelationID    int32
	DeletePartitions bool
	Partitions       []PartitionID
}

// ErrorResponse is the per-partition outcome of a controller request plus
// the request-level code (set when the whole request is rejected, e.g. by
// the epoch fence).
type ErrorResponse struct {
	RequestError ErrorCode
	Partitions   map[PartitionID]ErrorCode
}
