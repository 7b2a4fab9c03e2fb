package broker

import (
	"fmt"
	"sync"

	"github.com/kestrel-io/kestrel/types"
)

// Cluster is an in-process registry of Brokers sharing one Go process. It
// implements fetcher.Backend by routing both a fetch request and a
// follower-position report for a given leader broker to that broker's
// Coordinator directly, instead of over the network. This is the
// reference wiring used by tests and by a single-process multi-broker
// deployment; a real multi-process deployment would supply an
// RPC-backed fetcher.Backend instead.
type Cluster struct {
	mu      sync.RWMutex
	brokers map[types.BrokerID]*Broker
}

// NewCluster returns an empty Cluster.
func NewCluster() *Cluster {
	return &Cluster{brokers: make(map[types.BrokerID]*Broker)}
}

// Register adds b to the cluster under its own broker id.
func (c *Cluster) Register(b *Broker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.brokers[b.Config.NodeID] = b
}

// Unregister removes the broker with id from the cluster.
func (c *Cluster) Unregister(id types.BrokerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.brokers, id)
}

// ReadFrom implements fetcher.Target.
func (c *Cluster) ReadFrom(leader types.BrokerID, partition types.PartitionID, offset types.Offset) (types.RecordBatch, []types.Record, error) {
	c.mu.RLock()
	b, ok := c.brokers[leader]
	c.mu.RUnlock()
	if !ok {
		return types.RecordBatch{}, nil, fmt.Errorf("cluster: leader broker %d not registered", leader)
	}
	return b.Coordinator.ReadLocal(partition, offset)
}

// RecordFollowerPosition implements fetcher.PositionReporter by routing
// the report to the leader broker's own Coordinator, the same lookup
// ReadFrom uses, so a follower's fetch goroutine advances the leader's
// high watermark and ISR instead of its own.
func (c *Cluster) RecordFollowerPosition(leader types.BrokerID, partition types.PartitionID, followerID types.BrokerID, leaderEpoch int64, offset types.Offset) error {
	c.mu.RLock()
	b, ok := c.brokers[leader]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cluster: leader broker %d not registered", leader)
	}
	return b.Coordinator.RecordFollowerPosition(partition, followerID, leaderEpoch, offset)
}
