package broker

import (
	"testing"
	"time"

	"github.com/kestrel-io/kestrel/metastore"
	"github.com/kestrel-io/kestrel/types"
)

func TestClusterReadFromRoutesToRegisteredBroker(t *testing.T) {
	cluster := NewCluster()
	cfg := types.Configuration{
		NodeID:               1,
		LogDir:               t.TempDir(),
		LogSegmentBytes:      1 << 20,
		ReplicaLagTime:       time.Hour,
		IsrShrinkInterval:    time.Hour,
		HWCheckpointInterval: time.Hour,
		FetchInterval:        time.Hour,
	}
	b := New(cfg, metastore.NewMem(), cluster, nil)
	t.Cleanup(b.Shutdown)
	cluster.Register(b)

	id := types.PartitionID{Topic: "orders", Index: 0}
	req := types.LeaderAndIsrRequest{
		ControllerEpoch: 1,
		PartitionStates: map[types.PartitionID]types.PartitionState{
			id: {AR: []types.BrokerID{1}, Leader: 1, LeaderEpoch: 1, ISR: []types.BrokerID{1}},
		},
		LiveLeaders: map[types.BrokerID]types.BrokerEndpoint{1: {ID: 1}},
	}
	if resp := b.HandleLeaderAndIsr(req); resp.Partitions[id] != types.NoError {
		t.Fatalf("HandleLeaderAndIsr: %v", resp.Partitions[id])
	}
	if _, err := b.Coordinator.AppendToLeader(id, 0, 0, []types.Record{{Value: []byte("v1")}}); err != nil {
		t.Fatalf("AppendToLeader: %v", err)
	}

	_, recs, err := cluster.ReadFrom(1, id, 0)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(recs) != 1 || string(recs[0].Value) != "v1" {
		t.Errorf("ReadFrom records = %+v, want one record with value v1", recs)
	}
}

func TestClusterReadFromUnregisteredLeaderErrors(t *testing.T) {
	cluster := NewCluster()
	id := types.PartitionID{Topic: "orders", Index: 0}
	if _, _, err := cluster.ReadFrom(99, id, 0); err == nil {
		t.Error("ReadFrom for an unregistered leader did not error")
	}
}

// TestClusterReplicationAdvancesLeaderHighWatermark drives two real
// Brokers sharing a Cluster through an actual leader/follower fetch
// cycle: append at the leader, let broker 2's fetcher goroutine pull the
// record and report its position back through the Cluster, and assert
// that report lands on the leader's own Coordinator, expanding its ISR so
// both replicas count toward acks=2, rather than on the follower's.
func TestClusterReplicationAdvancesLeaderHighWatermark(t *testing.T) {
	cluster := NewCluster()
	newCfg := func(id types.BrokerID) types.Configuration {
		return types.Configuration{
			NodeID:               id,
			LogDir:               t.TempDir(),
			LogSegmentBytes:      1 << 20,
			ReplicaLagTime:       time.Hour,
			ReplicaLagMessages:   1000,
			IsrShrinkInterval:    time.Hour,
			HWCheckpointInterval: time.Hour,
			FetchInterval:        2 * time.Millisecond,
		}
	}
	// Seed the leader's leader/ISR record so the ISR-expand CAS has a
	// version to compare against, as a controller would.
	leaderStore := metastore.NewMem()
	zkVersion, err := leaderStore.ConditionalCreate("/brokers/topics/orders/partitions/0/state", []byte("{}"))
	if err != nil {
		t.Fatalf("seed metastore path: %v", err)
	}
	leader := New(newCfg(1), leaderStore, cluster, nil)
	follower := New(newCfg(2), metastore.NewMem(), cluster, nil)
	t.Cleanup(leader.Shutdown)
	t.Cleanup(follower.Shutdown)
	cluster.Register(leader)
	cluster.Register(follower)

	id := types.PartitionID{Topic: "orders", Index: 0}
	liveLeaders := map[types.BrokerID]types.BrokerEndpoint{1: {ID: 1, Host: "localhost", Port: 9092}}

	leaderReq := types.LeaderAndIsrRequest{
		ControllerEpoch: 1,
		PartitionStates: map[types.PartitionID]types.PartitionState{
			id: {AR: []types.BrokerID{1, 2}, Leader: 1, LeaderEpoch: 1, ISR: []types.BrokerID{1}, ZkVersion: zkVersion},
		},
		LiveLeaders: liveLeaders,
	}
	if resp := leader.HandleLeaderAndIsr(leaderReq); resp.Partitions[id] != types.NoError {
		t.Fatalf("leader HandleLeaderAndIsr: %v", resp.Partitions[id])
	}

	followerReq := types.LeaderAndIsrRequest{
		ControllerEpoch: 1,
		PartitionStates: map[types.PartitionID]types.PartitionState{
			id: {AR: []types.BrokerID{1, 2}, Leader: 1, LeaderEpoch: 1, ISR: []types.BrokerID{1}},
		},
		LiveLeaders: liveLeaders,
	}
	if resp := follower.HandleLeaderAndIsr(followerReq); resp.Partitions[id] != types.NoError {
		t.Fatalf("follower HandleLeaderAndIsr: %v", resp.Partitions[id])
	}

	if _, err := leader.Coordinator.AppendToLeader(id, 0, 0, []types.Record{{Value: []byte("v1")}}); err != nil {
		t.Fatalf("AppendToLeader: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		hw, ok := leader.Coordinator.HighWatermark(id)
		return ok && hw >= 1
	})

	var code types.ErrorCode
	waitFor(t, 2*time.Second, func() bool {
		var ok bool
		ok, code = leader.Coordinator.CheckEnoughReplicasReachOffset(id, 1, 2)
		return ok
	})
	if code != types.NoError {
		t.Fatalf("CheckEnoughReplicasReachOffset error code = %v, want NoError", code)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestClusterUnregisterRemovesBroker(t *testing.T) {
	cluster := NewCluster()
	cfg := types.Configuration{NodeID: 1, LogDir: t.TempDir()}
	b := New(cfg, metastore.NewMem(), cluster, nil)
	t.Cleanup(b.Shutdown)
	cluster.Register(b)
	cluster.Unregister(1)

	id := types.PartitionID{Topic: "orders", Index: 0}
	if _, _, err := cluster.ReadFrom(1, id, 0); err == nil {
		t.Error("ReadFrom succeeded after Unregister, want error")
	}
}
