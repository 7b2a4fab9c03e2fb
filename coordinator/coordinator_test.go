package coordinator

import (
	"testing"
	"time"

	"github.com/kestrel-io/kestrel/fetcher"
	"github.com/kestrel-io/kestrel/metastore"
	"github.com/kestrel-io/kestrel/types"
)

type fakeFetcherControl struct {
	added   []types.PartitionID
	removed []types.PartitionID
}

func (f *fakeFetcherControl) AddFetcherForPartitions(assignments map[types.PartitionID]fetcher.Assignment) {
	for id := range assignments {
		f.added = append(f.added, id)
	}
}

func (f *fakeFetcherControl) RemoveFetcherForPartitions(partitions []types.PartitionID) {
	f.removed = append(f.removed, partitions...)
}

func (f *fakeFetcherControl) ShutdownIdleFetcherThreads() {}
func (f *fakeFetcherControl) Shutdown()                   {}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeFetcherControl) {
	t.Helper()
	cfg := Config{
		LocalBrokerID:        1,
		LogDir:               t.TempDir(),
		LogSegmentBytes:      1 << 20,
		ReplicaLagTime:       time.Hour,
		ReplicaLagMessages:   1000,
		IsrShrinkInterval:    time.Hour,
		HWCheckpointInterval: time.Hour,
	}
	fc := &fakeFetcherControl{}
	c := New(cfg, metastore.NewMem(), fc, nil)
	t.Cleanup(c.Shutdown)
	return c, fc
}

func singlePartitionRequest(controllerEpoch int32, leaderEpoch int64, leader types.BrokerID) (types.PartitionID, types.LeaderAndIsrRequest) {
	id := types.PartitionID{Topic: "orders", Index: 0}
	req := types.LeaderAndIsrRequest{
		ControllerID:    0,
		ControllerEpoch: controllerEpoch,
		PartitionStates: map[types.PartitionID]types.PartitionState{
			id: {
				ReplicationFactor: 2,
				AR:                []types.BrokerID{1, 2},
				Leader:            leader,
				LeaderEpoch:       leaderEpoch,
				ISR:               []types.BrokerID{1, 2},
				ControllerEpoch:   controllerEpoch,
			},
		},
		LiveLeaders: map[types.BrokerID]types.BrokerEndpoint{
			leader: {ID: leader, Host: "localhost", Port: 9092},
		},
	}
	return id, req
}

func TestBecomeLeaderOrFollowerMakesLeader(t *testing.T) {
	c, _ := newTestCoordinator(t)
	id, req := singlePartitionRequest(1, 1, 1)

	resp := c.BecomeLeaderOrFollower(req)
	if resp.RequestError != types.NoError {
		t.Fatalf("RequestError = %v, want NoError", resp.RequestError)
	}
	if code := resp.Partitions[id]; code != types.NoError {
		t.Fatalf("partition error = %v, want NoError", code)
	}

	offset, err := c.AppendToLeader(id, 0, 0, []types.Record{{Value: []byte("v1")}})
	if err != nil {
		t.Fatalf("AppendToLeader: %v", err)
	}
	if offset != 0 {
		t.Errorf("AppendToLeader base offset = %d, want 0", offset)
	}
}

func TestBecomeLeaderOrFollowerMakesFollower(t *testing.T) {
	c, fc := newTestCoordinator(t)
	id, req := singlePartitionRequest(1, 1, 2)

	resp := c.BecomeLeaderOrFollower(req)
	if resp.RequestError != types.NoError {
		t.Fatalf("RequestError = %v, want NoError", resp.RequestError)
	}
	if code := resp.Partitions[id]; code != types.NoError {
		t.Fatalf("partition error = %v, want NoError", code)
	}
	if len(fc.added) != 1 || fc.added[0] != id {
		t.Errorf("fetcher.AddFetcherForPartitions not called for %s, added=%v", id, fc.added)
	}

	if _, err := c.AppendToLeader(id, 0, 0, []types.Record{{Value: []byte("v1")}}); err == nil {
		t.Error("AppendToLeader succeeded against a follower partition, want error")
	}
}

func TestBecomeLeaderOrFollowerRejectsStaleControllerEpoch(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, first := singlePartitionRequest(5, 1, 1)
	if resp := c.BecomeLeaderOrFollower(first); resp.RequestError != types.NoError {
		t.Fatalf("initial request rejected: %v", resp.RequestError)
	}

	_, stale := singlePartitionRequest(3, 2, 1)
	resp := c.BecomeLeaderOrFollower(stale)
	if resp.RequestError != types.ErrStaleControllerEpoch {
		t.Errorf("RequestError = %v, want ErrStaleControllerEpoch", resp.RequestError)
	}
}

func TestBecomeLeaderOrFollowerRejectsStaleLeaderEpoch(t *testing.T) {
	c, _ := newTestCoordinator(t)
	id, first := singlePartitionRequest(1, 5, 1)
	if resp := c.BecomeLeaderOrFollower(first); resp.Partitions[id] != types.NoError {
		t.Fatalf("initial request rejected: %v", resp.Partitions[id])
	}

	_, replay := singlePartitionRequest(1, 5, 1)
	resp := c.BecomeLeaderOrFollower(replay)
	if code := resp.Partitions[id]; code != types.ErrStaleLeaderEpoch {
		t.Errorf("partition error = %v, want ErrStaleLeaderEpoch", code)
	}
}

func TestStopReplicasRemovesFetchersAndClearsLeaderTracking(t *testing.T) {
	c, fc := newTestCoordinator(t)
	id, req := singlePartitionRequest(1, 1, 1)
	if resp := c.BecomeLeaderOrFollower(req); resp.Partitions[id] != types.NoError {
		t.Fatalf("BecomeLeaderOrFollower: %v", resp.Partitions[id])
	}

	resp := c.StopReplicas(types.StopReplicaRequest{
		ControllerEpoch: 1,
		Partitions:      []types.PartitionID{id},
	})
	if resp.RequestError != types.NoError {
		t.Fatalf("RequestError = %v, want NoError", resp.RequestError)
	}
	if code := resp.Partitions[id]; code != types.NoError {
		t.Errorf("partition error = %v, want NoError", code)
	}
	found := false
	for _, removedID := range fc.removed {
		if removedID == id {
			found = true
		}
	}
	if !found {
		t.Error("StopReplicas did not remove the partition's fetcher")
	}
	c.leaderPartitionsLock.Lock()
	_, stillLeader := c.leaderPartitions[id]
	c.leaderPartitionsLock.Unlock()
	if stillLeader {
		t.Error("StopReplicas left the partition in leaderPartitions")
	}
}

func TestRecordFollowerPositionUnknownPartitionIsDropped(t *testing.T) {
	c, _ := newTestCoordinator(t)
	id := types.PartitionID{Topic: "missing", Index: 0}
	if err := c.RecordFollowerPosition(id, 2, 0, 5); err != nil {
		t.Errorf("RecordFollowerPosition for unknown partition returned %v, want nil", err)
	}
}

func TestReadLocalUnknownPartition(t *testing.T) {
	c, _ := newTestCoordinator(t)
	id := types.PartitionID{Topic: "missing", Index: 0}
	if _, _, err := c.ReadLocal(id, 0); err == nil {
		t.Error("ReadLocal for an unhosted partition did not error")
	}
}

func TestReadLocalAfterAppendToLeader(t *testing.T) {
	c, _ := newTestCoordinator(t)
	id, req := singlePartitionRequest(1, 1, 1)
	if resp := c.BecomeLeaderOrFollower(req); resp.Partitions[id] != types.NoError {
		t.Fatalf("BecomeLeaderOrFollower: %v", resp.Partitions[id])
	}
	if _, err := c.AppendToLeader(id, 0, 0, []types.Record{{Value: []byte("hello")}}); err != nil {
		t.Fatalf("AppendToLeader: %v", err)
	}

	_, recs, err := c.ReadLocal(id, 0)
	if err != nil {
		t.Fatalf("ReadLocal: %v", err)
	}
	if len(recs) != 1 || string(recs[0].Value) != "hello" {
		t.Errorf("ReadLocal records = %+v, want one record with value hello", recs)
	}
}
