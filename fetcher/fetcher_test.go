package fetcher

import (
	"sync"
	"testing"
	"time"

	"github.com/kestrel-io/kestrel/types"
)

// fakeBackend implements fetcher.Backend: it serves batches like a
// leader's log would and records the follower-position reports a real
// Cluster would route to that leader's coordinator.
type fakeBackend struct {
	mu      sync.Mutex
	batch   []types.Record
	err     error
	reports int
	last    types.Offset
	fenced  bool
}

func (f *fakeBackend) ReadFrom(leader types.BrokerID, partition types.PartitionID, offset types.Offset) (types.RecordBatch, []types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return types.RecordBatch{}, nil, f.err
	}
	return types.RecordBatch{}, f.batch, nil
}

func (f *fakeBackend) setBatch(recs []types.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batch = recs
}

func (f *fakeBackend) RecordFollowerPosition(leader types.BrokerID, partition types.PartitionID, followerID types.BrokerID, leaderEpoch int64, offset types.Offset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fenced {
		return types.ErrFencedLeaderEpoch
	}
	f.reports++
	f.last = offset
	return nil
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports
}

type fakeLocalLog struct {
	mu  sync.Mutex
	leo types.Offset
	got []types.Record
}

func (l *fakeLocalLog) Append(attributes uint16, timestampMs int64, recs []types.Record) (types.Offset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	base := l.leo
	l.got = append(l.got, recs...)
	l.leo += types.Offset(len(recs))
	return base, nil
}

func (l *fakeLocalLog) LogEndOffset() types.Offset {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leo
}

func (l *fakeLocalLog) appendedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.got)
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

func TestInProcessFetchesAndAppends(t *testing.T) {
	backend := &fakeBackend{}
	backend.setBatch([]types.Record{{Value: []byte("a")}, {Value: []byte("b")}})
	localLog := &fakeLocalLog{}

	f := NewInProcess(2, backend, time.Millisecond)
	id := types.PartitionID{Topic: "t", Index: 0}
	f.AddFetcherForPartitions(map[types.PartitionID]Assignment{
		id: {Leader: 1, InitialOffset: 0, Log: localLog},
	})
	defer f.Shutdown()

	waitFor(t, time.Second, func() bool { return localLog.appendedCount() >= 2 })
	waitFor(t, time.Second, func() bool { return backend.count() > 0 })
}

func TestInProcessStopsOnFencedLeaderEpoch(t *testing.T) {
	backend := &fakeBackend{fenced: true}
	backend.setBatch([]types.Record{{Value: []byte("a")}})
	localLog := &fakeLocalLog{}

	f := NewInProcess(2, backend, time.Millisecond)
	id := types.PartitionID{Topic: "t", Index: 0}
	f.AddFetcherForPartitions(map[types.PartitionID]Assignment{
		id: {Leader: 1, LeaderEpoch: 1, Log: localLog},
	})
	defer f.Shutdown()

	waitFor(t, time.Second, func() bool { return localLog.appendedCount() > 0 })
	stoppedCount := localLog.appendedCount()
	time.Sleep(20 * time.Millisecond)
	if got := localLog.appendedCount(); got != stoppedCount {
		t.Errorf("fetcher kept appending after a fenced leader epoch report: %d -> %d", stoppedCount, got)
	}
}

func TestInProcessAddFetcherIsIdempotentPerPartition(t *testing.T) {
	backend := &fakeBackend{}
	localLog := &fakeLocalLog{}

	f := NewInProcess(2, backend, time.Hour)
	id := types.PartitionID{Topic: "t", Index: 0}
	assignments := map[types.PartitionID]Assignment{id: {Leader: 1, Log: localLog}}
	f.AddFetcherForPartitions(assignments)
	f.AddFetcherForPartitions(assignments)

	f.mu.Lock()
	count := len(f.threads)
	f.mu.Unlock()
	if count != 1 {
		t.Errorf("thread count = %d, want 1 (second Add for same partition should be a no-op)", count)
	}
	f.Shutdown()
}

func TestInProcessRemoveFetcherStopsPolling(t *testing.T) {
	backend := &fakeBackend{}
	backend.setBatch([]types.Record{{Value: []byte("a")}})
	localLog := &fakeLocalLog{}

	f := NewInProcess(2, backend, time.Millisecond)
	id := types.PartitionID{Topic: "t", Index: 0}
	f.AddFetcherForPartitions(map[types.PartitionID]Assignment{
		id: {Leader: 1, Log: localLog},
	})
	waitFor(t, time.Second, func() bool { return localLog.appendedCount() > 0 })

	f.RemoveFetcherForPartitions([]types.PartitionID{id})
	countAfterStop := localLog.appendedCount()
	time.Sleep(20 * time.Millisecond)
	if got := localLog.appendedCount(); got != countAfterStop {
		t.Errorf("appended count kept growing after RemoveFetcherForPartitions: %d -> %d", countAfterStop, got)
	}

	f.mu.Lock()
	_, exists := f.threads[id]
	f.mu.Unlock()
	if exists {
		t.Error("thread entry still present after RemoveFetcherForPartitions")
	}
}

func TestInProcessIndependentPartitionsCancelSeparately(t *testing.T) {
	backend := &fakeBackend{}
	backend.setBatch([]types.Record{{Value: []byte("a")}})
	logA := &fakeLocalLog{}
	logB := &fakeLocalLog{}

	f := NewInProcess(2, backend, time.Millisecond)
	idA := types.PartitionID{Topic: "t", Index: 0}
	idB := types.PartitionID{Topic: "t", Index: 1}
	f.AddFetcherForPartitions(map[types.PartitionID]Assignment{
		idA: {Leader: 1, Log: logA},
		idB: {Leader: 1, Log: logB},
	})
	defer f.Shutdown()

	waitFor(t, time.Second, func() bool { return logA.appendedCount() > 0 && logB.appendedCount() > 0 })

	f.RemoveFetcherForPartitions([]types.PartitionID{idA})
	stoppedCount := logA.appendedCount()
	time.Sleep(20 * time.Millisecond)
	if got := logA.appendedCount(); got != stoppedCount {
		t.Errorf("partition A kept appending after its fetcher was removed: %d -> %d", stoppedCount, got)
	}
	waitFor(t, time.Second, func() bool { return logB.appendedCount() > stoppedCount-1 })
}
