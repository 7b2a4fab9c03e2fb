// Package fetcher specifies the control interface the coordinator uses to
// manage background replication threads pulling from remote leaders into
// local follower logs, plus InProcess, a reference implementation that
// replicates by calling directly into a local Leader lookup rather than
// over the network, suitable for single-process tests and deployments
// where all brokers share one process.
package fetcher

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/kestrel-io/kestrel/logging"
	"github.com/kestrel-io/kestrel/types"
)

// Target is what a fetcher thread pulls records from; progress is reported
// through PositionReporter. One partition's fetcher talks to exactly one
// leader broker.
type Target interface {
	// ReadFrom returns the batch at offset on the given partition's
	// leader, or an error if none is available yet (e.g. offset equals
	// the leader's current LEO).
	ReadFrom(leader types.BrokerID, partition types.PartitionID, offset types.Offset) (types.RecordBatch, []types.Record, error)
}

// LocalAppender is the follower-side log this broker appends fetched
// batches to, and the hook fetched batches report progress through.
type LocalAppender interface {
	Append(attributes uint16, timestampMs int64, recs []types.Record) (types.Offset, error)
	LogEndOffset() types.Offset
}

// PositionReporter is called after every batch a fetcher successfully
// appends to a local follower log, so the leader can learn of follower
// progress. leader identifies which broker's coordinator owns the
// partition and must receive the report; a fetcher always reports to the
// same leader it reads from. In a real deployment this is an RPC to the
// leader. A report fenced with types.ErrFencedLeaderEpoch tells the
// fetcher its leader epoch is stale, so it stops rather than keeps
// polling.
type PositionReporter interface {
	RecordFollowerPosition(leader types.BrokerID, partition types.PartitionID, followerID types.BrokerID, leaderEpoch int64, offset types.Offset) error
}

// Backend is what InProcess needs from its collaborator: somewhere to
// read fetched batches from and somewhere to report follower progress to.
// A single type, such as a Cluster shared by several in-process brokers,
// typically implements both by routing on the leader broker id.
type Backend interface {
	Target
	PositionReporter
}

// Assignment is what AddFetcherForPartitions installs for one partition.
type Assignment struct {
	Leader        types.BrokerID
	LeaderEpoch   int64
	InitialOffset types.Offset
	Log           LocalAppender
}

// Control is the contract the coordinator depends on to manage per-partition
// replication threads without knowing how they are implemented.
type Control interface {
	AddFetcherForPartitions(assignments map[types.PartitionID]Assignment)
	RemoveFetcherForPartitions(partitions []types.PartitionID)
	ShutdownIdleFetcherThreads()
	Shutdown()
}

// InProcess is a Control implementation that polls Target on a ticker per
// partition, appends fetched batches to the local log, and reports
// progress upward. The goroutine-per-partition shape uses one goroutine
// and one ticker per partition rather than one loop sweeping every
// partition, so a slow or frozen follower fetcher can be stopped
// independently (needed by maybeShrinkIsr's stuck-follower scenario).
type InProcess struct {
	mu       sync.Mutex
	backend  Backend
	interval time.Duration
	localID  types.BrokerID

	threads map[types.PartitionID]*fetchThread
}

type fetchThread struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInProcess returns a Control that fetches via backend and reports
// progress back to it, polling each assigned partition every interval.
func NewInProcess(localID types.BrokerID, backend Backend, interval time.Duration) *InProcess {
	return &InProcess{
		backend:  backend,
		interval: interval,
		localID:  localID,
		threads:  make(map[types.PartitionID]*fetchThread),
	}
}

func (f *InProcess) AddFetcherForPartitions(assignments map[types.PartitionID]Assignment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, a := range assignments {
		if _, exists := f.threads[id]; exists {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		t := &fetchThread{cancel: cancel, done: make(chan struct{})}
		f.threads[id] = t
		go f.run(ctx, t, id, a)
	}
}

func (f *InProcess) run(ctx context.Context, t *fetchThread, id types.PartitionID, a Assignment) {
	defer close(t.done)
	offset := a.InitialOffset
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	log.Debug("fetcher started partition=%s leader=%d offset=%d", id, a.Leader, offset)
	for {
		select {
		case <-ctx.Done():
			log.Debug("fetcher stopped partition=%s", id)
			return
		case <-ticker.C:
			_, recs, err := f.backend.ReadFrom(a.Leader, id, offset)
			if err != nil {
				continue
			}
			if len(recs) == 0 {
				continue
			}
			newOffset, err := a.Log.Append(0, 0, recs)
			if err != nil {
				log.Error("fetcher append failed partition=%s: %v", id, err)
				continue
			}
			offset = newOffset + types.Offset(len(recs))
			if err := f.backend.RecordFollowerPosition(a.Leader, id, f.localID, a.LeaderEpoch, a.Log.LogEndOffset()); err != nil {
				if errors.Is(err, types.ErrFencedLeaderEpoch) {
					log.Warn("fetcher fenced, stopping partition=%s: %v", id, err)
					return
				}
				log.Warn("fetcher position report failed partition=%s: %v", id, err)
			}
		}
	}
}

func (f *InProcess) RemoveFetcherForPartitions(partitions []types.PartitionID) {
	f.mu.Lock()
	threads := make([]*fetchThread, 0, len(partitions))
	for _, id := range partitions {
		if t, ok := f.threads[id]; ok {
			t.cancel()
			threads = append(threads, t)
			delete(f.threads, id)
		}
	}
	f.mu.Unlock()
	for _, t := range threads {
		<-t.done
	}
}

// ShutdownIdleFetcherThreads is a no-op for InProcess: every thread here
// is tied 1:1 to an active partition assignment, so there is no separate
// notion of an idle thread to retire.
func (f *InProcess) ShutdownIdleFetcherThreads() {}

func (f *InProcess) Shutdown() {
	f.mu.Lock()
	ids := make([]types.PartitionID, 0, len(f.threads))
	for id := range f.threads {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	f.RemoveFetcherForPartitions(ids)
}
