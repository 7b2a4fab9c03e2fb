// Package coordinator implements the per-broker replication coordinator:
// it receives controller requests, drives each hosted Partition through
// its leader/follower lifecycle, and runs the periodic ISR-shrink and
// HW-checkpoint tasks.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kestrel-io/kestrel/checkpoint"
	"github.com/kestrel-io/kestrel/fetcher"
	log "github.com/kestrel-io/kestrel/logging"
	"github.com/kestrel-io/kestrel/metastore"
	"github.com/kestrel-io/kestrel/partition"
	"github.com/kestrel-io/kestrel/storage"
	"github.com/kestrel-io/kestrel/types"
)

// Metrics is an optional first-party observability hook; exporting these
// to any particular backend is out of scope, so Coordinator depends only
// on this narrow interface rather than a concrete metrics client.
type Metrics interface {
	ISRShrunk(partition types.PartitionID)
	HighWatermarkCheckpointed(partition types.PartitionID, offset types.Offset)
}

type noopMetrics struct{}

func (noopMetrics) ISRShrunk(types.PartitionID)                        {}
func (noopMetrics) HighWatermarkCheckpointed(types.PartitionID, types.Offset) {}

// Config holds the Coordinator's tunables, mirroring types.Configuration's
// replication-related fields.
type Config struct {
	LocalBrokerID          types.BrokerID
	LogDir                 string
	LogSegmentBytes        int64
	LogSegmentAge          time.Duration
	LogRetention           time.Duration
	RetentionSweepInterval time.Duration
	ReplicaLagTime         time.Duration
	ReplicaLagMessages     int64
	IsrShrinkInterval      time.Duration
	HWCheckpointInterval   time.Duration
}

// Coordinator is the single per-broker instance that owns every hosted
// Partition.
type Coordinator struct {
	cfg     Config
	store   metastore.Store
	fetcher fetcher.Control
	metrics Metrics

	// replicaStateChangeLock is the coarse lock held while processing a
	// single controller request end-to-end; never held while a Partition's
	// own lock is also held in the reverse order (the coordinator takes
	// this lock, then calls into Partitions, which take their own lock).
	replicaStateChangeLock sync.Mutex
	controllerEpoch        int32
	partitions             map[types.PartitionID]*partition.Partition

	leaderPartitionsLock sync.Mutex
	leaderPartitions     map[types.PartitionID]struct{}

	checkpoints   map[string]*checkpoint.Store
	checkpointsMu sync.Mutex

	logs   map[types.PartitionID]*storage.Log
	logsMu sync.Mutex

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a Coordinator. store is the metadata-store CAS contract;
// fetcherControl is the fetcher subsystem; metrics may be nil, in which
// case a no-op sink is used.
func New(cfg Config, store metastore.Store, fetcherControl fetcher.Control, metrics Metrics) *Coordinator {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Coordinator{
		cfg:              cfg,
		store:            store,
		fetcher:          fetcherControl,
		metrics:          metrics,
		partitions:       make(map[types.PartitionID]*partition.Partition),
		leaderPartitions: make(map[types.PartitionID]struct{}),
		checkpoints:      make(map[string]*checkpoint.Store),
		logs:             make(map[types.PartitionID]*storage.Log),
	}
}

func (c *Coordinator) partitionLogDir(id types.PartitionID) string {
	return fmt.Sprintf("%s/%s-%d", c.cfg.LogDir, id.Topic, id.Index)
}

func (c *Coordinator) openLog(id types.PartitionID) (*storage.Log, error) {
	c.logsMu.Lock()
	defer c.logsMu.Unlock()
	if l, ok := c.logs[id]; ok {
		return l, nil
	}
	l, err := storage.OpenLog(c.partitionLogDir(id), c.cfg.LogSegmentBytes, c.cfg.LogSegmentAge, c.cfg.LogRetention)
	if err != nil {
		return nil, err
	}
	c.logs[id] = l
	return l, nil
}

func (c *Coordinator) checkpointStore(id types.PartitionID) *checkpoint.Store {
	return c.checkpointStoreForDir(c.partitionLogDir(id))
}

func (c *Coordinator) checkpointStoreForDir(dir string) *checkpoint.Store {
	c.checkpointsMu.Lock()
	defer c.checkpointsMu.Unlock()
	if s, ok := c.checkpoints[dir]; ok {
		return s
	}
	s := checkpoint.New(dir)
	c.checkpoints[dir] = s
	return s
}

func (c *Coordinator) checkpointedHW(id types.PartitionID) func() types.Offset {
	return func() types.Offset {
		entries, err := c.checkpointStore(id).Read()
		if err != nil {
			log.Warn("read HW checkpoint for %s failed, starting from 0: %v", id, err)
			return 0
		}
		return entries[id]
	}
}

// getOrCreatePartition must be called under replicaStateChangeLock.
func (c *Coordinator) getOrCreatePartition(id types.PartitionID) *partition.Partition {
	if p, ok := c.partitions[id]; ok {
		return p
	}
	p := partition.New(id, c.cfg.LocalBrokerID, c.openLog, c.checkpointedHW(id), c.store)
	c.partitions[id] = p
	return p
}

// checkControllerEpoch applies the controller-epoch fence. Caller must
// hold replicaStateChangeLock.
func (c *Coordinator) checkControllerEpoch(epoch int32) bool {
	if epoch < c.controllerEpoch {
		return false
	}
	c.controllerEpoch = epoch
	return true
}

// BecomeLeaderOrFollower processes a LeaderAndIsr request end-to-end,
// always returning a code for every requested partition even if some
// partitions' processing failed outright: the open question the design
// flags (fail-the-batch vs. fill-every-slot) is resolved in favor of the
// latter so a caller never has to guess which partitions were applied.
func (c *Coordinator) BecomeLeaderOrFollower(req types.LeaderAndIsrRequest) types.ErrorResponse {
	c.replicaStateChangeLock.Lock()
	defer c.replicaStateChangeLock.Unlock()

	resp := types.ErrorResponse{Partitions: make(map[types.PartitionID]types.ErrorCode, len(req.PartitionStates))}

	if !c.checkControllerEpoch(req.ControllerEpoch) {
		resp.RequestError = types.ErrStaleControllerEpoch
		return resp
	}

	toLeader := make(map[types.PartitionID]types.PartitionState)
	toFollower := make(map[types.PartitionID]types.PartitionState)

	for id, state := range req.PartitionStates {
		p := c.getOrCreatePartition(id)
		if p.LeaderEpoch() >= state.LeaderEpoch {
			resp.Partitions[id] = types.ErrStaleLeaderEpoch
			continue
		}
		if state.Leader == c.cfg.LocalBrokerID {
			toLeader[id] = state
		} else {
			toFollower[id] = state
		}
	}

	var merr *multierror.Error
	if len(toLeader) > 0 {
		if err := c.makeLeaders(toLeader); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if len(toFollower) > 0 {
		if err := c.makeFollowers(toFollower, req.LiveLeaders); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	// A partition whose transition failed keeps its old leader epoch; only
	// those that reached the requested epoch are reported as applied.
	for id, state := range toLeader {
		if c.partitions[id].LeaderEpoch() == state.LeaderEpoch {
			resp.Partitions[id] = types.NoError
		}
	}
	for id, state := range toFollower {
		if c.partitions[id].LeaderEpoch() == state.LeaderEpoch {
			resp.Partitions[id] = types.NoError
		}
	}
	if merr != nil {
		log.Error("becomeLeaderOrFollower encountered errors: %v", merr)
		for id := range req.PartitionStates {
			if _, ok := resp.Partitions[id]; !ok {
				resp.Partitions[id] = types.ErrUnknownServerError
			}
		}
	}

	c.startOnce.Do(c.startBackgroundTasks)
	c.fetcher.ShutdownIdleFetcherThreads()
	return resp
}

// makeLeaders brings a batch of partitions up as leader on this broker.
func (c *Coordinator) makeLeaders(batch map[types.PartitionID]types.PartitionState) error {
	ids := make([]types.PartitionID, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	c.fetcher.RemoveFetcherForPartitions(ids)

	var merr *multierror.Error
	for id, state := range batch {
		p := c.getOrCreatePartition(id)
		if err := p.MakeLeader(c.controllerEpoch, state); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("makeLeader %s: %w", id, err))
			continue
		}
		c.leaderPartitionsLock.Lock()
		c.leaderPartitions[id] = struct{}{}
		c.leaderPartitionsLock.Unlock()
	}
	return merr.ErrorOrNil()
}

// makeFollowers brings a batch of partitions up as follower, truncating
// each local log to its HW before installing fresh fetchers. Order
// matters: a follower must never serve a read past what it had
// acknowledged under a prior epoch.
func (c *Coordinator) makeFollowers(batch map[types.PartitionID]types.PartitionState, leaders map[types.BrokerID]types.BrokerEndpoint) error {
	ids := make([]types.PartitionID, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	c.fetcher.RemoveFetcherForPartitions(ids)

	var merr *multierror.Error
	assignments := make(map[types.PartitionID]fetcher.Assignment)
	for id, state := range batch {
		p := c.getOrCreatePartition(id)

		if hw, ok := p.LocalHighWatermark(); ok {
			localLog, err := c.openLog(id)
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("open local log for %s: %w", id, err))
				continue
			}
			if err := localLog.Truncate(hw); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("truncate local log for %s to HW=%d: %w", id, hw, err))
				continue
			}
			log.Debug("partition %s truncated local log to HW=%d before becoming follower", id, hw)
		}

		if err := p.MakeFollower(c.controllerEpoch, state, leaders); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("makeFollower %s: %w", id, err))
			continue
		}

		c.leaderPartitionsLock.Lock()
		delete(c.leaderPartitions, id)
		c.leaderPartitionsLock.Unlock()

		leo, err := p.LocalLEO()
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("local LEO for %s: %w", id, err))
			continue
		}
		localLog, err := c.openLog(id)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("open local log for %s: %w", id, err))
			continue
		}
		assignments[id] = fetcher.Assignment{Leader: state.Leader, LeaderEpoch: state.LeaderEpoch, InitialOffset: leo, Log: localLog}
	}
	if len(assignments) > 0 {
		c.fetcher.AddFetcherForPartitions(assignments)
	}
	return merr.ErrorOrNil()
}

// StopReplicas processes a StopReplica request.
func (c *Coordinator) StopReplicas(req types.StopReplicaRequest) types.ErrorResponse {
	c.replicaStateChangeLock.Lock()
	defer c.replicaStateChangeLock.Unlock()

	resp := types.ErrorResponse{Partitions: make(map[types.PartitionID]types.ErrorCode, len(req.Partitions))}
	if !c.checkControllerEpoch(req.ControllerEpoch) {
		resp.RequestError = types.ErrStaleControllerEpoch
		return resp
	}

	c.fetcher.RemoveFetcherForPartitions(req.Partitions)
	c.leaderPartitionsLock.Lock()
	for _, id := range req.Partitions {
		delete(c.leaderPartitions, id)
	}
	c.leaderPartitionsLock.Unlock()

	if req.DeletePartitions {
		for _, id := range req.Partitions {
			delete(c.partitions, id)
		}
	}
	for _, id := range req.Partitions {
		resp.Partitions[id] = types.NoError
	}
	return resp
}

// RecordFollowerPosition routes to the named Partition's entry point. If
// the partition is unknown, it warns and drops the report rather than
// erroring.
func (c *Coordinator) RecordFollowerPosition(id types.PartitionID, followerID types.BrokerID, leaderEpoch int64, offset types.Offset) error {
	c.replicaStateChangeLock.Lock()
	p, ok := c.partitions[id]
	c.replicaStateChangeLock.Unlock()
	if !ok {
		log.Warn("RecordFollowerPosition for unknown partition %s, dropping", id)
		return nil
	}
	return p.RecordFollowerPosition(followerID, leaderEpoch, offset)
}

// HighWatermark returns a locally hosted partition's current high
// watermark, for monitoring and tests that need to observe replication
// progress without reaching into Partition internals.
func (c *Coordinator) HighWatermark(id types.PartitionID) (types.Offset, bool) {
	c.replicaStateChangeLock.Lock()
	p, ok := c.partitions[id]
	c.replicaStateChangeLock.Unlock()
	if !ok {
		return 0, false
	}
	return p.LocalHighWatermark()
}

// CheckEnoughReplicasReachOffset routes to the named partition's entry
// point, for a produce path that needs an acks-aware wait and for tests
// observing ISR membership indirectly through which replicas count.
func (c *Coordinator) CheckEnoughReplicasReachOffset(id types.PartitionID, requiredOffset types.Offset, requiredAcks int) (bool, types.ErrorCode) {
	c.replicaStateChangeLock.Lock()
	p, ok := c.partitions[id]
	c.replicaStateChangeLock.Unlock()
	if !ok {
		return false, types.ErrUnknownServerError
	}
	return p.CheckEnoughReplicasReachOffset(requiredOffset, requiredAcks)
}

// ReadLocal reads and decodes the batch covering offset from a locally
// hosted partition's log, for in-process fetchers reading directly off a
// leader that happens to live in the same process (see broker.Cluster).
func (c *Coordinator) ReadLocal(id types.PartitionID, offset types.Offset) (types.RecordBatch, []types.Record, error) {
	c.logsMu.Lock()
	l, ok := c.logs[id]
	c.logsMu.Unlock()
	if !ok {
		return types.RecordBatch{}, nil, fmt.Errorf("partition %s has no local log on this broker", id)
	}
	batch, err := l.Read(offset)
	if err != nil {
		return types.RecordBatch{}, nil, err
	}
	recs, err := storage.DecodeRecords(batch)
	if err != nil {
		return types.RecordBatch{}, nil, err
	}
	return batch, recs, nil
}

// AppendToLeader appends recs to the partition this broker currently leads.
// It is the entry point a producer-facing frontend (out of scope here)
// would call into.
func (c *Coordinator) AppendToLeader(id types.PartitionID, attributes uint16, timestampMs int64, recs []types.Record) (types.Offset, error) {
	c.replicaStateChangeLock.Lock()
	p, ok := c.partitions[id]
	c.replicaStateChangeLock.Unlock()
	if !ok {
		return 0, fmt.Errorf("partition %s not hosted on this broker", id)
	}
	return p.AppendMessagesToLeader(attributes, timestampMs, recs)
}

func (c *Coordinator) startBackgroundTasks() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(3)
	go c.runIsrShrinkLoop(ctx)
	go c.runCheckpointLoop(ctx)
	go c.runRetentionLoop(ctx)
}

func (c *Coordinator) runIsrShrinkLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.IsrShrinkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.shrinkAllIsr()
		}
	}
}

func (c *Coordinator) shrinkAllIsr() {
	c.leaderPartitionsLock.Lock()
	ids := make([]types.PartitionID, 0, len(c.leaderPartitions))
	for id := range c.leaderPartitions {
		ids = append(ids, id)
	}
	c.leaderPartitionsLock.Unlock()

	for _, id := range ids {
		c.replicaStateChangeLock.Lock()
		p, ok := c.partitions[id]
		c.replicaStateChangeLock.Unlock()
		if !ok {
			continue
		}
		if err := p.MaybeShrinkIsr(c.cfg.ReplicaLagTime, c.cfg.ReplicaLagMessages); err != nil {
			log.Warn("ISR shrink failed for %s: %v", id, err)
			continue
		}
		c.metrics.ISRShrunk(id)
	}
}

func (c *Coordinator) runRetentionLoop(ctx context.Context) {
	defer c.wg.Done()
	if c.cfg.RetentionSweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.RetentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepRetention()
		}
	}
}

// sweepRetention runs DeleteOldSegments on every locally opened log, at
// most one expired segment per log per sweep (see Log.DeleteOldSegments).
func (c *Coordinator) sweepRetention() {
	c.logsMu.Lock()
	logs := make([]*storage.Log, 0, len(c.logs))
	for _, l := range c.logs {
		logs = append(logs, l)
	}
	c.logsMu.Unlock()

	for _, l := range logs {
		if err := l.DeleteOldSegments(); err != nil {
			log.Warn("retention sweep failed: %v", err)
		}
	}
}

func (c *Coordinator) runCheckpointLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HWCheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkpointHighWatermarks()
		}
	}
}

// checkpointHighWatermarks collects every local replica's HW, grouped by
// log directory, and writes each group atomically. A write failure is
// fatal; see checkpoint.Store.Write.
func (c *Coordinator) checkpointHighWatermarks() {
	c.replicaStateChangeLock.Lock()
	byDir := make(map[string]map[types.PartitionID]types.Offset)
	for id, p := range c.partitions {
		hw, ok := p.LocalHighWatermark()
		if !ok {
			continue
		}
		dir := c.partitionLogDir(id)
		if byDir[dir] == nil {
			byDir[dir] = make(map[types.PartitionID]types.Offset)
		}
		byDir[dir][id] = hw
	}
	c.replicaStateChangeLock.Unlock()

	for dir, entries := range byDir {
		store := c.checkpointStoreForDir(dir)
		if err := store.Write(entries); err != nil {
			log.Fatal("HW checkpoint write failed for %s: %v", dir, err)
		}
		for id, hw := range entries {
			c.metrics.HighWatermarkCheckpointed(id, hw)
		}
	}
}

// Shutdown stops the fetcher subsystem, then runs one final checkpoint
// synchronously before returning.
func (c *Coordinator) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.fetcher.Shutdown()
	c.checkpointHighWatermarks()
}
