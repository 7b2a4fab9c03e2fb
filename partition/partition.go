// Package partition implements the per-partition leader/follower state
// machine: ISR maintenance, high-watermark advancement, and the
// metadata-store CAS that persists leader/ISR changes.
package partition

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/kestrel-io/kestrel/logging"
	"github.com/kestrel-io/kestrel/metastore"
	"github.com/kestrel-io/kestrel/replica"
	"github.com/kestrel-io/kestrel/storage"
	"github.com/kestrel-io/kestrel/types"
)

// LogOpener opens (or creates) the on-disk log for a partition hosted
// locally. Passed in rather than constructed here so Partition has no
// direct dependency on a log directory layout.
type LogOpener func(types.PartitionID) (*storage.Log, error)

// leaderISRRecord is the metadata-store payload at a partition's CAS path.
type leaderISRRecord struct {
	Leader          types.BrokerID
	LeaderEpoch     int64
	ISR             []types.BrokerID
	ControllerEpoch int32
}

// Role is the partition's coarse lifecycle state.
type Role int

const (
	Uninitialized Role = iota
	Leader
	Follower
	Removed
)

// Partition owns one topic-partition's replication state. All mutating
// methods take Partition's lock, including the metastore CAS inside
// updateIsr: this is deliberate (see maybeShrinkIsr/recordFollowerPosition)
// so concurrent ISR changes cannot interleave into an incoherent ISR.
type Partition struct {
	mu sync.Mutex

	ID   types.PartitionID
	role Role

	localBrokerID types.BrokerID
	opener        LogOpener
	checkpoint    func() types.Offset
	store         metastore.Store

	ar       []types.BrokerID
	replicas map[types.BrokerID]*replica.Replica
	isr      map[types.BrokerID]struct{}

	leaderID        types.BrokerID
	leaderEpoch     int64
	controllerEpoch int32
	zkVersion       int64
}

// New constructs an uninitialized Partition. checkpointedHW is read lazily
// by getOrCreateReplica, not eagerly, since the partition may never host a
// local replica.
func New(id types.PartitionID, localBrokerID types.BrokerID, opener LogOpener, checkpointedHW func() types.Offset, store metastore.Store) *Partition {
	return &Partition{
		ID:            id,
		role:          Uninitialized,
		localBrokerID: localBrokerID,
		opener:        opener,
		checkpoint:    checkpointedHW,
		store:         store,
		replicas:      make(map[types.BrokerID]*replica.Replica),
		isr:           make(map[types.BrokerID]struct{}),
	}
}

func (p *Partition) metastorePath() string {
	return fmt.Sprintf("/brokers/topics/%s/partitions/%d/state", p.ID.Topic, p.ID.Index)
}

// Role returns the partition's current lifecycle state.
func (p *Partition) Role() Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// LeaderEpoch returns the partition's current leader epoch.
func (p *Partition) LeaderEpoch() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaderEpoch
}

// getOrCreateReplica returns the Replica for brokerID, creating it (and,
// for the local broker, opening its log) if absent. Caller must hold p.mu.
func (p *Partition) getOrCreateReplica(brokerID types.BrokerID) (*replica.Replica, error) {
	if r, ok := p.replicas[brokerID]; ok {
		return r, nil
	}
	if brokerID != p.localBrokerID {
		r := replica.NewRemote(brokerID)
		p.replicas[brokerID] = r
		return r, nil
	}
	l, err := p.opener(p.ID)
	if err != nil {
		return nil, fmt.Errorf("open local log for %s: %w", p.ID, err)
	}
	checkpointedHW := p.checkpoint()
	r := replica.NewLocal(brokerID, l, checkpointedHW)
	p.replicas[brokerID] = r
	return r, nil
}

// syncReplicaSet makes p.replicas match ar exactly, creating missing
// entries via getOrCreateReplica and dropping ones no longer assigned.
// Caller must hold p.mu.
func (p *Partition) syncReplicaSet(ar []types.BrokerID) error {
	want := make(map[types.BrokerID]struct{}, len(ar))
	for _, id := range ar {
		want[id] = struct{}{}
		if _, err := p.getOrCreateReplica(id); err != nil {
			return err
		}
	}
	for id := range p.replicas {
		if _, ok := want[id]; !ok {
			delete(p.replicas, id)
		}
	}
	p.ar = ar
	return nil
}

// MakeLeader transitions the partition to leader per the incoming
// controller state. zkVersion is the metadata store's current version for
// this partition's record, as carried in the request.
func (p *Partition) MakeLeader(controllerEpoch int32, state types.PartitionState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.controllerEpoch = controllerEpoch
	if err := p.syncReplicaSet(state.AR); err != nil {
		return err
	}
	for id, r := range p.replicas {
		if id != p.localBrokerID {
			r.ResetLEO()
		}
	}

	isr := make(map[types.BrokerID]struct{}, len(state.ISR))
	for _, id := range state.ISR {
		isr[id] = struct{}{}
	}
	p.isr = isr
	p.leaderEpoch = state.LeaderEpoch
	p.zkVersion = state.ZkVersion
	p.leaderID = p.localBrokerID
	p.role = Leader

	p.maybeIncrementLeaderHW()
	log.Info("partition %s became leader epoch=%d isr=%v", p.ID, p.leaderEpoch, state.ISR)
	return nil
}

// MakeFollower transitions the partition to follower, following a leader
// that is one of leaderBrokers. It does not truncate the log; that is the
// coordinator's responsibility, run after fetchers for this partition are
// stopped.
func (p *Partition) MakeFollower(controllerEpoch int32, state types.PartitionState, leaderBrokers map[types.BrokerID]types.BrokerEndpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.controllerEpoch = controllerEpoch
	if _, ok := leaderBrokers[state.Leader]; !ok {
		return fmt.Errorf("partition %s: designated leader %d is not among live leader brokers", p.ID, state.Leader)
	}

	if err := p.syncReplicaSet(state.AR); err != nil {
		return err
	}
	for id, r := range p.replicas {
		if id != p.localBrokerID {
			r.ResetLEO()
		}
	}

	p.isr = make(map[types.BrokerID]struct{})
	p.leaderEpoch = state.LeaderEpoch
	p.zkVersion = state.ZkVersion
	p.leaderID = state.Leader
	p.role = Follower

	log.Info("partition %s became follower of %d epoch=%d", p.ID, state.Leader, p.leaderEpoch)
	return nil
}

// LocalLEO returns the local replica's log end offset, for use by the
// coordinator when truncating and re-seeding a fetcher after MakeFollower.
func (p *Partition) LocalLEO() (types.Offset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.replicas[p.localBrokerID]
	if !ok {
		return types.UnknownOffset, fmt.Errorf("partition %s: no local replica", p.ID)
	}
	return r.LogEndOffset(), nil
}

// LeaderBroker returns the partition's current leader, and whether it is
// this broker.
func (p *Partition) LeaderBroker() (types.BrokerID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaderID, p.leaderID == p.localBrokerID && p.role == Leader
}

// RecordFollowerPosition is the leader-only entry point fetchers (running
// on followers, reporting to this leader) and direct in-process
// replication call into. leaderEpoch is the epoch the follower fetched
// under; a mismatch against this partition's current epoch means the
// follower is still draining a fetcher started under a leadership the
// controller has since moved past, so the report is fenced rather than
// applied.
func (p *Partition) RecordFollowerPosition(followerID types.BrokerID, leaderEpoch int64, offset types.Offset) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.role != Leader {
		return fmt.Errorf("partition %s: not leader, cannot record follower position", p.ID)
	}
	if leaderEpoch != p.leaderEpoch {
		return fmt.Errorf("%w: partition %s follower %d reported under epoch %d, current epoch %d", types.ErrFencedLeaderEpoch, p.ID, followerID, leaderEpoch, p.leaderEpoch)
	}
	r, ok := p.replicas[followerID]
	if !ok {
		return fmt.Errorf("%w: broker %d not assigned to partition %s", ErrNotAssignedReplica, followerID, p.ID)
	}
	r.UpdateLEO(offset)

	if _, inISR := p.isr[followerID]; !inISR {
		leaderHW := p.replicas[p.localBrokerID].HighWatermark()
		if offset >= leaderHW {
			newISR := p.isrBrokerIDs()
			newISR = append(newISR, followerID)
			if err := p.updateIsr(newISR); err != nil {
				log.Warn("partition %s: ISR expand for broker %d deferred: %v", p.ID, followerID, err)
			}
		}
	}

	p.maybeIncrementLeaderHW()
	return nil
}

// ErrNotAssignedReplica is wrapped into the error RecordFollowerPosition
// returns when followerID is not in this partition's assigned replicas.
var ErrNotAssignedReplica = fmt.Errorf("not an assigned replica")

// maybeIncrementLeaderHW recomputes HW as min(LEO) over the ISR members
// whose LEO is known (members still at UnknownOffset are skipped) and
// advances it if that candidate is higher. Caller must hold p.mu.
func (p *Partition) maybeIncrementLeaderHW() {
	local, ok := p.replicas[p.localBrokerID]
	if !ok || p.role != Leader {
		return
	}
	var candidate types.Offset = -1
	first := true
	for id := range p.isr {
		r, ok := p.replicas[id]
		if !ok {
			continue
		}
		leo := r.LogEndOffset()
		if leo == types.UnknownOffset {
			continue
		}
		if first || leo < candidate {
			candidate = leo
			first = false
		}
	}
	if first {
		return
	}
	if candidate > local.HighWatermark() {
		local.SetHighWatermark(candidate)
		log.Debug("partition %s HW advanced to %d", p.ID, candidate)
	}
}

// MaybeShrinkIsr drops ISR members (other than the leader) that are stuck
// or too far behind, called periodically by the coordinator for every
// partition this broker leads.
func (p *Partition) MaybeShrinkIsr(maxLagTime time.Duration, maxLagMessages int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.role != Leader {
		return nil
	}
	local := p.replicas[p.localBrokerID]
	leaderLEO := local.LogEndOffset()
	now := time.Now()

	var outOfSync []types.BrokerID
	for id := range p.isr {
		if id == p.localBrokerID {
			continue
		}
		r, ok := p.replicas[id]
		if !ok {
			continue
		}
		leo := r.LogEndOffset()
		stuck := leo < leaderLEO && now.Sub(r.LEOUpdateTime()) > maxLagTime
		slow := leo >= 0 && leaderLEO-leo > types.Offset(maxLagMessages)
		if stuck || slow {
			outOfSync = append(outOfSync, id)
		}
	}
	if len(outOfSync) == 0 {
		return nil
	}

	drop := make(map[types.BrokerID]struct{}, len(outOfSync))
	for _, id := range outOfSync {
		drop[id] = struct{}{}
	}
	var newISR []types.BrokerID
	for id := range p.isr {
		if _, dropped := drop[id]; !dropped {
			newISR = append(newISR, id)
		}
	}
	if len(newISR) == 0 {
		return fmt.Errorf("partition %s: ISR shrink would leave it empty, refusing", p.ID)
	}
	if err := p.updateIsr(newISR); err != nil {
		return err
	}
	log.Info("partition %s shrank ISR, dropped %v", p.ID, outOfSync)
	p.maybeIncrementLeaderHW()
	return nil
}

// CheckEnoughReplicasReachOffset reports whether enough ISR members have
// reached requiredOffset to satisfy requiredAcks (negative = all, >0 = at
// least that many, 0 = always satisfied).
func (p *Partition) CheckEnoughReplicasReachOffset(requiredOffset types.Offset, requiredAcks int) (bool, types.ErrorCode) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.role != Leader {
		return false, types.ErrNotLeaderForPartition
	}
	count := 0
	for id := range p.isr {
		if id == p.localBrokerID {
			count++
			continue
		}
		r, ok := p.replicas[id]
		if ok && r.LogEndOffset() >= requiredOffset {
			count++
		}
	}
	switch {
	case requiredAcks < 0:
		return count >= len(p.isr), types.NoError
	case requiredAcks > 0:
		return count >= requiredAcks, types.NoError
	default:
		return true, types.NoError
	}
}

// AppendMessagesToLeader appends recs to the local log and advances HW.
func (p *Partition) AppendMessagesToLeader(attributes uint16, timestampMs int64, recs []types.Record) (types.Offset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.role != Leader {
		return types.UnknownOffset, fmt.Errorf("%w: partition %s", errNotLeader, p.ID)
	}
	local := p.replicas[p.localBrokerID]
	base, err := local.Append(attributes, timestampMs, recs)
	if err != nil {
		return types.UnknownOffset, err
	}
	p.maybeIncrementLeaderHW()
	return base, nil
}

var errNotLeader = fmt.Errorf("not leader for partition")

// LocalHighWatermark returns the leader-local replica's HW, for the
// coordinator's periodic checkpoint task. Returns (0, false) if this
// partition has no local replica open.
func (p *Partition) LocalHighWatermark() (types.Offset, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.replicas[p.localBrokerID]
	if !ok || !r.IsLocal() {
		return 0, false
	}
	return r.HighWatermark(), true
}

func (p *Partition) isrBrokerIDs() []types.BrokerID {
	ids := make([]types.BrokerID, 0, len(p.isr))
	for id := range p.isr {
		ids = append(ids, id)
	}
	return ids
}

// updateIsr attempts the metastore CAS for a new ISR, at the partition's
// cached zkVersion. On success it updates p.isr and p.zkVersion; on a
// version mismatch it leaves local state untouched for the next triggering
// event to reconcile. Caller must hold p.mu, so the CAS is never
// interleaved with a concurrent ISR change on the same partition.
func (p *Partition) updateIsr(newISR []types.BrokerID) error {
	record := leaderISRRecord{
		Leader:          p.localBrokerID,
		LeaderEpoch:     p.leaderEpoch,
		ISR:             newISR,
		ControllerEpoch: p.controllerEpoch,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode leader/ISR record: %w", err)
	}

	newVersion, err := p.store.ConditionalUpdate(p.metastorePath(), payload, p.zkVersion)
	if err != nil {
		return fmt.Errorf("CAS update ISR for %s at version %d: %w", p.ID, p.zkVersion, err)
	}

	isr := make(map[types.BrokerID]struct{}, len(newISR))
	for _, id := range newISR {
		isr[id] = struct{}{}
	}
	p.isr = isr
	p.zkVersion = newVersion
	return nil
}
