// Package replica models a partition's per-broker replica record as a
// tagged variant rather than a single struct with an isLocal flag: the
// Local variant alone carries a log handle and a high watermark, since
// only the leader's local replica ever needs either.
package replica

import (
	"time"

	"github.com/kestrel-io/kestrel/logging"
	"github.com/kestrel-io/kestrel/storage"
	"github.com/kestrel-io/kestrel/types"
)

// Log is the subset of storage.Log a Local replica needs; kept narrow so
// tests can substitute a fake without dragging in the segment format.
type Log interface {
	LogEndOffset() types.Offset
	Append(attributes uint16, timestampMs int64, recs []types.Record) (types.Offset, error)
}

var _ Log = (*storage.Log)(nil)

// Replica is a partition-local record identified by a broker id. Callers
// must hold the enclosing partition's lock before calling any method here;
// Replica does no locking of its own.
type Replica struct {
	BrokerID types.BrokerID

	// local is non-nil exactly when this replica is bound to a log on this
	// broker, i.e. when BrokerID is this broker's own id.
	local *localState
	// remote tracks what the leader knows about a replica hosted elsewhere.
	remote *remoteState
}

type localState struct {
	log Log
	hw  types.Offset
}

type remoteState struct {
	leo           types.Offset
	leoUpdateTime time.Time
}

// NewLocal builds a replica bound to an open log, with HW seeded from the
// checkpoint store clamped to the log's actual contents: a checkpointed HW
// that exceeds what survived a crash would otherwise let the leader
// advertise data it cannot actually serve.
func NewLocal(brokerID types.BrokerID, log Log, checkpointedHW types.Offset) *Replica {
	leo := log.LogEndOffset()
	hw := checkpointedHW
	if hw > leo {
		logging.Warn("replica %d: checkpointed HW %d exceeds log end offset %d, clamping", brokerID, hw, leo)
		hw = leo
	}
	return &Replica{BrokerID: brokerID, local: &localState{log: log, hw: hw}}
}

// NewRemote builds a replica with unknown LEO, as required whenever a
// replica is (re)created without yet having heard a fetch report.
func NewRemote(brokerID types.BrokerID) *Replica {
	return &Replica{BrokerID: brokerID, remote: &remoteState{leo: types.UnknownOffset}}
}

// IsLocal reports whether this replica is bound to a local log.
func (r *Replica) IsLocal() bool { return r.local != nil }

// LogEndOffset returns the replica's last-known LEO, UnknownOffset for a
// remote replica that has never reported.
func (r *Replica) LogEndOffset() types.Offset {
	if r.local != nil {
		return r.local.log.LogEndOffset()
	}
	return r.remote.leo
}

// UpdateLEO records a new LEO for a remote replica, stamping the update
// time atomically with the value. Calling this on a Local replica is a
// programming error: a local replica's LEO always comes from its log.
func (r *Replica) UpdateLEO(offset types.Offset) {
	if r.local != nil {
		panic("replica: UpdateLEO called on a local replica")
	}
	r.remote.leo = offset
	r.remote.leoUpdateTime = time.Now()
}

// LEOUpdateTime returns when a remote replica's LEO was last reported. Zero
// for a replica that has never reported.
func (r *Replica) LEOUpdateTime() time.Time {
	if r.local != nil {
		return time.Time{}
	}
	return r.remote.leoUpdateTime
}

// ResetLEO invalidates a remote replica's prior LEO, used when a leadership
// change makes the previous epoch's reports stale.
func (r *Replica) ResetLEO() {
	if r.local == nil {
		r.remote.leo = types.UnknownOffset
		r.remote.leoUpdateTime = time.Time{}
	}
}

// HighWatermark reads the local replica's HW. Calling this on a remote
// replica is a programming error: only the leader's local replica tracks
// HW.
func (r *Replica) HighWatermark() types.Offset {
	if r.local == nil {
		panic("replica: HighWatermark called on a remote replica")
	}
	return r.local.hw
}

// SetHighWatermark sets the local replica's HW. It is the caller's
// responsibility (partition.maybeIncrementLeaderHW) to ensure it never
// decreases.
func (r *Replica) SetHighWatermark(offset types.Offset) {
	if r.local == nil {
		panic("replica: SetHighWatermark called on a remote replica")
	}
	r.local.hw = offset
}

// Append appends a batch to the local replica's log. Calling this on a
// remote replica is a programming error.
func (r *Replica) Append(attributes uint16, timestampMs int64, recs []types.Record) (types.Offset, error) {
	if r.local == nil {
		panic("replica: Append called on a remote replica")
	}
	return r.local.log.Append(attributes, timestampMs, recs)
}
