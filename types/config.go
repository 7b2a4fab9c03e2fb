package types

import "time"

// Configuration holds the settings a kestrel broker process needs. Parsing
// this from flags, env vars or a config file is out of scope; callers
// (tests, or a future CLI) build one directly.
type Configuration struct {
	// NodeID is this broker's id, used as BrokerID throughout.
	NodeID BrokerID

	// LogDir is the root directory under which per-partition segment
	// directories and the HW checkpoint file are stored.
	LogDir string

	// LogSegmentBytes is the size at which an active segment rolls.
	LogSegmentBytes int64
	// LogSegmentAge is the max age of an active segment before it rolls.
	LogSegmentAge time.Duration
	// LogRetention is how long a rolled (non-active) segment is kept
	// before cleanup deletes it.
	LogRetention time.Duration
	// RetentionSweepInterval is how often the periodic retention task
	// checks every local log for expired segments to delete.
	RetentionSweepInterval time.Duration

	// ReplicaLagTime is maxLagTimeMs in maybeShrinkIsr: how long a follower
	// may go without a LEO update before it is considered stuck.
	ReplicaLagTime time.Duration
	// ReplicaLagMessages is maxLagMessages in the same operation.
	ReplicaLagMessages int64
	// IsrShrinkInterval is how often the periodic ISR-shrink task runs.
	IsrShrinkInterval time.Duration

	// HWCheckpointInterval is how often the periodic HW checkpoint task
	// runs.
	HWCheckpointInterval time.Duration

	// FetchInterval is how often the reference fetcher polls a leader for
	// new records.
	FetchInterval time.Duration
}
