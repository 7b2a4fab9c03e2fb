package metastore

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// commandKind distinguishes the two mutating operations the FSM applies;
// Read never goes through the raft log since it does not change state.
type commandKind int

const (
	cmdCreate commandKind = iota
	cmdUpdate
)

type command struct {
	Kind            commandKind
	Path            string
	Payload         []byte
	ExpectedVersion int64
}

// applyResult is what Apply returns to the caller that invoked
// raft.Raft.Apply; it is never part of the replicated log itself.
type applyResult struct {
	version int64
	err     error
}

// fsm holds the replicated {path -> entry} map. All commands that reach
// Apply have already been ordered by raft, so fsm itself needs only a
// plain mutex, not the per-partition locking the coordinator uses.
type fsm struct {
	mu      sync.Mutex
	entries map[string]entry
}

func newFSM() *fsm {
	return &fsm{entries: make(map[string]entry)}
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return applyResult{err: fmt.Errorf("decode raft log entry: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Kind {
	case cmdCreate:
		if _, ok := f.entries[cmd.Path]; ok {
			return applyResult{err: ErrExists}
		}
		f.entries[cmd.Path] = entry{Payload: cmd.Payload, Version: 1}
		return applyResult{version: 1}

	case cmdUpdate:
		e, ok := f.entries[cmd.Path]
		if !ok {
			return applyResult{err: ErrNotFound}
		}
		if e.Version != cmd.ExpectedVersion {
			return applyResult{err: ErrVersionMismatch}
		}
		e.Payload = cmd.Payload
		e.Version++
		f.entries[cmd.Path] = e
		return applyResult{version: e.Version}

	default:
		return applyResult{err: fmt.Errorf("unknown metastore command kind %d", cmd.Kind)}
	}
}

func (f *fsm) read(path string) ([]byte, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[path]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return e.Payload, e.Version, nil
}

// fsmSnapshot serializes the full entry map; restoring replays it wholesale
// rather than diffing, since the map is small (one entry per partition).
type fsmSnapshot struct {
	Entries map[string]entry
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := make(map[string]entry, len(f.entries))
	for k, v := range f.entries {
		snap[k] = v
	}
	return fsmSnapshot{Entries: snap}, nil
}

func (s fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := json.NewEncoder(sink).Encode(s.Entries)
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s fsmSnapshot) Release() {}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var entries map[string]entry
	if err := json.NewDecoder(rc).Decode(&entries); err != nil {
		return fmt.Errorf("decode metastore snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = entries
	return nil
}
