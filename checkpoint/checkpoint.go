// Package checkpoint implements the HW checkpoint store: a per-log-directory
// durable map of partition to high watermark, written with a temp-file,
// fsync, atomic-rename discipline so readers never observe a partial file.
package checkpoint

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	log "github.com/kestrel-io/kestrel/logging"
	"github.com/kestrel-io/kestrel/types"
)

const fileName = "replication-offset-checkpoint"

const formatVersion = 0

// Store guards the checkpoint file for a single log directory. Callers must
// use one Store per directory; it does not itself shard by directory.
type Store struct {
	mu   sync.Mutex
	path string
}

// New returns a Store for the checkpoint file under dir.
func New(dir string) *Store {
	return &Store{path: filepath.Join(dir, fileName)}
}

// Read returns the persisted {partition -> HW} map. A missing or
// zero-length file is treated as empty, not an error.
func (s *Store) Read() (map[types.PartitionID]types.Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return map[types.PartitionID]types.Offset{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open checkpoint file %s: %w", s.path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat checkpoint file %s: %w", s.path, err)
	}
	if stat.Size() == 0 {
		return map[types.PartitionID]types.Offset{}, nil
	}

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("checkpoint file %s missing version line", s.path)
	}
	if _, err := strconv.Atoi(strings.TrimSpace(scanner.Text())); err != nil {
		return nil, fmt.Errorf("checkpoint file %s has invalid version: %w", s.path, err)
	}
	if !scanner.Scan() {
		return nil, fmt.Errorf("checkpoint file %s missing entry count", s.path)
	}
	count, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("checkpoint file %s has invalid entry count: %w", s.path, err)
	}

	result := make(map[types.PartitionID]types.Offset, count)
	for i := 0; i < count; i++ {
		if !scanner.Scan() {
			return nil, fmt.Errorf("checkpoint file %s has fewer entries than declared", s.path)
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			return nil, fmt.Errorf("checkpoint file %s has malformed entry %q", s.path, scanner.Text())
		}
		idx, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("checkpoint file %s has invalid partition index: %w", s.path, err)
		}
		offset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("checkpoint file %s has invalid offset: %w", s.path, err)
		}
		result[types.PartitionID{Topic: fields[0], Index: uint32(idx)}] = types.Offset(offset)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan checkpoint file %s: %w", s.path, err)
	}
	return result, nil
}

// Write atomically replaces the checkpoint file's contents with entries.
// A failure here is fatal to the process: the coordinator calls
// logging.Fatal rather than returning, since a silently lost HW risks a
// broker rejoining with a log that diverges from what it acknowledged.
func (s *Store) Write(entries map[types.PartitionID]types.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%d\n", formatVersion)
	fmt.Fprintf(&b, "%d\n", len(entries))
	for p, offset := range entries {
		fmt.Fprintf(&b, "%s %d %d\n", p.Topic, p.Index, offset)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, fileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp checkpoint file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync temp checkpoint file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp checkpoint file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp checkpoint file into place at %s: %w", s.path, err)
	}
	log.Debug("wrote HW checkpoint path=%s entries=%d", s.path, len(entries))
	return nil
}
