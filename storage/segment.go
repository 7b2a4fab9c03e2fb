package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/kestrel-io/kestrel/logging"
	"github.com/kestrel-io/kestrel/serde"
	"github.com/kestrel-io/kestrel/types"
	"github.com/kestrel-io/kestrel/utils"
)

const (
	logSuffix   = ".log"
	indexSuffix = ".index"
)

// segment is one baseOffset-named (log, index) file pair. The index holds
// 8-byte entries: a 4-byte offset delta from baseOffset, and a 4-byte byte
// position into the log file where that batch starts.
type segment struct {
	mu sync.RWMutex

	baseOffset types.Offset
	endOffset  types.Offset
	size       int64
	maxTsMs    int64

	logFile   *os.File
	indexFile *os.File
	indexData []byte
}

func segmentPaths(dir string, base types.Offset) (logPath, indexPath string) {
	name := fmt.Sprintf("%020d", int64(base))
	return filepath.Join(dir, name+logSuffix), filepath.Join(dir, name+indexSuffix)
}

func newSegment(dir string, base types.Offset) (*segment, error) {
	logPath, indexPath := segmentPaths(dir, base)
	logFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("create segment log file: %w", err)
	}
	indexFile, err := os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("create segment index file: %w", err)
	}
	return &segment{
		baseOffset: base,
		endOffset:  base - 1, // empty: LEO is one before base until the first append
		logFile:    logFile,
		indexFile:  indexFile,
	}, nil
}

// loadSegment reopens an existing (log, index) pair and replays the index to
// recover endOffset, size and maxTsMs without scanning the whole log file.
func loadSegment(dir string, entry string) (*segment, error) {
	base, err := strconv.ParseInt(strings.TrimSuffix(entry, logSuffix), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse segment base offset from %q: %w", entry, err)
	}
	logPath := filepath.Join(dir, entry)
	indexPath := filepath.Join(dir, strings.TrimSuffix(entry, logSuffix)+indexSuffix)

	logFile, err := os.OpenFile(logPath, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open segment log file %s: %w", logPath, err)
	}
	indexFile, err := os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("open segment index file %s: %w", indexPath, err)
	}
	indexData, err := io.ReadAll(indexFile)
	if err != nil {
		return nil, fmt.Errorf("read segment index %s: %w", indexPath, err)
	}
	stat, err := logFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment log file %s: %w", logPath, err)
	}

	seg := &segment{
		baseOffset: types.Offset(base),
		endOffset:  types.Offset(base) - 1,
		size:       stat.Size(),
		logFile:    logFile,
		indexFile:  indexFile,
		indexData:  indexData,
	}
	if len(indexData) >= 8 {
		lastDelta := serde.Encoding.Uint32(indexData[len(indexData)-8:])
		lastPos := serde.Encoding.Uint32(indexData[len(indexData)-4:])
		header := make([]byte, batchHeaderSize)
		if _, err := logFile.ReadAt(header, int64(lastPos)); err != nil {
			return nil, fmt.Errorf("read last batch header in %s: %w", logPath, err)
		}
		rb := DecodeBatchHeader(header)
		seg.endOffset = seg.baseOffset + types.Offset(lastDelta) + types.Offset(rb.LastOffsetDelta)
		seg.maxTsMs = rb.TimestampMs
	}
	log.Debug("loaded segment %s endOffset=%d size=%d", logPath, seg.endOffset, seg.size)
	return seg, nil
}

// append writes an already-encoded batch (see EncodeBatch) to the segment,
// rewriting its BaseOffset field in place, and appends an index entry.
func (s *segment) append(encoded []byte, numRecords uint32) (types.Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextOffset := s.endOffset + 1
	serde.Encoding.PutUint64(encoded[:8], uint64(nextOffset))

	pos := s.size
	n, err := s.logFile.WriteAt(encoded, pos)
	if err != nil {
		return types.UnknownOffset, fmt.Errorf("append batch to segment: %w", err)
	}
	if n != len(encoded) {
		return types.UnknownOffset, fmt.Errorf("short write appending batch: wrote %d of %d bytes", n, len(encoded))
	}

	indexEntry := make([]byte, 8)
	serde.Encoding.PutUint32(indexEntry, uint32(nextOffset-s.baseOffset))
	serde.Encoding.PutUint32(indexEntry[4:], uint32(pos))
	if _, err := s.indexFile.Write(indexEntry); err != nil {
		return types.UnknownOffset, fmt.Errorf("append index entry: %w", err)
	}
	s.indexData = append(s.indexData, indexEntry...)

	s.size += int64(len(encoded))
	rb := DecodeBatchHeader(encoded)
	s.endOffset = nextOffset + types.Offset(numRecords) - 1
	s.maxTsMs = rb.TimestampMs
	return nextOffset, nil
}

// read locates and returns the batch whose range covers offset.
func (s *segment) read(offset types.Offset) (types.RecordBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := len(s.indexData) / 8
	if entries == 0 {
		return types.RecordBatch{}, fmt.Errorf("segment at base %d is empty", s.baseOffset)
	}
	if offset > s.endOffset {
		return types.RecordBatch{}, fmt.Errorf("offset %d is past segment end offset %d", offset, s.endOffset)
	}
	delta := uint32(offset - s.baseOffset)
	idx := sort.Search(entries, func(i int) bool {
		return serde.Encoding.Uint32(s.indexData[i*8:]) > delta
	}) - 1
	if idx < 0 {
		idx = 0
	}
	startPos := int64(serde.Encoding.Uint32(s.indexData[idx*8+4:]))
	var endPos int64
	if idx+1 < entries {
		endPos = int64(serde.Encoding.Uint32(s.indexData[(idx+1)*8+4:]))
	} else {
		endPos = s.size
	}

	buf := make([]byte, endPos-startPos)
	if _, err := s.logFile.ReadAt(buf, startPos); err != nil {
		return types.RecordBatch{}, fmt.Errorf("read batch at offset %d: %w", offset, err)
	}
	return DecodeBatch(buf)
}

// truncateTo discards every batch starting at or after targetOffset,
// leaving the segment's last retained batch's end offset (or baseOffset-1
// if nothing is retained) as the new endOffset. Batches are the unit of
// truncation since LEO only ever advances by whole batches, so a caller
// truncating to a valid LEO or HW always lands on a batch boundary.
func (s *segment) truncateTo(targetOffset types.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := len(s.indexData) / 8
	keep := entries
	for i := 0; i < entries; i++ {
		delta := serde.Encoding.Uint32(s.indexData[i*8:])
		if s.baseOffset+types.Offset(delta) >= targetOffset {
			keep = i
			break
		}
	}
	if keep == entries {
		return nil
	}

	var newSize int64
	var newEndOffset types.Offset
	var newMaxTs int64
	if keep == 0 {
		newEndOffset = s.baseOffset - 1
	} else {
		lastDelta := serde.Encoding.Uint32(s.indexData[(keep-1)*8:])
		lastPos := int64(serde.Encoding.Uint32(s.indexData[(keep-1)*8+4:]))
		header := make([]byte, batchHeaderSize)
		if _, err := s.logFile.ReadAt(header, lastPos); err != nil {
			return fmt.Errorf("read retained batch header while truncating: %w", err)
		}
		rb := DecodeBatchHeader(header)
		newEndOffset = s.baseOffset + types.Offset(lastDelta) + types.Offset(rb.LastOffsetDelta)
		newMaxTs = rb.TimestampMs
		newSize = int64(serde.Encoding.Uint32(s.indexData[keep*8+4:]))
	}

	if err := s.logFile.Truncate(newSize); err != nil {
		return fmt.Errorf("truncate segment log file: %w", err)
	}
	if err := s.indexFile.Truncate(int64(keep * 8)); err != nil {
		return fmt.Errorf("truncate segment index file: %w", err)
	}
	s.indexData = s.indexData[:keep*8]
	s.size = newSize
	s.endOffset = newEndOffset
	s.maxTsMs = newMaxTs
	return nil
}

func (s *segment) sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.logFile.Sync(); err != nil {
		return err
	}
	return s.indexFile.Sync()
}

func (s *segment) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.logFile.Close()
	if ierr := s.indexFile.Close(); err == nil {
		err = ierr
	}
	return err
}

func (s *segment) remove() error {
	logName, indexName := s.logFile.Name(), s.indexFile.Name()
	if err := s.close(); err != nil {
		return err
	}
	if err := os.Remove(logName); err != nil {
		return err
	}
	return os.Remove(indexName)
}

// Log is the append-only, segmented record store for a single partition.
// A Log's segments are ordered by baseOffset; only the last one is active
// (accepts appends). Log owns no knowledge of replication: it is driven by
// the partition package on the leader and by the fetcher on followers.
type Log struct {
	mu sync.RWMutex

	dir      string
	segments []*segment

	segmentBytes int64
	segmentAge   time.Duration
	retention    time.Duration
}

// OpenLog opens (or creates) the log directory for a partition and recovers
// its segments from disk.
func OpenLog(dir string, segmentBytes int64, segmentAge, retention time.Duration) (*Log, error) {
	if err := utils.EnsurePath(dir, true); err != nil {
		return nil, fmt.Errorf("create partition log dir %s: %w", dir, err)
	}
	l := &Log{dir: dir, segmentBytes: segmentBytes, segmentAge: segmentAge, retention: retention}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read partition log dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), logSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		seg, err := loadSegment(dir, name)
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}
	if len(l.segments) == 0 {
		seg, err := newSegment(dir, 0)
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}
	return l, nil
}

func (l *Log) active() *segment {
	return l.segments[len(l.segments)-1]
}

// LogEndOffset returns one past the offset of the last record appended, or
// 0 if the log is empty.
func (l *Log) LogEndOffset() types.Offset {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active().endOffset + 1
}

// Append encodes and appends a batch, rolling to a new segment first if the
// batch would take the active segment past its size threshold or the
// segment is older than its age threshold.
func (l *Log) Append(attributes uint16, timestampMs int64, recs []types.Record) (types.Offset, error) {
	if len(recs) == 0 {
		return types.UnknownOffset, fmt.Errorf("cannot append an empty batch")
	}
	encoded, err := EncodeBatch(attributes, timestampMs, recs)
	if err != nil {
		return types.UnknownOffset, err
	}

	l.mu.Lock()
	if l.shouldRoll(l.active(), int64(len(encoded))) {
		if err := l.roll(); err != nil {
			l.mu.Unlock()
			return types.UnknownOffset, err
		}
	}
	seg := l.active()
	l.mu.Unlock()

	base, err := seg.append(encoded, uint32(len(recs)))
	if err != nil {
		return types.UnknownOffset, err
	}
	return base, nil
}

// Read returns the batch covering offset, searching from the newest segment
// backward since reads concentrate near the log end.
func (l *Log) Read(offset types.Offset) (types.RecordBatch, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.segments) - 1; i >= 0; i-- {
		seg := l.segments[i]
		if offset >= seg.baseOffset {
			return seg.read(offset)
		}
	}
	return types.RecordBatch{}, fmt.Errorf("offset %d precedes the log's earliest segment", offset)
}

// Truncate discards every record at or after offset, dropping segments
// entirely rolled past offset and truncating the one offset falls within.
// Called when a former leader becomes a follower, before new fetchers are
// installed, so it never serves data that did not survive the leadership
// change.
func (l *Log) Truncate(offset types.Offset) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var kept []*segment
	for _, seg := range l.segments {
		if seg.baseOffset >= offset {
			if err := seg.remove(); err != nil {
				return fmt.Errorf("remove segment at base %d while truncating: %w", seg.baseOffset, err)
			}
			continue
		}
		if err := seg.truncateTo(offset); err != nil {
			return fmt.Errorf("truncate segment at base %d: %w", seg.baseOffset, err)
		}
		kept = append(kept, seg)
	}
	if len(kept) == 0 {
		seg, err := newSegment(l.dir, offset)
		if err != nil {
			return fmt.Errorf("create fresh segment at %d after truncation: %w", offset, err)
		}
		kept = append(kept, seg)
	}
	l.segments = kept
	return nil
}

func (l *Log) shouldRoll(seg *segment, incoming int64) bool {
	seg.mu.RLock()
	defer seg.mu.RUnlock()
	if l.segmentBytes > 0 && seg.size+incoming > l.segmentBytes {
		return true
	}
	if l.segmentAge > 0 && seg.maxTsMs > 0 {
		age := time.Since(time.UnixMilli(seg.maxTsMs))
		return age > l.segmentAge
	}
	return false
}

// roll must be called with l.mu held for writing.
func (l *Log) roll() error {
	next := l.active().endOffset + 1
	seg, err := newSegment(l.dir, next)
	if err != nil {
		return fmt.Errorf("roll to new segment at offset %d: %w", next, err)
	}
	log.Info("rolled log segment dir=%s baseOffset=%d", l.dir, next)
	l.segments = append(l.segments, seg)
	return nil
}

// DeleteOldSegments removes rolled (non-active) segments older than the
// configured retention, at most one per call so deletion stays incremental.
func (l *Log) DeleteOldSegments() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retention <= 0 || len(l.segments) < 2 {
		return nil
	}
	cutoff := time.Now().Add(-l.retention).UnixMilli()
	for i := 0; i < len(l.segments)-1; i++ {
		seg := l.segments[i]
		seg.mu.RLock()
		expired := seg.maxTsMs > 0 && seg.maxTsMs < cutoff
		seg.mu.RUnlock()
		if !expired {
			continue
		}
		if err := seg.remove(); err != nil {
			return fmt.Errorf("delete expired segment at base %d: %w", seg.baseOffset, err)
		}
		log.Info("deleted expired segment dir=%s baseOffset=%d", l.dir, seg.baseOffset)
		l.segments = append(l.segments[:i], l.segments[i+1:]...)
		return nil
	}
	return nil
}

// Sync fsyncs the active segment's files.
func (l *Log) Sync() error {
	l.mu.RLock()
	seg := l.active()
	l.mu.RUnlock()
	return seg.sync()
}

// Close closes all segment files.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, seg := range l.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
