package storage

import (
	"testing"
	"time"

	"github.com/kestrel-io/kestrel/types"
)

func appendN(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := l.Append(0, 0, []types.Record{{Value: []byte("x")}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestOpenLogAppendAndReadRoundTrip(t *testing.T) {
	l, err := OpenLog(t.TempDir(), 1<<20, 0, 0)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer l.Close()

	offset, err := l.Append(0, 1000, []types.Record{{Value: []byte("hello")}, {Value: []byte("world")}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if offset != 0 {
		t.Errorf("first append base offset = %d, want 0", offset)
	}
	if leo := l.LogEndOffset(); leo != 2 {
		t.Errorf("LogEndOffset() = %d, want 2", leo)
	}

	rb, err := l.Read(0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	recs, err := DecodeRecords(rb)
	if err != nil {
		t.Fatalf("DecodeRecords: %v", err)
	}
	if len(recs) != 2 || string(recs[0].Value) != "hello" || string(recs[1].Value) != "world" {
		t.Errorf("decoded records = %+v, want hello/world", recs)
	}
}

func TestLogRollsOnSize(t *testing.T) {
	l, err := OpenLog(t.TempDir(), 1, 0, 0)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer l.Close()

	appendN(t, l, 5)
	if got := len(l.segments); got < 2 {
		t.Errorf("segment count = %d, want at least 2 after tiny segmentBytes threshold", got)
	}
	if leo := l.LogEndOffset(); leo != 5 {
		t.Errorf("LogEndOffset() = %d, want 5", leo)
	}
}

func TestOpenLogRecoversSegmentsFromDisk(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLog(dir, 1<<20, 0, 0)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	appendN(t, l, 3)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenLog(dir, 1<<20, 0, 0)
	if err != nil {
		t.Fatalf("reopen OpenLog: %v", err)
	}
	defer reopened.Close()
	if leo := reopened.LogEndOffset(); leo != 3 {
		t.Errorf("LogEndOffset() after reopen = %d, want 3", leo)
	}
	rb, err := reopened.Read(1)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if rb.BaseOffset != 1 {
		t.Errorf("Read(1).BaseOffset = %d, want 1", rb.BaseOffset)
	}
}

func TestLogTruncateWithinActiveSegment(t *testing.T) {
	l, err := OpenLog(t.TempDir(), 1<<20, 0, 0)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer l.Close()

	appendN(t, l, 5)
	if err := l.Truncate(3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if leo := l.LogEndOffset(); leo != 3 {
		t.Errorf("LogEndOffset() after Truncate(3) = %d, want 3", leo)
	}
	if _, err := l.Read(0); err != nil {
		t.Errorf("Read(0) after truncate: %v", err)
	}
	if _, err := l.Read(3); err == nil {
		t.Error("Read(3) succeeded after truncating to offset 3, want error")
	}
}

func TestLogTruncateDropsWholeSegments(t *testing.T) {
	l, err := OpenLog(t.TempDir(), 1, 0, 0)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer l.Close()

	appendN(t, l, 5)
	segsBefore := len(l.segments)
	if segsBefore < 2 {
		t.Fatalf("expected multiple segments before truncation, got %d", segsBefore)
	}

	if err := l.Truncate(1); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if leo := l.LogEndOffset(); leo != 1 {
		t.Errorf("LogEndOffset() after Truncate(1) = %d, want 1", leo)
	}
	if len(l.segments) >= segsBefore {
		t.Errorf("segment count after truncation = %d, want fewer than %d", len(l.segments), segsBefore)
	}
}

func TestLogTruncateToZeroLeavesEmptySegment(t *testing.T) {
	l, err := OpenLog(t.TempDir(), 1<<20, 0, 0)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer l.Close()

	appendN(t, l, 4)
	if err := l.Truncate(0); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if leo := l.LogEndOffset(); leo != 0 {
		t.Errorf("LogEndOffset() after Truncate(0) = %d, want 0", leo)
	}
	if len(l.segments) != 1 {
		t.Fatalf("segment count after truncating everything = %d, want 1", len(l.segments))
	}

	offset, err := l.Append(0, 0, []types.Record{{Value: []byte("fresh")}})
	if err != nil {
		t.Fatalf("Append after full truncation: %v", err)
	}
	if offset != 0 {
		t.Errorf("append base offset after full truncation = %d, want 0", offset)
	}
}

func TestLogAppendRejectsEmptyBatch(t *testing.T) {
	l, err := OpenLog(t.TempDir(), 1<<20, 0, 0)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer l.Close()
	if _, err := l.Append(0, 0, nil); err == nil {
		t.Error("Append with no records did not return an error")
	}
}

func TestDeleteOldSegmentsRemovesExpiredNonActiveSegment(t *testing.T) {
	l, err := OpenLog(t.TempDir(), 1, time.Hour, time.Millisecond)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer l.Close()

	if _, err := l.Append(0, 1, []types.Record{{Value: []byte("old")}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := l.Append(0, time.Now().UnixMilli(), []types.Record{{Value: []byte("new")}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(l.segments) < 2 {
		t.Fatalf("expected at least 2 segments, got %d", len(l.segments))
	}

	before := len(l.segments)
	if err := l.DeleteOldSegments(); err != nil {
		t.Fatalf("DeleteOldSegments: %v", err)
	}
	if len(l.segments) != before-1 {
		t.Errorf("segment count after DeleteOldSegments = %d, want %d", len(l.segments), before-1)
	}
}
