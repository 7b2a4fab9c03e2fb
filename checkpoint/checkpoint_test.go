package checkpoint

import (
	"testing"

	"github.com/kestrel-io/kestrel/types"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	entries := map[types.PartitionID]types.Offset{
		{Topic: "orders", Index: 0}: 42,
		{Topic: "orders", Index: 1}: 7,
		{Topic: "events", Index: 0}: 0,
	}
	if err := s.Write(entries); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("Read returned %d entries, want %d", len(got), len(entries))
	}
	for p, want := range entries {
		if got[p] != want {
			t.Errorf("entry %s = %d, want %d", p, got[p], want)
		}
	}
}

func TestReadMissingFileIsEmpty(t *testing.T) {
	s := New(t.TempDir())
	got, err := s.Read()
	if err != nil {
		t.Fatalf("Read on missing file: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Read on missing file returned %d entries, want 0", len(got))
	}
}

func TestWriteOverwritesPreviousContents(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	first := map[types.PartitionID]types.Offset{{Topic: "t", Index: 0}: 1}
	if err := s.Write(first); err != nil {
		t.Fatalf("first Write: %v", err)
	}

	second := map[types.PartitionID]types.Offset{{Topic: "t", Index: 0}: 2}
	if err := s.Write(second); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	got, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got[types.PartitionID{Topic: "t", Index: 0}] != 2 {
		t.Fatalf("got %v, want HW=2 after overwrite", got)
	}
}
