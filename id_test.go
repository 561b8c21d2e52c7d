package roundtable

import (
	"sort"
	"testing"
)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if len(id) != 36 {
		t.Fatalf("id length = %d: %q", len(id), id)
	}
	// UUIDv7 carries the version nibble at position 14.
	if id[14] != '7' {
		t.Errorf("version nibble = %c, want 7: %q", id[14], id)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for range 1000 {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewIDSortable(t *testing.T) {
	// uuid.NewV7 is monotonic within a process, so sequentially generated
	// IDs sort in generation order.
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = NewID()
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("sequential ids are not sorted")
	}
}
