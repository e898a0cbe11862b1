package audit_test

import (
	"encoding/json"
	"testing"

	"github.com/jmerrifield20/InspectionAudit/internal/audit"
)

func buildChain(t *testing.T, n int) []*audit.Entry {
	t.Helper()
	l := audit.New()
	for i := range n {
		if _, err := l.Append(ctx, appendReq("tenant-a", "UPDATE", map[string]any{"i": i})); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := l.List(ctx, "tenant-a", 0, n)
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestVerifyChain_valid(t *testing.T) {
	entries := buildChain(t, 5)
	r := audit.VerifyChain("tenant-a", entries)
	if !r.Valid || r.Entries != 5 || r.Violation != nil {
		t.Errorf("expected valid report, got %+v", r)
	}
	if r.Root != entries[4].EntryHash {
		t.Errorf("Root = %s, want last entry hash", r.Root)
	}
}

func TestVerifyChain_empty(t *testing.T) {
	r := audit.VerifyChain("tenant-a", nil)
	if !r.Valid || r.Entries != 0 {
		t.Errorf("empty chain should be valid, got %+v", r)
	}
}

func TestVerifyChain_detectsPayloadTamper(t *testing.T) {
	for idx := range 5 {
		entries := buildChain(t, 5)
		entries[idx].Payload = json.RawMessage(`{"i":999}`)

		r := audit.VerifyChain("tenant-a", entries)
		if r.Valid {
			t.Fatalf("tamper at %d not detected", idx)
		}
		v := r.Violation
		if v.Index != idx || v.Kind != audit.ViolationEntryHash {
			t.Errorf("tamper at %d: got violation %+v", idx, v)
		}
		if v.Actual != entries[idx].EntryHash || v.Expected != entries[idx].ExpectedHash() {
			t.Errorf("expected/actual not reported: %+v", v)
		}
		if v.EntryID != entries[idx].ID {
			t.Errorf("violation entry id = %s, want %s", v.EntryID, entries[idx].ID)
		}
	}
}

func TestVerifyChain_detectsRecomputedHash(t *testing.T) {
	// Rewriting payload and entry_hash together still breaks the next link.
	entries := buildChain(t, 4)
	entries[1].Payload = json.RawMessage(`{"i":42}`)
	entries[1].EntryHash = entries[1].ExpectedHash()

	r := audit.VerifyChain("tenant-a", entries)
	if r.Valid {
		t.Fatal("expected violation")
	}
	if r.Violation.Index != 2 || r.Violation.Kind != audit.ViolationPrevHash {
		t.Errorf("got %+v, want prev_hash violation at 2", r.Violation)
	}
}

func TestVerifyChain_detectsRemovedEntry(t *testing.T) {
	entries := buildChain(t, 4)
	entries = append(entries[:1], entries[2:]...)

	r := audit.VerifyChain("tenant-a", entries)
	if r.Valid || r.Violation.Index != 1 || r.Violation.Kind != audit.ViolationPrevHash {
		t.Errorf("got %+v", r.Violation)
	}
}

func TestVerifyChain_firstEntryMustBeGenesis(t *testing.T) {
	entries := buildChain(t, 3)
	r := audit.VerifyChain("tenant-a", entries[1:])
	if r.Valid {
		t.Fatal("chain not starting at GENESIS must fail")
	}
	if r.Violation.Index != 0 || r.Violation.Expected != audit.GenesisHash {
		t.Errorf("got %+v", r.Violation)
	}
}
