package audit

import (
	"fmt"

	"github.com/google/uuid"
)

// Violation kinds reported by Verify.
const (
	ViolationPrevHash  = "prev_hash"  // entry does not link to its predecessor
	ViolationEntryHash = "entry_hash" // stored hash does not match the stored content
)

// Violation describes the first broken link found in a chain.
type Violation struct {
	Index    int       `json:"index"`
	EntryID  uuid.UUID `json:"entry_id"`
	Kind     string    `json:"kind"`
	Expected string    `json:"expected"`
	Actual   string    `json:"actual"`
}

func (v *Violation) String() string {
	return fmt.Sprintf("%s mismatch at index %d (entry %s): expected %s, got %s",
		v.Kind, v.Index, v.EntryID, v.Expected, v.Actual)
}

// Report is the outcome of verifying one tenant chain.
type Report struct {
	TenantID  string     `json:"tenant_id"`
	Entries   int        `json:"entries"` // entries checked
	Valid     bool       `json:"valid"`
	Root      string     `json:"root,omitempty"` // entry hash of the last entry checked
	Violation *Violation `json:"violation,omitempty"`
}

// VerifyChain checks entries, given in chain order, and reports the first
// broken link. It never modifies entries.
func VerifyChain(tenantID string, entries []*Entry) *Report {
	v := newChainVerifier(tenantID)
	for _, e := range entries {
		if !v.check(e) {
			break
		}
	}
	return v.report
}

// chainVerifier checks one entry at a time so stores can stream rows.
type chainVerifier struct {
	report   *Report
	prevHash string
}

func newChainVerifier(tenantID string) *chainVerifier {
	return &chainVerifier{
		report:   &Report{TenantID: tenantID, Valid: true},
		prevHash: GenesisHash,
	}
}

// check validates e against the previous entry. It returns false once a
// violation has been recorded.
func (c *chainVerifier) check(e *Entry) bool {
	idx := c.report.Entries
	c.report.Entries++

	if e.PrevHash != c.prevHash {
		c.fail(&Violation{
			Index: idx, EntryID: e.ID, Kind: ViolationPrevHash,
			Expected: c.prevHash, Actual: e.PrevHash,
		})
		return false
	}
	if want := e.ExpectedHash(); e.EntryHash != want {
		c.fail(&Violation{
			Index: idx, EntryID: e.ID, Kind: ViolationEntryHash,
			Expected: want, Actual: e.EntryHash,
		})
		return false
	}

	c.prevHash = e.EntryHash
	c.report.Root = e.EntryHash
	return true
}

func (c *chainVerifier) fail(v *Violation) {
	c.report.Valid = false
	c.report.Violation = v
}
