package ledger

import "fmt"

// Break kinds reported by VerifyChain.
const (
	BreakHashMismatch = "hash_mismatch"
	BreakChainBroken  = "chain_break"
	BreakSequence     = "sequence_gap"
)

// Break locates one integrity violation.
type Break struct {
	Sequence int64  `json:"sequence"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

// VerifyReport is the result of a full chain walk.
type VerifyReport struct {
	Valid   bool     `json:"valid"`
	Entries int      `json:"entries"`
	Breaks  []Break  `json:"breaks,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// VerifyChain recomputes every entry's hash and checks each link against the
// recomputed hash of its predecessor. It never stops at the first break.
func VerifyChain(entries []Entry) VerifyReport {
	report := VerifyReport{Entries: len(entries)}
	expectedPrev := GenesisHash

	for i, e := range entries {
		if want := int64(i + 1); e.Sequence != want {
			report.add(e.Sequence, BreakSequence, fmt.Sprintf("expected sequence %d, found %d", want, e.Sequence))
		}

		if e.PreviousHash != expectedPrev {
			report.add(e.Sequence, BreakChainBroken, fmt.Sprintf("previous_hash %s does not match predecessor hash %s", e.PreviousHash, expectedPrev))
		}

		computed, err := ComputeHash(e)
		if err != nil {
			report.add(e.Sequence, BreakHashMismatch, fmt.Sprintf("hash not computable: %v", err))
			expectedPrev = e.Hash
			continue
		}
		if computed != e.Hash {
			report.add(e.Sequence, BreakHashMismatch, fmt.Sprintf("stored hash %s, computed %s", e.Hash, computed))
		}
		expectedPrev = computed
	}

	report.Valid = len(report.Breaks) == 0
	return report
}

func (r *VerifyReport) add(seq int64, kind, detail string) {
	r.Breaks = append(r.Breaks, Break{Sequence: seq, Kind: kind, Detail: detail})
	r.Errors = append(r.Errors, fmt.Sprintf("entry %d: %s: %s", seq, kind, detail))
}
