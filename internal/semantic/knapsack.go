package semantic

import (
	"github.com/fyrsmithlabs/promptd/internal/block"
)

// packBudget accepts candidates in MMR order against per-kind sub-budgets.
//
// available tokens are split by the configured type fractions; fraction mass
// belonging to kinds with no candidates, plus any unconfigured remainder,
// pools into a shared overflow. A candidate is accepted when its token count
// fits in its kind's remaining sub-budget plus the overflow; the sub-budget
// is debited first and the overflow covers the remainder.
func packBudget(ordered []*candidate, available int, fractions map[string]float64) (accepted []*candidate, rejected []*candidate) {
	if available <= 0 {
		return nil, ordered
	}

	present := make(map[block.Kind]bool)
	for _, c := range ordered {
		present[c.block.Kind] = true
	}

	subBudgets := make(map[block.Kind]int)
	allocated := 0
	for kind, frac := range fractions {
		k := block.Kind(kind)
		if !present[k] {
			continue
		}
		sub := int(float64(available) * frac)
		subBudgets[k] = sub
		allocated += sub
	}
	overflow := available - allocated

	for _, c := range ordered {
		sub := subBudgets[c.block.Kind]
		if c.block.Tokens <= sub+overflow {
			debit := c.block.Tokens
			if debit > sub {
				overflow -= debit - sub
				debit = sub
			}
			subBudgets[c.block.Kind] = sub - debit
			accepted = append(accepted, c)
			continue
		}

		switch {
		case c.redundant:
			c.dropReason = ReasonMMRRedundant
		case sub <= 0:
			c.dropReason = ReasonKindCap
		default:
			c.dropReason = ReasonOverBudget
		}
		rejected = append(rejected, c)
	}
	return accepted, rejected
}
