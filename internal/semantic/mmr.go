package semantic

import (
	"github.com/fyrsmithlabs/promptd/internal/vectorstore"
)

// mmrOrder re-ranks candidates with Maximal Marginal Relevance:
//
//	mmr(b) = lambda*utility(b) - (1-lambda)*max_{s in selected} cos(v_b, v_s)
//
// Candidates must arrive sorted by descending utility. The returned order is
// the selection order; candidates whose redundancy term dominated at pick
// time are flagged so the packer can attribute their drop.
func mmrOrder(candidates []*candidate, lambda float64) []*candidate {
	if len(candidates) <= 1 {
		return candidates
	}

	remaining := make([]*candidate, len(candidates))
	copy(remaining, candidates)

	ordered := make([]*candidate, 0, len(candidates))
	var selected []*candidate

	// The top-utility candidate has no redundancy term; it always goes first.
	ordered = append(ordered, remaining[0])
	selected = append(selected, remaining[0])
	remaining = remaining[1:]

	for len(remaining) > 0 {
		bestIdx := 0
		bestScore := mmrScore(remaining[0], selected, lambda)
		for i := 1; i < len(remaining); i++ {
			if score := mmrScore(remaining[i], selected, lambda); score > bestScore {
				bestIdx, bestScore = i, score
			}
		}

		best := remaining[bestIdx]
		if bestScore <= 0 {
			best.redundant = true
		}
		ordered = append(ordered, best)
		selected = append(selected, best)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return ordered
}

func mmrScore(c *candidate, selected []*candidate, lambda float64) float64 {
	redundancy := 0.0
	for _, s := range selected {
		if sim := float64(vectorstore.Cosine(c.embedding, s.embedding)); sim > redundancy {
			redundancy = sim
		}
	}
	return lambda*c.utility - (1-lambda)*redundancy
}
