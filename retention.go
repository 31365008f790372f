package transposer

import (
	"math/bits"
	"sort"
)

// retentionScore ranks a step index as a checkpoint-retention
// candidate: higher scores survive longer. Indices with many trailing
// zero bits score highest, so as eviction proceeds the surviving set of
// checkpoints naturally spaces itself out logarithmically (index 0, the
// power-of-two indices, and so on), rather than decaying to a dense
// recent window.
func retentionScore(index uint64) int {
	if index == 0 {
		return 64
	}
	return bits.TrailingZeros64(index)
}

// selectEvictions picks which of candidates to drop so that at most
// budget remain, preferring to evict the lowest-scoring (densest)
// indices first. Ties favor evicting the older index, biasing retention
// toward the more recent end of a tie.
func selectEvictions(candidates []uint64, budget int) []uint64 {
	if budget < 0 || len(candidates) <= budget {
		return nil
	}

	type scored struct {
		index uint64
		score int
	}
	ranked := make([]scored, len(candidates))
	for i, idx := range candidates {
		ranked[i] = scored{index: idx, score: retentionScore(idx)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].index > ranked[j].index
	})

	evictions := make([]uint64, 0, len(ranked)-budget)
	for _, s := range ranked[budget:] {
		evictions = append(evictions, s.index)
	}
	return evictions
}
