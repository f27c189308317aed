package processor

import (
	"math"
	"sort"

	"github.com/lduynkerke/FundingRateLogger/models"
)

// Rank returns the n symbols with the largest absolute funding rate,
// highest magnitude first. Ties break on symbol name ascending so rankings
// are reproducible across runs. The input slice is not mutated.
func Rank(events []models.FundingEvent, n int) []models.SymbolRate {
	if n <= 0 || len(events) == 0 {
		return nil
	}

	sorted := make([]models.FundingEvent, len(events))
	copy(sorted, events)

	sort.SliceStable(sorted, func(i, j int) bool {
		ai, aj := math.Abs(sorted[i].FundingRate), math.Abs(sorted[j].FundingRate)
		if ai != aj {
			return ai > aj
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})

	if n > len(sorted) {
		n = len(sorted)
	}

	top := make([]models.SymbolRate, n)
	for i := 0; i < n; i++ {
		top[i] = models.SymbolRate{Symbol: sorted[i].Symbol, Rate: sorted[i].FundingRate}
	}
	return top
}
