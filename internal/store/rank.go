package store

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/rickgao/marketpulse/internal/model"
)

// DefaultWindow is the trailing window used when RecentSamples is given none.
const DefaultWindow = 24 * time.Hour

// PopulationStdDev returns the population standard deviation of values.
func PopulationStdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}

// RankByVolatility ranks instruments by descending population standard
// deviation of their amounts. Equal deviations share a rank and the next rank
// skips accordingly (1, 2, 2, 4). Each rank is formatted "<rank>/<count>".
// Results are ordered by rank, then instrument.
func RankByVolatility(amounts map[string][]float64) []model.MarketRank {
	type entry struct {
		instrument string
		stddev     float64
	}

	entries := make([]entry, 0, len(amounts))
	for instrument, values := range amounts {
		entries = append(entries, entry{instrument: instrument, stddev: PopulationStdDev(values)})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].stddev != entries[j].stddev {
			return entries[i].stddev > entries[j].stddev
		}
		return entries[i].instrument < entries[j].instrument
	})

	total := strconv.Itoa(len(entries))
	ranks := make([]model.MarketRank, len(entries))
	rank := 0
	for i, e := range entries {
		if i == 0 || e.stddev != entries[i-1].stddev {
			rank = i + 1
		}
		ranks[i] = model.MarketRank{
			Instrument: e.instrument,
			Rank:       strconv.Itoa(rank) + "/" + total,
		}
	}
	return ranks
}

// windowOrDefault maps non-positive windows onto DefaultWindow.
func windowOrDefault(window time.Duration) time.Duration {
	if window <= 0 {
		return DefaultWindow
	}
	return window
}
