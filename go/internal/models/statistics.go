package models

import (
	"math"
	"sort"
	"strconv"
)

// UnknownVote is the "I don't know" estimation token. It counts toward
// totals and the distribution but is excluded from average and median.
const UnknownVote = "?"

// VoteStatistics is computed fresh on every reveal and discarded when the
// next round starts.
type VoteStatistics struct {
	TotalVotes   int                `json:"total_votes"`
	Average      float64            `json:"average"`
	Median       float64            `json:"median"`
	Distribution []VoteDistribution `json:"distribution"`
}

// VoteDistribution is one bucket of the reveal breakdown.
type VoteDistribution struct {
	Value      string   `json:"value"`
	Count      int      `json:"count"`
	Percentage float64  `json:"percentage"`
	Voters     []string `json:"voters"`
}

// ComputeVoteStatistics derives reveal statistics from the members' current
// votes. The distribution is sorted ascending by numeric value with the
// unknown token last; percentages are rounded to two decimals.
func ComputeVoteStatistics(users []*User) *VoteStatistics {
	counts := make(map[string]int)
	voters := make(map[string][]string)
	var numeric []float64
	total := 0

	for _, u := range users {
		if !u.HasVoted() {
			continue
		}
		v := *u.CurrentVote
		total++
		counts[v]++
		voters[v] = append(voters[v], u.Name)
		if v != UnknownVote {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				numeric = append(numeric, f)
			}
		}
	}

	stats := &VoteStatistics{
		TotalVotes:   total,
		Distribution: make([]VoteDistribution, 0, len(counts)),
	}

	if len(numeric) > 0 {
		sort.Float64s(numeric)
		sum := 0.0
		for _, f := range numeric {
			sum += f
		}
		stats.Average = roundTwo(sum / float64(len(numeric)))
		mid := len(numeric) / 2
		if len(numeric)%2 == 0 {
			stats.Median = roundTwo((numeric[mid-1] + numeric[mid]) / 2)
		} else {
			stats.Median = numeric[mid]
		}
	}

	for value, count := range counts {
		names := voters[value]
		sort.Strings(names)
		stats.Distribution = append(stats.Distribution, VoteDistribution{
			Value:      value,
			Count:      count,
			Percentage: roundTwo(float64(count) / float64(total) * 100),
			Voters:     names,
		})
	}

	sort.Slice(stats.Distribution, func(i, j int) bool {
		return voteLess(stats.Distribution[i].Value, stats.Distribution[j].Value)
	})

	return stats
}

// voteLess orders vote values ascending numerically, unknown always last.
func voteLess(a, b string) bool {
	if a == UnknownVote {
		return false
	}
	if b == UnknownVote {
		return true
	}
	fa, _ := strconv.ParseFloat(a, 64)
	fb, _ := strconv.ParseFloat(b, 64)
	return fa < fb
}

// Clone returns a deep copy of the statistics.
func (s *VoteStatistics) Clone() *VoteStatistics {
	cp := *s
	cp.Distribution = make([]VoteDistribution, len(s.Distribution))
	for i, d := range s.Distribution {
		cp.Distribution[i] = d
		cp.Distribution[i].Voters = append([]string(nil), d.Voters...)
	}
	return &cp
}

func roundTwo(f float64) float64 {
	return math.Round(f*100) / 100
}
