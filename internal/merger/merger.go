// Package merger combines per-segment model results and computes changes
// against earlier runs. Nothing here does I/O.
package merger

import (
	"fmt"
	"math"

	"gwi.com/chat-insights/internal/analyzer"
)

// PersonalityTally counts personality votes per participant across a run.
// Ties go to the label that was voted for first.
type PersonalityTally struct {
	counts map[string]map[string]int
	order  map[string][]string
}

func NewPersonalityTally() *PersonalityTally {
	return &PersonalityTally{
		counts: map[string]map[string]int{},
		order:  map[string][]string{},
	}
}

func (t *PersonalityTally) Vote(participant, label string) {
	if label == "" {
		return
	}
	c, ok := t.counts[participant]
	if !ok {
		c = map[string]int{}
		t.counts[participant] = c
	}
	if c[label] == 0 {
		t.order[participant] = append(t.order[participant], label)
	}
	c[label]++
}

// Mode returns the most voted label, or "" when nobody voted.
func (t *PersonalityTally) Mode(participant string) string {
	best, bestCount := "", 0
	for _, label := range t.order[participant] {
		if n := t.counts[participant][label]; n > bestCount {
			best, bestCount = label, n
		}
	}
	return best
}

// Combine folds one batch of segment results into a single result. Each
// category is the mean of the values reported for it, rounded to two
// decimals. Personality votes go into tally and the run-wide mode is used.
func Combine(results []analyzer.Result, tally *PersonalityTally) analyzer.Result {
	if tally == nil {
		tally = NewPersonalityTally()
	}
	type acc struct {
		sum   map[analyzer.Category]float64
		count map[analyzer.Category]int
	}
	accs := map[string]*acc{}
	var names []string

	for _, res := range results {
		for name, pr := range res {
			a, ok := accs[name]
			if !ok {
				a = &acc{sum: map[analyzer.Category]float64{}, count: map[analyzer.Category]int{}}
				accs[name] = a
				names = append(names, name)
			}
			for cat, v := range pr.Scores {
				a.sum[cat] += v
				a.count[cat]++
			}
			tally.Vote(name, pr.Personality)
		}
	}

	out := make(analyzer.Result, len(names))
	for _, name := range names {
		a := accs[name]
		scores := make(analyzer.Scores, len(a.sum))
		for cat, sum := range a.sum {
			scores[cat] = analyzer.Round2(sum / float64(a.count[cat]))
		}
		out[name] = analyzer.ParticipantResult{Scores: scores, Personality: tally.Mode(name)}
	}
	return out
}

// MergeStrategy folds a new batch value into the value persisted by earlier
// batches of the same run. merged is how many batches the existing value
// already reflects.
type MergeStrategy interface {
	Merge(existing, incoming float64, merged int) float64
}

// TwoWayMean averages the stored and new values with equal weight, so later
// batches move the value less and less.
type TwoWayMean struct{}

func (TwoWayMean) Merge(existing, incoming float64, merged int) float64 {
	return analyzer.Round2((existing + incoming) / 2)
}

// RunningMean weights the stored value by the number of batches behind it.
type RunningMean struct{}

func (RunningMean) Merge(existing, incoming float64, merged int) float64 {
	if merged < 1 {
		merged = 1
	}
	return analyzer.Round2((existing*float64(merged) + incoming) / float64(merged+1))
}

func StrategyByName(name string) (MergeStrategy, error) {
	switch name {
	case "", "two_way_mean":
		return TwoWayMean{}, nil
	case "running_mean":
		return RunningMean{}, nil
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", name)
	}
}

// MergeScores merges incoming into existing. When merged is zero the
// incoming scores are taken as they are. Categories missing from incoming
// keep their existing value.
func MergeScores(existing, incoming analyzer.Scores, merged int, strategy MergeStrategy) analyzer.Scores {
	out := make(analyzer.Scores, len(analyzer.Categories))
	if merged == 0 {
		for cat, v := range incoming {
			out[cat] = v
		}
		return out
	}
	for cat, v := range existing {
		out[cat] = v
	}
	for cat, v := range incoming {
		if prev, ok := existing[cat]; ok {
			out[cat] = strategy.Merge(prev, v, merged)
		} else {
			out[cat] = v
		}
	}
	return out
}

// PercentageChange is (current-previous)/previous*100, or 0 when previous
// is 0.
func PercentageChange(current, previous float64) float64 {
	if previous == 0 || math.IsNaN(previous) {
		return 0
	}
	return (current - previous) / previous * 100
}

// ScoreChanges returns the percentage change of every category.
func ScoreChanges(current, previous analyzer.Scores) analyzer.Scores {
	out := make(analyzer.Scores, len(analyzer.Categories))
	for _, cat := range analyzer.Categories {
		out[cat] = PercentageChange(current[cat], previous[cat])
	}
	return out
}
