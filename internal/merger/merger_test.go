package merger

import (
	"math"
	"testing"

	"gwi.com/chat-insights/internal/analyzer"
)

func result(name string, scores analyzer.Scores, personality string) analyzer.Result {
	return analyzer.Result{name: {Scores: scores, Personality: personality}}
}

func TestCombineAveragesConfidences(t *testing.T) {
	t.Parallel()

	results := []analyzer.Result{
		result("Alice", analyzer.Scores{analyzer.Toxic: 0.40, analyzer.Humor: 0.1}, "Architect"),
		result("Alice", analyzer.Scores{analyzer.Toxic: 0.60}, "Mediator"),
		result("Bob", analyzer.Scores{analyzer.Toxic: 0.2}, "Consul"),
	}
	combined := Combine(results, nil)

	if got := combined["Alice"].Scores[analyzer.Toxic]; got != 0.5 {
		t.Fatalf("Toxic = %v, want 0.5", got)
	}
	if got := combined["Alice"].Scores[analyzer.Humor]; got != 0.1 {
		t.Fatalf("Humor = %v, want 0.1", got)
	}
	if got := combined["Alice"].Personality; got != "Architect" {
		t.Fatalf("tied personality = %q, want first seen Architect", got)
	}
	if got := combined["Bob"].Scores[analyzer.Toxic]; got != 0.2 {
		t.Fatalf("Bob Toxic = %v", got)
	}
}

func TestCombineMeanOfThree(t *testing.T) {
	t.Parallel()

	results := []analyzer.Result{
		result("A", analyzer.Scores{analyzer.Drugs: 0.1}, ""),
		result("A", analyzer.Scores{analyzer.Drugs: 0.2}, ""),
		result("A", analyzer.Scores{analyzer.Drugs: 0.6}, ""),
	}
	if got := Combine(results, nil)["A"].Scores[analyzer.Drugs]; got != 0.3 {
		t.Fatalf("Drugs = %v, want 0.3", got)
	}
}

func TestPersonalityTallySpansBatches(t *testing.T) {
	t.Parallel()

	tally := NewPersonalityTally()
	Combine([]analyzer.Result{result("A", nil, "Debater"), result("A", nil, "Debater")}, tally)
	second := Combine([]analyzer.Result{result("A", nil, "Virtuoso")}, tally)
	if got := second["A"].Personality; got != "Debater" {
		t.Fatalf("personality = %q, want run-level mode Debater", got)
	}
}

func TestMergeStrategies(t *testing.T) {
	t.Parallel()

	if got := (TwoWayMean{}).Merge(0.40, 0.60, 3); got != 0.5 {
		t.Fatalf("TwoWayMean = %v, want 0.5", got)
	}
	if got := (RunningMean{}).Merge(0.40, 0.80, 3); got != 0.5 {
		t.Fatalf("RunningMean = %v, want 0.5", got)
	}
	if _, err := StrategyByName("median"); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}

func TestMergeScores(t *testing.T) {
	t.Parallel()

	existing := analyzer.Scores{analyzer.Toxic: 0.4, analyzer.Humor: 0.9}
	incoming := analyzer.Scores{analyzer.Toxic: 0.6, analyzer.Sarcasm: 0.3}

	first := MergeScores(existing, incoming, 0, TwoWayMean{})
	if _, ok := first[analyzer.Humor]; ok || first[analyzer.Toxic] != 0.6 {
		t.Fatalf("first batch should replace: %v", first)
	}

	merged := MergeScores(existing, incoming, 1, TwoWayMean{})
	if merged[analyzer.Toxic] != 0.5 || merged[analyzer.Humor] != 0.9 || merged[analyzer.Sarcasm] != 0.3 {
		t.Fatalf("merged = %v", merged)
	}
}

func TestPercentageChange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		current, previous, want float64
	}{
		{10, 0, 0},
		{0, 0, 0},
		{15, 10, 50},
		{5, 10, -50},
		{0.5, 0.25, 100},
	}
	for _, tc := range tests {
		if got := PercentageChange(tc.current, tc.previous); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("PercentageChange(%v, %v) = %v, want %v", tc.current, tc.previous, got, tc.want)
		}
	}
}

func TestScoreChangesCoversEveryCategory(t *testing.T) {
	t.Parallel()

	changes := ScoreChanges(
		analyzer.Scores{analyzer.Humor: 0.6, analyzer.Finance: 0.1},
		analyzer.Scores{analyzer.Humor: 0.3, analyzer.Finance: 0.2},
	)
	if len(changes) != len(analyzer.Categories) {
		t.Fatalf("len = %d, want %d", len(changes), len(analyzer.Categories))
	}
	if math.Abs(changes[analyzer.Humor]-100) > 1e-9 {
		t.Fatalf("Humor change = %v, want 100", changes[analyzer.Humor])
	}
	if math.Abs(changes[analyzer.Finance]+50) > 1e-9 {
		t.Fatalf("Finance change = %v, want -50", changes[analyzer.Finance])
	}
}
