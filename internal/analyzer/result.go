package analyzer

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

type Category string

const (
	Toxic                      Category = "Toxic"
	Drugs                      Category = "Drugs"
	Romantic                   Category = "Romantic"
	Profanity                  Category = "Profanity"
	Politics                   Category = "Politics"
	Finance                    Category = "Finance"
	Humor                      Category = "Humor"
	Sarcasm                    Category = "Sarcasm"
	ConversationInitiationRate Category = "Conversation Initiation Rate"
	EngagementScore            Category = "Engagement Score"

	personalityCategory = "Personality"
)

// Categories lists every confidence category in prompt order.
var Categories = []Category{
	Toxic, Drugs, Romantic, Profanity, Politics,
	Finance, Humor, Sarcasm, ConversationInitiationRate, EngagementScore,
}

// Personalities are the sixteen accepted personality labels.
var Personalities = []string{
	"Architect", "Logician", "Commander", "Debater",
	"Advocate", "Mediator", "Protagonist", "Campaigner",
	"Logistician", "Defender", "Executive", "Consul",
	"Virtuoso", "Adventurer", "Entrepreneur", "Entertainer",
}

func isCategory(name string) bool {
	for _, c := range Categories {
		if string(c) == name {
			return true
		}
	}
	return false
}

// Scores maps a category to a confidence in [0,1].
type Scores map[Category]float64

type ParticipantResult struct {
	Scores      Scores
	Personality string
}

// Result is one segment's analysis keyed by participant name.
type Result map[string]ParticipantResult

type rawCategory struct {
	Name       string   `json:"name"`
	Confidence *float64 `json:"confidence,omitempty"`
	Value      *string  `json:"value,omitempty"`
}

type rawParticipant struct {
	Categories []rawCategory `json:"categories"`
}

// ParseResult decodes and validates raw model output. Markdown fences are
// stripped and, failing a direct decode, the outermost {...} is tried.
// Every failure is a KindMalformedOutput error.
func ParseResult(raw string) (Result, error) {
	var decoded map[string]rawParticipant
	if err := decodeModelJSON(stripFences(raw), &decoded); err != nil {
		return nil, malformed(err)
	}
	if len(decoded) == 0 {
		return nil, malformed(fmt.Errorf("no participants in model output"))
	}

	out := make(Result, len(decoded))
	for name, p := range decoded {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, malformed(fmt.Errorf("empty participant name"))
		}
		pr := ParticipantResult{Scores: Scores{}}
		for _, c := range p.Categories {
			switch {
			case c.Name == personalityCategory:
				if c.Value == nil {
					return nil, malformed(fmt.Errorf("%s: personality without value", name))
				}
				label, ok := NormalizePersonality(*c.Value)
				if !ok {
					return nil, malformed(fmt.Errorf("%s: unknown personality %q", name, *c.Value))
				}
				pr.Personality = label
			case isCategory(c.Name):
				if c.Confidence == nil {
					return nil, malformed(fmt.Errorf("%s: %s without confidence", name, c.Name))
				}
				v := *c.Confidence
				if math.IsNaN(v) || v < 0 || v > 1 {
					return nil, malformed(fmt.Errorf("%s: %s confidence %v out of range", name, c.Name, v))
				}
				pr.Scores[Category(c.Name)] = Round2(v)
			default:
				return nil, malformed(fmt.Errorf("%s: unknown category %q", name, c.Name))
			}
		}
		out[name] = pr
	}
	return out, nil
}

// NormalizePersonality maps a model label onto one of Personalities,
// matching case-insensitively and then by substring ("The Architect").
func NormalizePersonality(v string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(v))
	if s == "" {
		return "", false
	}
	for _, p := range Personalities {
		if strings.ToLower(p) == s {
			return p, true
		}
	}
	for _, p := range Personalities {
		if strings.Contains(s, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func decodeModelJSON(outputText string, v any) error {
	s := strings.TrimSpace(outputText)
	if s == "" {
		return fmt.Errorf("empty model output")
	}
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end <= start {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}
	sub := s[start : end+1]
	if err := json.Unmarshal([]byte(sub), v); err != nil {
		return fmt.Errorf("failed to unmarshal extracted JSON (len=%d): %w", len(sub), err)
	}
	return nil
}
