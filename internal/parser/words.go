package parser

import (
	"strings"
	"unicode"

	"github.com/forPelevin/gomoji"
	"github.com/rivo/uniseg"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var apostrophes = strings.NewReplacer("\u2019", "'", "\u2018", "'", "\u02bb", "'", "\u02b9", "'")

// Tokenize splits text on whitespace and returns the cleaned words worth
// counting plus the number of raw tokens. Words shorter than two characters
// and stop words are dropped from the first result but still counted.
func Tokenize(text string) ([]string, int) {
	fields := strings.Fields(text)
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		w := CleanWord(f)
		if len(w) < 2 || IsStopWord(w) {
			continue
		}
		words = append(words, w)
	}
	return words, len(fields)
}

// CleanWord strips diacritics and emoji, unifies apostrophes, lower-cases and
// keeps only [a-z0-9'].
func CleanWord(word string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, word)
	if err != nil {
		folded = word
	}
	folded = gomoji.RemoveEmojis(folded)
	folded = strings.ToLower(apostrophes.Replace(folded))

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '\'' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ExtractEmojis returns every emoji grapheme cluster in text, in order.
func ExtractEmojis(text string) []string {
	var out []string
	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		cluster := gr.Str()
		if isASCII(cluster) {
			continue
		}
		if gomoji.ContainsEmoji(cluster) {
			out = append(out, cluster)
		}
	}
	return out
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
