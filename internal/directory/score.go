package directory

import (
	"regexp"
	"strings"
)

// Scorer rates how relevant a description is to a query. Higher is better;
// zero means unrelated.
type Scorer interface {
	Score(query, description string) int
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(query, description string) int

// Score implements Scorer.
func (f ScorerFunc) Score(query, description string) int { return f(query, description) }

// WordOverlap counts the distinct topic words shared by query and description.
type WordOverlap struct{}

// Score implements Scorer.
func (WordOverlap) Score(query, description string) int {
	topics := make(map[string]bool)
	for _, w := range tokenize(query) {
		topics[w] = true
	}
	n := 0
	for _, w := range tokenize(description) {
		if topics[w] {
			n++
		}
	}
	return n
}

var wordRegex = regexp.MustCompile(`[a-z0-9]+`)

// stopWords are common words that carry no topic
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"should": true, "could": true, "can": true, "to": true, "of": true,
	"in": true, "for": true, "on": true, "it": true, "that": true,
	"this": true, "with": true, "at": true, "by": true, "from": true,
	"as": true, "into": true, "like": true, "test": true, "part": true,
}

// tokenize extracts distinct topic words from text.
func tokenize(text string) []string {
	words := wordRegex.FindAllString(strings.ToLower(text), -1)

	seen := make(map[string]bool)
	result := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) > 2 && !seen[w] && !stopWords[w] {
			seen[w] = true
			result = append(result, w)
		}
	}
	return result
}
