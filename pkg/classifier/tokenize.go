package classifier

import (
	"strings"
	"unicode"
)

// tokenize lowercases the input and splits it into alphanumeric word runs.
// Hyphenated clinical terms ("x-ray") split into their parts.
func tokenize(text string) []string {
	lower := strings.ToLower(text)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ngrams expands a token stream into all n-grams for n in [1, max], joined
// with a single space, matching the vectorizer's (1, n) ngram range.
func ngrams(tokens []string, max int) []string {
	if max <= 1 {
		return tokens
	}
	out := make([]string, 0, len(tokens)*max)
	for n := 1; n <= max; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			if n == 1 {
				out = append(out, tokens[i])
				continue
			}
			out = append(out, strings.Join(tokens[i:i+n], " "))
		}
	}
	return out
}
