package relevance

import (
	"strings"
	"unicode"
)

// KeywordScore counts case-insensitive topic keyword occurrences in text,
// normalised by the text's token count and clamped to [0,1]. A topic may be
// a multi-word phrase; each word counts independently so partial phrase
// matches still score.
func KeywordScore(text string, topic string) float64 {
	tokens := tokenise(text)
	if len(tokens) == 0 {
		return 0
	}

	keywords := tokenise(topic)
	if len(keywords) == 0 {
		return 0
	}
	wanted := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		wanted[k] = struct{}{}
	}

	matches := 0
	for _, tok := range tokens {
		if _, ok := wanted[tok]; ok {
			matches++
		}
	}

	score := float64(matches) / float64(len(tokens))
	// Raw frequency is tiny for long texts; scale so a few hits in a normal
	// post land in a useful range. 10 hits per 100 tokens saturates.
	score *= 10
	if score > 1 {
		score = 1
	}
	return score
}

// tokenise lower-cases and splits on any non-letter, non-digit rune.
func tokenise(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
