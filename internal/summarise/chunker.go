package summarise

import "strings"

// EstimateTokens approximates the model token count of text. Four characters
// per token is the usual English heuristic; exactness does not matter here,
// only that oversized inputs are reliably detected.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// ChunkByParagraph splits text into pieces each within tokenLimit by
// recursively bisecting at the paragraph boundary nearest the middle. Input
// within the limit comes back as a single chunk. A single paragraph that
// alone exceeds the limit is bisected at the sentence boundary nearest its
// middle, and as a last resort mid-text.
func ChunkByParagraph(text string, tokenLimit int) []string {
	if EstimateTokens(text) <= tokenLimit {
		return []string{text}
	}

	left, right, ok := bisect(text, "\n\n")
	if !ok {
		left, right, ok = bisect(text, ". ")
	}
	if !ok {
		mid := len(text) / 2
		left, right = text[:mid], text[mid:]
	}

	out := ChunkByParagraph(left, tokenLimit)
	return append(out, ChunkByParagraph(right, tokenLimit)...)
}

// bisect splits text at the sep occurrence nearest the middle. Returns false
// if sep does not occur anywhere useful.
func bisect(text, sep string) (string, string, bool) {
	mid := len(text) / 2

	before := strings.LastIndex(text[:mid], sep)
	after := strings.Index(text[mid:], sep)
	if after >= 0 {
		after += mid
	}

	cut := -1
	switch {
	case before < 0 && after < 0:
		return "", "", false
	case before < 0:
		cut = after
	case after < 0:
		cut = before
	case mid-before <= after-mid:
		cut = before
	default:
		cut = after
	}
	if cut <= 0 || cut+len(sep) >= len(text) {
		return "", "", false
	}
	return text[:cut], text[cut+len(sep):], true
}
