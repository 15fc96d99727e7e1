package summarise

import (
	"sort"
	"strings"
	"unicode"
)

// ExtractiveModel is the model_used value recorded when the fallback
// produced the summary.
const ExtractiveModel = "extractive"

// Extractive produces a summary without a model: sentences are ranked by
// word frequency against the document's own vocabulary and the top ones are
// emitted in original order until maxLen is reached.
func Extractive(text string, maxLen int) string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}

	freq := make(map[string]int)
	for _, s := range sentences {
		for _, w := range words(s) {
			freq[w]++
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		ws := words(s)
		if len(ws) == 0 {
			ranked[i] = scored{idx: i}
			continue
		}
		total := 0
		for _, w := range ws {
			total += freq[w]
		}
		ranked[i] = scored{idx: i, score: float64(total) / float64(len(ws))}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	// Pick the best sentences, then restore document order.
	picked := make([]int, 0, len(ranked))
	length := 0
	for _, r := range ranked {
		s := sentences[r.idx]
		if length > 0 && length+len(s) > maxLen {
			continue
		}
		picked = append(picked, r.idx)
		length += len(s) + 1
		if length >= maxLen {
			break
		}
	}
	sort.Ints(picked)

	var b strings.Builder
	for i, idx := range picked {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(sentences[idx])
	}
	return b.String()
}

// splitSentences is a crude terminator-based splitter; good enough for
// ranking, not for linguistics.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(cur.String()); s != "" && s != "." {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Normalise canonicalises text for content-hash deduplication: lower-cased,
// punctuation stripped, whitespace collapsed. Two items that differ only in
// formatting hash identically.
func Normalise(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
