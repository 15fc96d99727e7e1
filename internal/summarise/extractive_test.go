package summarise

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractive_EmptyInput(t *testing.T) {
	assert.Empty(t, Extractive("", 200))
	assert.Empty(t, Extractive("   \n  ", 200))
}

func TestExtractive_SingleSentence(t *testing.T) {
	got := Extractive("Go ships a race detector.", 200)
	assert.Equal(t, "Go ships a race detector.", got)
}

func TestExtractive_PicksFrequentVocabulary(t *testing.T) {
	text := "The scheduler uses goroutines. The scheduler parks goroutines on channels. " +
		"Lunch was sandwiches today. The scheduler resumes goroutines after channels unblock."

	got := Extractive(text, 90)
	assert.Contains(t, got, "scheduler")
	assert.NotContains(t, got, "sandwiches", "off-topic sentence ranks lowest")
}

func TestExtractive_PreservesDocumentOrder(t *testing.T) {
	text := "Alpha beta gamma delta. Alpha beta gamma. Alpha beta."

	got := Extractive(text, len(text))
	first := strings.Index(got, "Alpha beta gamma delta.")
	second := strings.Index(got, "Alpha beta gamma.")
	assert.GreaterOrEqual(t, first, 0)
	assert.Greater(t, second, first, "selected sentences keep original order")
}

func TestExtractive_RespectsMaxLen(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 20; i++ {
		b.WriteString("This sentence repeats the same words again and again. ")
	}

	got := Extractive(b.String(), 120)
	assert.LessOrEqual(t, len(got), 120+60, "one sentence of slack at most")
	assert.NotEmpty(t, got)
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("First one. Second one! Third one?\nFourth one")
	assert.Equal(t, []string{"First one.", "Second one!", "Third one?", "Fourth one"}, got)
}

func TestNormalise(t *testing.T) {
	assert.Equal(t, "hello world", Normalise("  Hello,   WORLD!  "))
	assert.Equal(t, "a b c", Normalise("a.b.c"))
	assert.Equal(t, Normalise("Go 1.22 is out"), Normalise("go 1 22  is OUT!!"))
	assert.Empty(t, Normalise("..."))
}
