package alert

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadpulse-io/threadpulse/internal/db"
)

func sampleSummaries() ([]db.SummaryRecord, map[int64]string) {
	summaries := []db.SummaryRecord{
		{FilterID: 1, SummaryText: "Go 1.25 release discussion", ModelUsed: "claude-sonnet", Confidence: 0.92},
		{FilterID: 2, SummaryText: "Generics performance thread", ModelUsed: "extractive", Confidence: 0.5},
	}
	topics := map[int64]string{1: "golang", 2: "performance"}
	return summaries, topics
}

func TestRenderSlack(t *testing.T) {
	summaries, topics := sampleSummaries()

	got := renderSlack("Daily digest", summaries, topics)
	assert.True(t, strings.HasPrefix(got, "*Daily digest*\n"))
	assert.Contains(t, got, "• *golang*: Go 1.25 release discussion")
	assert.Contains(t, got, "• *performance*: Generics performance thread")
}

func TestRenderSlack_MissingTopicOmitsLabel(t *testing.T) {
	summaries, _ := sampleSummaries()

	got := renderSlack("Daily digest", summaries, nil)
	assert.Contains(t, got, "• Go 1.25 release discussion")
	assert.NotContains(t, got, "• **")
}

func TestRenderEmail(t *testing.T) {
	summaries, topics := sampleSummaries()

	got, err := renderEmail("Daily digest", summaries, topics)
	require.NoError(t, err)
	assert.Contains(t, got, "<h2>Daily digest</h2>")
	assert.Contains(t, got, "Go 1.25 release discussion")
	assert.Contains(t, got, "golang")
	assert.Contains(t, got, "confidence 0.92")
}

func TestRenderEmail_EscapesHostileSummaryText(t *testing.T) {
	summaries := []db.SummaryRecord{
		{FilterID: 1, SummaryText: `<script>alert("x")</script>`, ModelUsed: "claude-sonnet", Confidence: 0.9},
	}

	got, err := renderEmail("Digest", summaries, map[int64]string{1: "<b>topic</b>"})
	require.NoError(t, err)
	assert.NotContains(t, got, "<script>")
	assert.NotContains(t, got, "<b>topic</b>")
	assert.Contains(t, got, "&lt;script&gt;")
}
