package alert

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/threadpulse-io/threadpulse/internal/db"
)

// digestItem is one summary rendered into a digest.
type digestItem struct {
	Topic      string
	Summary    string
	ModelUsed  string
	Confidence float64
}

// digestData feeds the HTML template. html/template autoescapes every
// field, so summary text cannot inject markup into the email.
type digestData struct {
	Title       string
	GeneratedAt string
	Items       []digestItem
}

var emailTemplate = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; max-width: 640px; margin: 0 auto;">
  <h2>{{.Title}}</h2>
  <p style="color: #666;">Generated {{.GeneratedAt}}</p>
  {{range .Items}}
  <div style="border-left: 3px solid #4a7dff; padding: 8px 12px; margin: 12px 0;">
    <p style="margin: 0 0 4px; font-weight: bold;">{{.Topic}}</p>
    <p style="margin: 0;">{{.Summary}}</p>
    <p style="margin: 4px 0 0; color: #999; font-size: 12px;">{{.ModelUsed}} · confidence {{printf "%.2f" .Confidence}}</p>
  </div>
  {{end}}
</body>
</html>`))

// renderEmail produces the HTML digest body for a batch.
func renderEmail(batchTitle string, summaries []db.SummaryRecord, topics map[int64]string) (string, error) {
	data := digestData{
		Title:       batchTitle,
		GeneratedAt: time.Now().UTC().Format(time.RFC1123),
		Items:       make([]digestItem, 0, len(summaries)),
	}
	for _, s := range summaries {
		data.Items = append(data.Items, digestItem{
			Topic:      topics[s.FilterID],
			Summary:    s.SummaryText,
			ModelUsed:  s.ModelUsed,
			Confidence: s.Confidence,
		})
	}

	var b strings.Builder
	if err := emailTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("alert: render email: %w", err)
	}
	return b.String(), nil
}

// renderSlack produces the plain-text digest for the Slack webhook.
func renderSlack(batchTitle string, summaries []db.SummaryRecord, topics map[int64]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", batchTitle)
	for _, s := range summaries {
		topic := topics[s.FilterID]
		if topic != "" {
			fmt.Fprintf(&b, "\n• *%s*: %s", topic, s.SummaryText)
		} else {
			fmt.Fprintf(&b, "\n• %s", s.SummaryText)
		}
	}
	return b.String()
}
