// Package summarise implements the Summarise agent: LLM-backed condensation
// of relevant content with content-hash deduplication, recursive chunking
// for oversized inputs, and an extractive fallback when the model is
// unavailable.
package summarise

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/threadpulse-io/threadpulse/internal/fault"
)

// Sentinel errors a Summariser implementation raises. Both trigger the
// extractive fallback after the retry budget runs out.
var (
	ErrQuotaExceeded = errors.New("summariser: quota exceeded")
	ErrUnavailable   = errors.New("summariser: unavailable")
)

// Summariser is the narrow LLM interface the agent consumes. maxLen is the
// target summary length in characters; implementations treat it as advisory.
type Summariser interface {
	Summarise(ctx context.Context, text string, maxLen int) (string, error)
}

// LLMSummariser calls a chat-completions style API.
type LLMSummariser struct {
	baseURL string
	token   string
	model   string
	client  *http.Client
}

// NewLLMSummariser creates a summariser against baseURL using model.
func NewLLMSummariser(baseURL, token, model string) *LLMSummariser {
	return &LLMSummariser{
		baseURL: baseURL,
		token:   token,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Model returns the configured model identifier, recorded in summary rows.
func (s *LLMSummariser) Model() string { return s.model }

const systemPrompt = "Summarise the following discussion content faithfully and concisely. " +
	"Keep concrete facts, names and numbers. Do not editorialise."

// Summarise requests one completion.
func (s *LLMSummariser) Summarise(ctx context.Context, text string, maxLen int) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model": s.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": text},
		},
		"max_tokens": maxLen / 3, // rough chars-to-tokens conversion
	})
	if err != nil {
		return "", fault.Wrap(fault.KindFatal, err, "summariser: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fault.Wrap(fault.KindFatal, err, "summariser: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.KindTransient, err, "summariser: request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", ErrQuotaExceeded
	case resp.StatusCode >= 500:
		return "", ErrUnavailable
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fault.Wrap(fault.KindFatal,
			&fault.HTTPStatusError{StatusCode: resp.StatusCode, Message: string(msg)},
			"summariser: request")
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fault.Wrap(fault.KindTransient, err, "summariser: decode")
	}
	if len(parsed.Choices) == 0 {
		return "", ErrUnavailable
	}
	return parsed.Choices[0].Message.Content, nil
}
