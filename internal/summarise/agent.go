package summarise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/threadpulse-io/threadpulse/internal/agent"
	"github.com/threadpulse-io/threadpulse/internal/breaker"
	"github.com/threadpulse-io/threadpulse/internal/db"
	"github.com/threadpulse-io/threadpulse/internal/fault"
	"github.com/threadpulse-io/threadpulse/internal/protocol"
	"github.com/threadpulse-io/threadpulse/internal/repositories"
	"github.com/threadpulse-io/threadpulse/internal/retry"
)

// DefaultMaxLen is the target summary length in characters when the caller
// does not specify one.
const DefaultMaxLen = 600

// Agent holds the Summarise role's collaborators.
type Agent struct {
	base       *agent.Base
	summariser Summariser
	model      string
	tokenLimit int
	content    repositories.ContentRepository
	filters    repositories.FilterRepository
	summaries  repositories.SummaryRepository
	breaker    *breaker.Breaker
	retryCfg   retry.Config
	clock      clockwork.Clock
	logger     *zap.Logger
}

// New wires the Summarise agent and registers summarise_content. model is
// the identifier recorded on LLM-produced summaries; tokenLimit is the
// model's input budget that triggers chunking.
func New(base *agent.Base, summariser Summariser, model string, tokenLimit int, content repositories.ContentRepository, filters repositories.FilterRepository, summaries repositories.SummaryRepository, br *breaker.Breaker, retryCfg retry.Config, clock clockwork.Clock, logger *zap.Logger) *Agent {
	a := &Agent{
		base:       base,
		summariser: summariser,
		model:      model,
		tokenLimit: tokenLimit,
		content:    content,
		filters:    filters,
		summaries:  summaries,
		breaker:    br,
		retryCfg:   retryCfg,
		clock:      clock,
		logger:     logger,
	}

	base.Register(agent.Skill{
		Descriptor: protocol.SkillDescriptor{
			ID:          "summarise_content",
			Name:        "Summarise content",
			Description: "Produce a deduplicated summary of a relevant content item.",
			Tags:        []string{"summarise", "llm"},
			InputModes:  []string{"application/json"},
			OutputModes: []string{"application/json"},
		},
		Handler: a.summariseContent,
	})
	return a
}

// SummariseParams are the summarise_content parameters. Content is either
// inline or resolved from the filter record's item; FilterID additionally
// attaches the produced summary to that record.
type SummariseParams struct {
	Content     string `json:"content,omitempty"`
	ContentType string `json:"contentType" validate:"required,oneof=post comment batch"`
	MaxLen      int    `json:"maxLen" validate:"omitempty,min=50,max=4000"`
	FilterID    int64  `json:"filterId,omitempty"`
}

// SummariseResult is the summarise_content result.
type SummariseResult struct {
	Summary          string  `json:"summary"`
	ModelUsed        string  `json:"model_used"`
	CompressionRatio float64 `json:"compression_ratio"`
	Confidence       float64 `json:"confidence"`
	SummaryID        int64   `json:"summary_id,omitempty"`
	Deduplicated     bool    `json:"deduplicated"`
}

func (a *Agent) summariseContent(ctx context.Context, raw json.RawMessage) (any, error) {
	var p SummariseParams
	if err := a.base.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.MaxLen == 0 {
		p.MaxLen = DefaultMaxLen
	}

	text := p.Content
	if text == "" {
		if p.FilterID == 0 {
			return nil, errors.New("summarise: either content or filterId is required")
		}
		var err error
		text, err = a.filterItemText(ctx, p.FilterID)
		if err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("summarise: content is empty")
	}

	// Dedup before any model call: identical normalised content reuses the
	// summary produced the first time, across cycles.
	contentHash := protocol.HashContent(Normalise(text))
	if existing, err := a.summaries.GetByContentHash(ctx, contentHash); err == nil {
		a.logger.Info("content dedup hit", zap.String("hash", contentHash[:12]))
		return SummariseResult{
			Summary:          existing.SummaryText,
			ModelUsed:        existing.ModelUsed,
			CompressionRatio: existing.CompressionRatio,
			Confidence:       existing.Confidence,
			SummaryID:        existing.ID,
			Deduplicated:     true,
		}, nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}

	summary, modelUsed := a.produce(ctx, text, p.MaxLen)
	confidence := 0.9
	if modelUsed == ExtractiveModel {
		confidence = 0.3
	}
	ratio := 0.0
	if len(text) > 0 {
		ratio = float64(len(summary)) / float64(len(text))
	}

	result := SummariseResult{
		Summary:          summary,
		ModelUsed:        modelUsed,
		CompressionRatio: ratio,
		Confidence:       confidence,
	}

	if p.FilterID != 0 {
		record := &db.SummaryRecord{
			FilterID:         p.FilterID,
			SummaryText:      summary,
			ModelUsed:        modelUsed,
			CompressionRatio: ratio,
			Confidence:       confidence,
		}
		if err := a.summaries.CreateWithDedup(ctx, record, contentHash); err != nil {
			if errors.Is(err, repositories.ErrConflict) {
				// Replayed task: the filter already has its summary.
				existing, gerr := a.summaries.GetByFilterID(ctx, p.FilterID)
				if gerr != nil {
					return nil, gerr
				}
				result.Summary = existing.SummaryText
				result.ModelUsed = existing.ModelUsed
				result.CompressionRatio = existing.CompressionRatio
				result.Confidence = existing.Confidence
				result.SummaryID = existing.ID
				result.Deduplicated = true
				return result, nil
			}
			return nil, err
		}
		result.SummaryID = record.ID
	}
	return result, nil
}

// produce runs the summarisation pipeline: chunk if oversized, model first,
// extractive on any model failure. Never returns an error; the fallback
// always yields something.
func (a *Agent) produce(ctx context.Context, text string, maxLen int) (summary, modelUsed string) {
	chunks := ChunkByParagraph(text, a.tokenLimit)

	if len(chunks) == 1 {
		out, err := a.modelSummarise(ctx, text, maxLen)
		if err != nil {
			a.logger.Warn("model summarisation failed, falling back to extractive", zap.Error(err))
			return Extractive(text, maxLen), ExtractiveModel
		}
		return out, a.model
	}

	// Oversized: summarise each chunk, then summarise the concatenation.
	parts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		out, err := a.modelSummarise(ctx, chunk, maxLen)
		if err != nil {
			a.logger.Warn("chunk summarisation failed, falling back to extractive", zap.Error(err))
			return Extractive(text, maxLen), ExtractiveModel
		}
		parts = append(parts, out)
	}
	combined := strings.Join(parts, "\n\n")
	out, err := a.modelSummarise(ctx, combined, maxLen)
	if err != nil {
		a.logger.Warn("recombination summarisation failed, falling back to extractive", zap.Error(err))
		return Extractive(text, maxLen), ExtractiveModel
	}
	return out, a.model
}

// modelSummarise is one model call through the breaker and retry layers.
func (a *Agent) modelSummarise(ctx context.Context, text string, maxLen int) (string, error) {
	var out string
	err := retry.Do(ctx, a.retryCfg, a.clock, func(ctx context.Context) error {
		return a.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = a.summariser.Summarise(ctx, text, maxLen)
			if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrUnavailable) {
				return fault.Wrap(fault.KindTransient, err, "model unavailable")
			}
			return err
		})
	})
	return out, err
}

// filterItemText resolves the text of the item a filter record scored.
func (a *Agent) filterItemText(ctx context.Context, filterID int64) (string, error) {
	record, err := a.filters.Get(ctx, filterID)
	if err != nil {
		return "", fmt.Errorf("summarise: load filter %d: %w", filterID, err)
	}
	switch record.ItemVariant {
	case db.VariantPost:
		post, err := a.content.GetPost(ctx, record.ItemID)
		if err != nil {
			return "", fmt.Errorf("summarise: load post %d: %w", record.ItemID, err)
		}
		return post.Title + "\n\n" + post.Body, nil
	case db.VariantComment:
		comment, err := a.content.GetComment(ctx, record.ItemID)
		if err != nil {
			return "", fmt.Errorf("summarise: load comment %d: %w", record.ItemID, err)
		}
		return comment.Body, nil
	default:
		return "", fmt.Errorf("summarise: unknown item variant %q", record.ItemVariant)
	}
}
