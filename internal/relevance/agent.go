package relevance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/threadpulse-io/threadpulse/internal/agent"
	"github.com/threadpulse-io/threadpulse/internal/breaker"
	"github.com/threadpulse-io/threadpulse/internal/db"
	"github.com/threadpulse-io/threadpulse/internal/protocol"
	"github.com/threadpulse-io/threadpulse/internal/repositories"
	"github.com/threadpulse-io/threadpulse/internal/retry"
)

// Defaults applied when the caller omits threshold or weights.
const (
	DefaultThreshold      = 0.7
	DefaultKeywordWeight  = 0.4
	DefaultSemanticWeight = 0.6
)

// Agent holds the Filter role's collaborators.
type Agent struct {
	base     *agent.Base
	embedder Embedder
	cache    *embeddingCache
	content  repositories.ContentRepository
	filters  repositories.FilterRepository
	breaker  *breaker.Breaker
	retryCfg retry.Config
	clock    clockwork.Clock
	workers  int
	logger   *zap.Logger
}

// New wires the Filter agent and registers filter_content.
func New(base *agent.Base, embedder Embedder, content repositories.ContentRepository, filters repositories.FilterRepository, br *breaker.Breaker, retryCfg retry.Config, clock clockwork.Clock, logger *zap.Logger) *Agent {
	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4
	}
	a := &Agent{
		base:     base,
		embedder: embedder,
		cache:    newEmbeddingCache(),
		content:  content,
		filters:  filters,
		breaker:  br,
		retryCfg: retryCfg,
		clock:    clock,
		workers:  workers,
		logger:   logger,
	}

	base.Register(agent.Skill{
		Descriptor: protocol.SkillDescriptor{
			ID:          "filter_content",
			Name:        "Filter content",
			Description: "Score content items against topics and record relevance verdicts.",
			Tags:        []string{"filter", "relevance"},
			InputModes:  []string{"application/json"},
			OutputModes: []string{"application/json"},
		},
		Handler: a.filterContent,
	})
	return a
}

// ItemRef identifies one stored content item.
type ItemRef struct {
	Variant string `json:"variant" validate:"required,oneof=post comment"`
	ID      int64  `json:"id" validate:"required"`
}

// Weights are the combination weights for the two scores.
type Weights struct {
	Keyword  float64 `json:"keyword" validate:"min=0,max=1"`
	Semantic float64 `json:"semantic" validate:"min=0,max=1"`
}

// FilterParams are the filter_content parameters.
type FilterParams struct {
	Items     []ItemRef `json:"items" validate:"required,min=1,dive"`
	Topics    []string  `json:"topics" validate:"required,min=1"`
	Threshold *float64  `json:"threshold" validate:"omitempty,min=0,max=1"`
	Weights   *Weights  `json:"weights,omitempty"`
}

// RecordView is one verdict in the filter_content result.
type RecordView struct {
	ItemRef       ItemRef `json:"item_ref"`
	Topic         string  `json:"topic"`
	KeywordScore  float64 `json:"keyword_score"`
	SemanticScore float64 `json:"semantic_score"`
	CombinedScore float64 `json:"combined_score"`
	IsRelevant    bool    `json:"is_relevant"`
}

// FilterResult is the filter_content result.
type FilterResult struct {
	Records []RecordView `json:"records"`
}

func (a *Agent) filterContent(ctx context.Context, raw json.RawMessage) (any, error) {
	var p FilterParams
	if err := a.base.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	threshold := DefaultThreshold
	if p.Threshold != nil {
		threshold = *p.Threshold
	}
	weights := Weights{Keyword: DefaultKeywordWeight, Semantic: DefaultSemanticWeight}
	if p.Weights != nil {
		weights = *p.Weights
	}

	topicVectors, err := a.topicEmbeddings(ctx, p.Topics)
	if err != nil {
		// Semantic scoring is unavailable; keyword-only still produces
		// verdicts rather than stalling the whole stage.
		a.logger.Warn("topic embeddings unavailable, scoring keyword-only", zap.Error(err))
		topicVectors = nil
	}

	records := make([]RecordView, len(p.Items))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, item := range p.Items {
		i, item := i, item
		g.Go(func() error {
			view, err := a.scoreItem(gctx, item, p.Topics, topicVectors, weights, threshold)
			if err != nil {
				return err
			}
			mu.Lock()
			records[i] = view
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return FilterResult{Records: records}, nil
}

// scoreItem loads the item's text, scores it against every topic, keeps the
// best topic, and persists the verdict. A pre-existing verdict for the item
// is returned as-is: records are written once.
func (a *Agent) scoreItem(ctx context.Context, item ItemRef, topics []string, topicVectors [][]float32, weights Weights, threshold float64) (RecordView, error) {
	text, err := a.itemText(ctx, item)
	if err != nil {
		return RecordView{}, err
	}

	var itemVector []float32
	if topicVectors != nil {
		itemVector, err = a.embed(ctx, text)
		if err != nil {
			a.logger.Warn("item embedding failed, scoring keyword-only",
				zap.String("variant", item.Variant), zap.Int64("id", item.ID), zap.Error(err))
			itemVector = nil
		}
	}

	best := RecordView{ItemRef: item}
	for i, topic := range topics {
		keyword := KeywordScore(text, topic)
		semantic := 0.0
		if itemVector != nil && i < len(topicVectors) {
			semantic = Cosine(itemVector, topicVectors[i])
		}
		combined := weights.Keyword*keyword + weights.Semantic*semantic
		if best.Topic == "" || combined > best.CombinedScore {
			best.Topic = topic
			best.KeywordScore = keyword
			best.SemanticScore = semantic
			best.CombinedScore = combined
		}
	}
	// Exactly at threshold counts as relevant.
	best.IsRelevant = best.CombinedScore >= threshold

	record := &db.FilterRecord{
		ItemVariant:   item.Variant,
		ItemID:        item.ID,
		Topic:         best.Topic,
		KeywordScore:  best.KeywordScore,
		SemanticScore: best.SemanticScore,
		CombinedScore: best.CombinedScore,
		IsRelevant:    best.IsRelevant,
	}
	if err := a.filters.Create(ctx, record); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			existing, gerr := a.filters.GetByItem(ctx, item.Variant, item.ID)
			if gerr != nil {
				return RecordView{}, gerr
			}
			return RecordView{
				ItemRef:       item,
				Topic:         existing.Topic,
				KeywordScore:  existing.KeywordScore,
				SemanticScore: existing.SemanticScore,
				CombinedScore: existing.CombinedScore,
				IsRelevant:    existing.IsRelevant,
			}, nil
		}
		return RecordView{}, err
	}
	return best, nil
}

// itemText assembles the scoreable text of an item.
func (a *Agent) itemText(ctx context.Context, item ItemRef) (string, error) {
	switch item.Variant {
	case db.VariantPost:
		post, err := a.content.GetPost(ctx, item.ID)
		if err != nil {
			return "", fmt.Errorf("filter: load post %d: %w", item.ID, err)
		}
		return post.Title + "\n" + post.Body, nil
	case db.VariantComment:
		comment, err := a.content.GetComment(ctx, item.ID)
		if err != nil {
			return "", fmt.Errorf("filter: load comment %d: %w", item.ID, err)
		}
		return comment.Body, nil
	default:
		return "", fmt.Errorf("filter: unknown item variant %q", item.Variant)
	}
}

// topicEmbeddings encodes all topics, serving from the cache where possible.
func (a *Agent) topicEmbeddings(ctx context.Context, topics []string) ([][]float32, error) {
	vectors := make([][]float32, len(topics))
	var missing []string
	var missingIdx []int
	for i, topic := range topics {
		if v, ok := a.cache.get(topic); ok {
			vectors[i] = v
			continue
		}
		missing = append(missing, topic)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	var encoded [][]float32
	err := retry.Do(ctx, a.retryCfg, a.clock, func(ctx context.Context) error {
		return a.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			encoded, err = a.embedder.Encode(ctx, missing)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	for j, idx := range missingIdx {
		vectors[idx] = encoded[j]
		a.cache.put(missing[j], encoded[j])
	}
	return vectors, nil
}

// embed encodes one text through the cache, breaker and retry layers.
func (a *Agent) embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := a.cache.get(text); ok {
		return v, nil
	}
	var encoded [][]float32
	err := retry.Do(ctx, a.retryCfg, a.clock, func(ctx context.Context) error {
		return a.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			encoded, err = a.embedder.Encode(ctx, []string{text})
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	a.cache.put(text, encoded[0])
	return encoded[0], nil
}
