package relevance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/threadpulse-io/threadpulse/internal/agent"
	"github.com/threadpulse-io/threadpulse/internal/breaker"
	"github.com/threadpulse-io/threadpulse/internal/db"
	"github.com/threadpulse-io/threadpulse/internal/metrics"
	"github.com/threadpulse-io/threadpulse/internal/protocol"
	"github.com/threadpulse-io/threadpulse/internal/repositories"
	"github.com/threadpulse-io/threadpulse/internal/retry"
)

// fakeEmbedder returns one canned vector per input text, or a scripted error.
type fakeEmbedder struct {
	mu     sync.Mutex
	calls  int
	vector []float32
	err    error
}

func (f *fakeEmbedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = f.vector
	}
	return out, nil
}

func newFilterAgent(t *testing.T, embedder Embedder) (*agent.Base, *gorm.DB) {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	retryCfg := retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Factor: 2}
	base := agent.NewBase("filter", "test", protocol.AgentCard{Name: "filter"},
		repositories.NewTaskRepository(database), retryCfg, metrics.New(), zap.NewNop())

	New(base, embedder,
		repositories.NewContentRepository(database),
		repositories.NewFilterRepository(database),
		breaker.New("embedding-api", breaker.Config{}, clockwork.NewRealClock()),
		retryCfg, clockwork.NewRealClock(), zap.NewNop())
	return base, database
}

func runFilter(t *testing.T, base *agent.Base, params FilterParams) FilterResult {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	send, err := json.Marshal(agent.SendParams{Skill: "filter_content", Parameters: raw, WorkflowID: uuid.New()})
	require.NoError(t, err)

	resp := base.HandleRequest(context.Background(), &protocol.Request{
		JSONRPC: protocol.Version,
		Method:  protocol.MethodMessageSend,
		Params:  send,
		ID:      json.RawMessage(`1`),
	})
	require.Nil(t, resp.Error)

	var view agent.TaskView
	require.NoError(t, json.Unmarshal(resp.Result, &view))
	require.Equal(t, db.TaskCompleted, view.Status, view.Error)

	var result FilterResult
	require.NoError(t, json.Unmarshal(view.Result, &result))
	return result
}

func seedPost(t *testing.T, database *gorm.DB, externalID, title, body string) int64 {
	t.Helper()
	content := repositories.NewContentRepository(database)
	_, err := content.UpsertPosts(context.Background(), []db.Post{{
		ExternalID: externalID, Title: title, Body: body,
		Community: "golang", PostedAt: time.Unix(1700000000, 0).UTC(),
	}})
	require.NoError(t, err)
	post, err := content.GetPostByExternalID(context.Background(), externalID)
	require.NoError(t, err)
	return post.ID
}

func TestAgent_FilterContent_ScoreAtThresholdIsRelevant(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	base, database := newFilterAgent(t, embedder)

	// One topic hit in 20 tokens scores exactly 0.5; with keyword weight 1
	// the combined score lands exactly on the threshold.
	hit := seedPost(t, database, "hit", "golang",
		"one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen seventeen eighteen nineteen")
	miss := seedPost(t, database, "miss", "nothing here", "totally unrelated words only")

	threshold := 0.5
	result := runFilter(t, base, FilterParams{
		Items:     []ItemRef{{Variant: db.VariantPost, ID: hit}, {Variant: db.VariantPost, ID: miss}},
		Topics:    []string{"golang"},
		Threshold: &threshold,
		Weights:   &Weights{Keyword: 1, Semantic: 0},
	})
	require.Len(t, result.Records, 2)

	assert.Equal(t, 0.5, result.Records[0].CombinedScore)
	assert.True(t, result.Records[0].IsRelevant, "a score equal to the threshold is relevant")
	assert.False(t, result.Records[1].IsRelevant)

	filters := repositories.NewFilterRepository(database)
	stored, err := filters.GetByItem(context.Background(), db.VariantPost, hit)
	require.NoError(t, err)
	assert.True(t, stored.IsRelevant)
}

func TestAgent_FilterContent_EmbedderOutageDegradesToKeywordOnly(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("embedding service down")}
	base, database := newFilterAgent(t, embedder)

	id := seedPost(t, database, "p1", "golang golang golang", "")

	threshold := 0.3
	result := runFilter(t, base, FilterParams{
		Items:     []ItemRef{{Variant: db.VariantPost, ID: id}},
		Topics:    []string{"golang"},
		Threshold: &threshold,
	})
	require.Len(t, result.Records, 1)

	record := result.Records[0]
	assert.Zero(t, record.SemanticScore, "semantic term is dropped during an outage")
	assert.Equal(t, 1.0, record.KeywordScore)
	assert.True(t, record.IsRelevant, "keyword-only scoring still produces verdicts")
	assert.GreaterOrEqual(t, embedder.calls, 1, "the embedder was attempted")
}

func TestAgent_FilterContent_ExistingVerdictWins(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{1, 0}}
	base, database := newFilterAgent(t, embedder)

	id := seedPost(t, database, "p1", "golang news", "a post about golang")
	filters := repositories.NewFilterRepository(database)
	require.NoError(t, filters.Create(context.Background(), &db.FilterRecord{
		ItemVariant:   db.VariantPost,
		ItemID:        id,
		Topic:         "rust",
		KeywordScore:  0.9,
		SemanticScore: 0.9,
		CombinedScore: 0.9,
		IsRelevant:    true,
	}))

	result := runFilter(t, base, FilterParams{
		Items:  []ItemRef{{Variant: db.VariantPost, ID: id}},
		Topics: []string{"golang"},
	})
	require.Len(t, result.Records, 1)

	// Verdicts are written once; re-scoring returns the stored record.
	assert.Equal(t, "rust", result.Records[0].Topic)
	assert.Equal(t, 0.9, result.Records[0].CombinedScore)
	assert.True(t, result.Records[0].IsRelevant)
}
