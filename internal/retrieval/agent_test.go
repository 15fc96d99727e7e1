package retrieval

import (
	"context"
	"encoding/json"
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
	"github.com/threadpulse-io/threadpulse/internal/fault"
	"github.com/threadpulse-io/threadpulse/internal/metrics"
	"github.com/threadpulse-io/threadpulse/internal/protocol"
	"github.com/threadpulse-io/threadpulse/internal/repositories"
	"github.com/threadpulse-io/threadpulse/internal/retry"
)

// fakeSource is a scripted ContentSource: errors are consumed one per call,
// then the canned payload is returned.
type fakeSource struct {
	mu sync.Mutex

	postCalls int
	postErrs  []error
	posts     []SourcePost
	cursor    string

	commentCalls int
	commentErrs  []error
	comments     []SourceComment

	communities []SourceCommunity
}

func (f *fakeSource) FetchPosts(ctx context.Context, topic string, limit int, rng TimeRange, cursor string) ([]SourcePost, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postCalls++
	if len(f.postErrs) > 0 {
		err := f.postErrs[0]
		f.postErrs = f.postErrs[1:]
		return nil, "", err
	}
	return f.posts, f.cursor, nil
}

func (f *fakeSource) FetchComments(ctx context.Context, postID string, maxDepth int) ([]SourceComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commentCalls++
	if len(f.commentErrs) > 0 {
		err := f.commentErrs[0]
		f.commentErrs = f.commentErrs[1:]
		return nil, err
	}
	return f.comments, nil
}

func (f *fakeSource) DiscoverCommunities(ctx context.Context, topic string) ([]SourceCommunity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.communities, nil
}

func newRetrievalAgent(t *testing.T, source ContentSource) (*agent.Base, *gorm.DB) {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	retryCfg := retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Factor: 2}
	base := agent.NewBase("retrieval", "test", protocol.AgentCard{Name: "retrieval"},
		repositories.NewTaskRepository(database), retryCfg, metrics.New(), zap.NewNop())

	New(base, source,
		repositories.NewContentRepository(database),
		repositories.NewCommunityRepository(database),
		breaker.New("content-source", breaker.Config{}, clockwork.NewRealClock()),
		retryCfg, clockwork.NewRealClock(), zap.NewNop())
	return base, database
}

func invokeSkill(t *testing.T, base *agent.Base, skill string, params any) agent.TaskView {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	send, err := json.Marshal(agent.SendParams{Skill: skill, Parameters: raw, WorkflowID: uuid.New()})
	require.NoError(t, err)

	resp := base.HandleRequest(context.Background(), &protocol.Request{
		JSONRPC: protocol.Version,
		Method:  protocol.MethodMessageSend,
		Params:  send,
		ID:      json.RawMessage(`1`),
	})
	require.Nil(t, resp.Error, "message/send must succeed at the protocol level")

	var view agent.TaskView
	require.NoError(t, json.Unmarshal(resp.Result, &view))
	return view
}

func somePost(id string) SourcePost {
	return SourcePost{
		ID:        id,
		Title:     "Go 1.25 released",
		Body:      "release notes",
		Author:    "gopher",
		Community: "golang",
		Score:     42,
		URL:       "https://example.com/r/golang/" + id,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestAgent_FetchPosts_PersistsAndReturnsViews(t *testing.T) {
	src := &fakeSource{posts: []SourcePost{somePost("abc"), somePost("def")}, cursor: "t3_next"}
	base, database := newRetrievalAgent(t, src)

	view := invokeSkill(t, base, "fetch_posts", FetchPostsParams{Topic: "golang"})
	require.Equal(t, db.TaskCompleted, view.Status, view.Error)

	var result FetchPostsResult
	require.NoError(t, json.Unmarshal(view.Result, &result))
	assert.Len(t, result.Posts, 2)
	assert.Equal(t, 2, result.NewCount)
	assert.Equal(t, "t3_next", result.NextCursor)

	content := repositories.NewContentRepository(database)
	stored, err := content.GetPostByExternalID(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "Go 1.25 released", stored.Title)
	assert.Equal(t, "golang", stored.Community)
}

func TestAgent_FetchPosts_RetriesRateLimitBeforeDegrading(t *testing.T) {
	src := &fakeSource{
		postErrs: []error{fault.Wrap(fault.KindTransient, ErrRateLimited, "platform request")},
		posts:    []SourcePost{somePost("abc")},
	}
	base, _ := newRetrievalAgent(t, src)

	view := invokeSkill(t, base, "fetch_posts", FetchPostsParams{Topic: "golang"})
	require.Equal(t, db.TaskCompleted, view.Status, view.Error)

	var result FetchPostsResult
	require.NoError(t, json.Unmarshal(view.Result, &result))
	assert.Len(t, result.Posts, 1, "a 429 inside the retry budget must not empty the page")
	assert.Equal(t, 2, src.postCalls, "the rate-limited attempt must be retried")
}

func TestAgent_FetchPosts_RateLimitExhaustionReturnsEmptyPage(t *testing.T) {
	limited := fault.Wrap(fault.KindTransient, ErrRateLimited, "platform request")
	src := &fakeSource{postErrs: []error{limited, limited, limited}}
	base, _ := newRetrievalAgent(t, src)

	view := invokeSkill(t, base, "fetch_posts", FetchPostsParams{Topic: "golang"})
	require.Equal(t, db.TaskCompleted, view.Status, "exhausted rate limit degrades, never fails")

	var result FetchPostsResult
	require.NoError(t, json.Unmarshal(view.Result, &result))
	assert.Empty(t, result.Posts)
	assert.Zero(t, result.NewCount)
	assert.Equal(t, 3, src.postCalls, "all retry attempts were spent first")
}

func TestAgent_FetchPosts_UnauthorizedFailsFatal(t *testing.T) {
	src := &fakeSource{postErrs: []error{ErrUnauthorized}}
	base, _ := newRetrievalAgent(t, src)

	view := invokeSkill(t, base, "fetch_posts", FetchPostsParams{Topic: "golang"})
	assert.Equal(t, db.TaskFailed, view.Status)
	assert.Equal(t, fault.KindFatal.String(), view.ErrorKind)
	assert.Equal(t, 1, src.postCalls, "credential rejection is not retried")
}

func TestAgent_FetchComments_PersistsAndBackfills(t *testing.T) {
	src := &fakeSource{comments: []SourceComment{{
		ID:        "c1",
		PostID:    "abc",
		ParentRef: "t3_abc",
		Body:      "top level",
		Author:    "alice",
		Score:     5,
		CreatedAt: time.Unix(1700000100, 0).UTC(),
	}}}
	base, database := newRetrievalAgent(t, src)

	content := repositories.NewContentRepository(database)
	_, err := content.UpsertPosts(context.Background(), []db.Post{{
		ExternalID: "abc", Title: "t", Community: "golang", PostedAt: time.Unix(1700000000, 0).UTC(),
	}})
	require.NoError(t, err)

	view := invokeSkill(t, base, "fetch_comments", FetchCommentsParams{PostID: "abc"})
	require.Equal(t, db.TaskCompleted, view.Status, view.Error)

	var result FetchCommentsResult
	require.NoError(t, json.Unmarshal(view.Result, &result))
	assert.Equal(t, 1, result.NewCount)

	var row db.Comment
	require.NoError(t, database.First(&row, "external_id = ?", "c1").Error)
	assert.Equal(t, "abc", row.PostExternalID)
	require.NotNil(t, row.PostID, "internal post FK is backfilled once the post row exists")
}

func TestAgent_DiscoverCommunities_FiltersBySubscribers(t *testing.T) {
	src := &fakeSource{communities: []SourceCommunity{
		{Name: "golang", Subscribers: 250000, Description: "Go news"},
		{Name: "tiny", Subscribers: 12},
	}}
	base, database := newRetrievalAgent(t, src)

	view := invokeSkill(t, base, "discover_communities", DiscoverParams{Topic: "golang", MinSubscribers: 1000})
	require.Equal(t, db.TaskCompleted, view.Status, view.Error)

	var result DiscoverResult
	require.NoError(t, json.Unmarshal(view.Result, &result))
	require.Len(t, result.Communities, 1)
	assert.Equal(t, "golang", result.Communities[0].Name)

	communities := repositories.NewCommunityRepository(database)
	stored, err := communities.GetByName(context.Background(), "golang")
	require.NoError(t, err)
	assert.Equal(t, int64(250000), stored.Subscribers)

	_, err = communities.GetByName(context.Background(), "tiny")
	assert.ErrorIs(t, err, repositories.ErrNotFound, "below-threshold communities are not persisted")
}
