package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"time"

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

// Agent holds the Retrieval role's collaborators and registers its skills on
// the kernel.
type Agent struct {
	base        *agent.Base
	source      ContentSource
	content     repositories.ContentRepository
	communities repositories.CommunityRepository
	breaker     *breaker.Breaker
	retryCfg    retry.Config
	clock       clockwork.Clock
	logger      *zap.Logger
}

// New wires the Retrieval agent and registers fetch_posts, fetch_comments
// and discover_communities.
func New(base *agent.Base, source ContentSource, content repositories.ContentRepository, communities repositories.CommunityRepository, br *breaker.Breaker, retryCfg retry.Config, clock clockwork.Clock, logger *zap.Logger) *Agent {
	a := &Agent{
		base:        base,
		source:      source,
		content:     content,
		communities: communities,
		breaker:     br,
		retryCfg:    retryCfg,
		clock:       clock,
		logger:      logger,
	}

	base.Register(agent.Skill{
		Descriptor: protocol.SkillDescriptor{
			ID:          "fetch_posts",
			Name:        "Fetch posts",
			Description: "Fetch recent posts matching a topic and persist them.",
			Tags:        []string{"retrieval", "content"},
			InputModes:  []string{"application/json"},
			OutputModes: []string{"application/json"},
		},
		Handler: a.fetchPosts,
		Timeout: 2 * time.Minute,
	})
	base.Register(agent.Skill{
		Descriptor: protocol.SkillDescriptor{
			ID:          "fetch_comments",
			Name:        "Fetch comments",
			Description: "Fetch the comment tree of a post and persist it.",
			Tags:        []string{"retrieval", "content"},
			InputModes:  []string{"application/json"},
			OutputModes: []string{"application/json"},
		},
		Handler: a.fetchComments,
		Timeout: 2 * time.Minute,
	})
	base.Register(agent.Skill{
		Descriptor: protocol.SkillDescriptor{
			ID:          "discover_communities",
			Name:        "Discover communities",
			Description: "Search community listings for a topic.",
			Tags:        []string{"retrieval", "discovery"},
			InputModes:  []string{"application/json"},
			OutputModes: []string{"application/json"},
		},
		Handler: a.discoverCommunities,
	})
	return a
}

// FetchPostsParams are the fetch_posts parameters.
type FetchPostsParams struct {
	Topic     string `json:"topic" validate:"required"`
	Limit     int    `json:"limit" validate:"omitempty,min=1,max=100"`
	TimeRange string `json:"timeRange" validate:"omitempty,oneof=hour day week month year"`
	Cursor    string `json:"cursor,omitempty"`
}

// PostView is the wire shape of one fetched post.
type PostView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Author    string    `json:"author"`
	Community string    `json:"community"`
	Score     int       `json:"score"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// FetchPostsResult is the fetch_posts result.
type FetchPostsResult struct {
	Posts      []PostView `json:"posts"`
	NextCursor string     `json:"next_cursor,omitempty"`
	NewCount   int        `json:"new_count"`
}

func (a *Agent) fetchPosts(ctx context.Context, raw json.RawMessage) (any, error) {
	var p FetchPostsParams
	if err := a.base.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Limit == 0 {
		p.Limit = 25
	}
	if p.TimeRange == "" {
		p.TimeRange = string(RangeDay)
	}

	var posts []SourcePost
	var cursor string
	err := retry.Do(ctx, a.retryCfg, a.clock, func(ctx context.Context) error {
		return a.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			posts, cursor, err = a.source.FetchPosts(ctx, p.Topic, p.Limit, TimeRange(p.TimeRange), p.Cursor)
			return err
		})
	})
	if err != nil {
		// Rate-limit exhaustion inside the retry window degrades to an empty
		// page; the next cycle picks the topic up again.
		if errors.Is(err, ErrRateLimited) {
			a.logger.Warn("rate limited, returning empty page", zap.String("topic", p.Topic))
			return FetchPostsResult{Posts: []PostView{}}, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return nil, fault.Wrap(fault.KindFatal, err, "platform credentials rejected")
		}
		return nil, err
	}

	rows := make([]db.Post, 0, len(posts))
	views := make([]PostView, 0, len(posts))
	for _, post := range posts {
		rows = append(rows, db.Post{
			ExternalID: post.ID,
			Title:      post.Title,
			Body:       post.Body,
			Author:     post.Author,
			Community:  post.Community,
			Score:      post.Score,
			URL:        post.URL,
			PostedAt:   post.CreatedAt,
		})
		views = append(views, PostView(post))
	}
	newCount, err := a.content.UpsertPosts(ctx, rows)
	if err != nil {
		return nil, err
	}

	a.logger.Info("posts fetched",
		zap.String("topic", p.Topic),
		zap.Int("fetched", len(posts)),
		zap.Int("new", newCount))
	return FetchPostsResult{Posts: views, NextCursor: cursor, NewCount: newCount}, nil
}

// FetchCommentsParams are the fetch_comments parameters.
type FetchCommentsParams struct {
	PostID   string `json:"postId" validate:"required"`
	MaxDepth int    `json:"maxDepth" validate:"omitempty,min=1,max=10"`
}

// CommentView is the wire shape of one fetched comment.
type CommentView struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	ParentRef string    `json:"parent_ref"`
	Body      string    `json:"body"`
	Author    string    `json:"author"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// FetchCommentsResult is the fetch_comments result.
type FetchCommentsResult struct {
	Comments []CommentView `json:"comments"`
	NewCount int           `json:"new_count"`
}

func (a *Agent) fetchComments(ctx context.Context, raw json.RawMessage) (any, error) {
	var p FetchCommentsParams
	if err := a.base.DecodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.MaxDepth == 0 {
		p.MaxDepth = 10
	}

	var comments []SourceComment
	err := retry.Do(ctx, a.retryCfg, a.clock, func(ctx context.Context) error {
		return a.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			comments, err = a.source.FetchComments(ctx, p.PostID, p.MaxDepth)
			return err
		})
	})
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			a.logger.Warn("rate limited, returning empty comment set", zap.String("post", p.PostID))
			return FetchCommentsResult{Comments: []CommentView{}}, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return nil, fault.Wrap(fault.KindFatal, err, "platform credentials rejected")
		}
		return nil, err
	}

	rows := make([]db.Comment, 0, len(comments))
	views := make([]CommentView, 0, len(comments))
	for _, comment := range comments {
		rows = append(rows, db.Comment{
			ExternalID:     comment.ID,
			PostExternalID: comment.PostID,
			ParentRef:      comment.ParentRef,
			Body:           comment.Body,
			Author:         comment.Author,
			Score:          comment.Score,
			PostedAt:       comment.CreatedAt,
		})
		views = append(views, CommentView(comment))
	}
	newCount, err := a.content.UpsertComments(ctx, rows)
	if err != nil {
		return nil, err
	}
	if _, err := a.content.BackfillCommentPostIDs(ctx); err != nil {
		a.logger.Warn("comment post id backfill failed", zap.Error(err))
	}

	return FetchCommentsResult{Comments: views, NewCount: newCount}, nil
}

// DiscoverParams are the discover_communities parameters.
type DiscoverParams struct {
	Topic          string `json:"topic" validate:"required"`
	MinSubscribers int64  `json:"minSubscribers" validate:"omitempty,min=0"`
}

// CommunityView is the wire shape of one discovered community.
type CommunityView struct {
	Name        string `json:"name"`
	Subscribers int64  `json:"subscribers"`
	Description string `json:"description"`
}

// DiscoverResult is the discover_communities result.
type DiscoverResult struct {
	Communities []CommunityView `json:"communities"`
}

func (a *Agent) discoverCommunities(ctx context.Context, raw json.RawMessage) (any, error) {
	var p DiscoverParams
	if err := a.base.DecodeParams(raw, &p); err != nil {
		return nil, err
	}

	var found []SourceCommunity
	err := retry.Do(ctx, a.retryCfg, a.clock, func(ctx context.Context) error {
		return a.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			found, err = a.source.DiscoverCommunities(ctx, p.Topic)
			return err
		})
	})
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return DiscoverResult{Communities: []CommunityView{}}, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return nil, fault.Wrap(fault.KindFatal, err, "platform credentials rejected")
		}
		return nil, err
	}

	views := make([]CommunityView, 0, len(found))
	for _, community := range found {
		if community.Subscribers < p.MinSubscribers {
			continue
		}
		row := &db.Community{
			Name:         community.Name,
			Description:  community.Description,
			Subscribers:  community.Subscribers,
			IsActive:     true,
			DiscoveredAt: time.Now().UTC(),
		}
		if err := a.communities.Upsert(ctx, row); err != nil {
			a.logger.Warn("community upsert failed", zap.String("name", community.Name), zap.Error(err))
			continue
		}
		views = append(views, CommunityView(community))
	}
	return DiscoverResult{Communities: views}, nil
}
