// Package retrieval implements the Retrieval agent: fetching posts, comment
// trees, and community listings from the content platform, rate-limit aware,
// and persisting everything it sees.
package retrieval

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors a ContentSource implementation raises. RateLimited is
// handled specially by the skills: within the retry window it degrades to an
// empty result rather than a failure.
var (
	ErrRateLimited  = errors.New("content source: rate limited")
	ErrUnauthorized = errors.New("content source: unauthorized")
)

// TimeRange restricts fetch_posts to a trailing window.
type TimeRange string

const (
	RangeHour  TimeRange = "hour"
	RangeDay   TimeRange = "day"
	RangeWeek  TimeRange = "week"
	RangeMonth TimeRange = "month"
	RangeYear  TimeRange = "year"
)

// SourcePost is a post as the platform reports it.
type SourcePost struct {
	ID        string
	Title     string
	Body      string
	Author    string
	Community string
	Score     int
	URL       string
	CreatedAt time.Time
}

// SourceComment is a comment as the platform reports it. ParentRef keeps the
// platform's typed parent reference verbatim.
type SourceComment struct {
	ID        string
	PostID    string
	ParentRef string
	Body      string
	Author    string
	Score     int
	CreatedAt time.Time
}

// SourceCommunity is a community listing entry.
type SourceCommunity struct {
	Name        string
	Subscribers int64
	Description string
}

// ContentSource is the narrow platform interface the agent consumes.
// Implementations are rate-limit aware and return ErrRateLimited /
// ErrUnauthorized for the corresponding platform responses; transient
// network failures pass through for the caller's retry layer.
type ContentSource interface {
	FetchPosts(ctx context.Context, topic string, limit int, rng TimeRange, cursor string) ([]SourcePost, string, error)
	FetchComments(ctx context.Context, postID string, maxDepth int) ([]SourceComment, error)
	DiscoverCommunities(ctx context.Context, topic string) ([]SourceCommunity, error)
}
