package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/threadpulse-io/threadpulse/internal/fault"
)

// PlatformSource implements ContentSource against the platform's listing
// API. All requests pass through a token bucket sized to the platform's
// published per-minute budget, so a full fetch fan-out cannot trip the
// remote limit in the first place.
type PlatformSource struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewPlatformSource creates a source. requestsPerMinute is the platform
// budget; burst is fixed at 1/10 of the budget so startup cannot spend the
// whole minute at once.
func NewPlatformSource(baseURL, token string, requestsPerMinute int, logger *zap.Logger) *PlatformSource {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 100
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &PlatformSource{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst),
		logger:  logger,
	}
}

// listing is the platform's envelope for paginated results.
type listing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Kind string          `json:"kind"`
			Data json.RawMessage `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type wirePost struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	SelfText   string  `json:"selftext"`
	Author     string  `json:"author"`
	Subreddit  string  `json:"subreddit"`
	Score      int     `json:"score"`
	Permalink  string  `json:"permalink"`
	CreatedUTC float64 `json:"created_utc"`
}

type wireComment struct {
	ID         string  `json:"id"`
	LinkID     string  `json:"link_id"`
	ParentID   string  `json:"parent_id"`
	Body       string  `json:"body"`
	Author     string  `json:"author"`
	Score      int     `json:"score"`
	CreatedUTC float64 `json:"created_utc"`
}

type wireCommunity struct {
	DisplayName string `json:"display_name"`
	Subscribers int64  `json:"subscribers"`
	Description string `json:"public_description"`
}

// FetchPosts searches the platform for recent posts matching topic.
func (s *PlatformSource) FetchPosts(ctx context.Context, topic string, limit int, rng TimeRange, cursor string) ([]SourcePost, string, error) {
	q := url.Values{}
	q.Set("q", topic)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort", "new")
	q.Set("t", string(rng))
	if cursor != "" {
		q.Set("after", cursor)
	}

	var body listing
	if err := s.get(ctx, "/search.json?"+q.Encode(), &body); err != nil {
		return nil, "", err
	}

	posts := make([]SourcePost, 0, len(body.Data.Children))
	for _, child := range body.Data.Children {
		var wp wirePost
		if err := json.Unmarshal(child.Data, &wp); err != nil {
			// One unparseable item is dropped, never fails the batch.
			s.logger.Warn("skipping unparseable post", zap.Error(err))
			continue
		}
		posts = append(posts, SourcePost{
			ID:        wp.ID,
			Title:     wp.Title,
			Body:      wp.SelfText,
			Author:    wp.Author,
			Community: wp.Subreddit,
			Score:     wp.Score,
			URL:       s.baseURL + wp.Permalink,
			CreatedAt: time.Unix(int64(wp.CreatedUTC), 0).UTC(),
		})
	}
	return posts, body.Data.After, nil
}

// FetchComments fetches the comment tree of one post, flattened, to maxDepth.
func (s *PlatformSource) FetchComments(ctx context.Context, postID string, maxDepth int) ([]SourceComment, error) {
	var pages []listing
	if err := s.get(ctx, "/comments/"+url.PathEscape(postID)+".json", &pages); err != nil {
		return nil, err
	}
	// The first page is the post itself; comments start at the second.
	if len(pages) < 2 {
		return nil, nil
	}
	var comments []SourceComment
	for _, page := range pages[1:] {
		s.flatten(page, postID, 0, maxDepth, &comments)
	}
	return comments, nil
}

// flatten walks a comment listing depth-first, bounded by maxDepth.
func (s *PlatformSource) flatten(page listing, postID string, depth, maxDepth int, out *[]SourceComment) {
	if depth >= maxDepth {
		return
	}
	for _, child := range page.Data.Children {
		if child.Kind != "t1" {
			continue
		}
		var wc struct {
			wireComment
			Replies json.RawMessage `json:"replies"`
		}
		if err := json.Unmarshal(child.Data, &wc); err != nil {
			s.logger.Warn("skipping unparseable comment", zap.Error(err))
			continue
		}
		*out = append(*out, SourceComment{
			ID:        wc.ID,
			PostID:    postID,
			ParentRef: wc.ParentID,
			Body:      wc.Body,
			Author:    wc.Author,
			Score:     wc.Score,
			CreatedAt: time.Unix(int64(wc.CreatedUTC), 0).UTC(),
		})
		// Replies are either a nested listing or an empty string.
		if len(wc.Replies) > 2 {
			var nested listing
			if err := json.Unmarshal(wc.Replies, &nested); err == nil {
				s.flatten(nested, postID, depth+1, maxDepth, out)
			}
		}
	}
}

// DiscoverCommunities searches community listings for topic.
func (s *PlatformSource) DiscoverCommunities(ctx context.Context, topic string) ([]SourceCommunity, error) {
	q := url.Values{}
	q.Set("q", topic)
	q.Set("limit", "25")

	var body listing
	if err := s.get(ctx, "/subreddits/search.json?"+q.Encode(), &body); err != nil {
		return nil, err
	}

	communities := make([]SourceCommunity, 0, len(body.Data.Children))
	for _, child := range body.Data.Children {
		var wc wireCommunity
		if err := json.Unmarshal(child.Data, &wc); err != nil {
			s.logger.Warn("skipping unparseable community", zap.Error(err))
			continue
		}
		communities = append(communities, SourceCommunity{
			Name:        wc.DisplayName,
			Subscribers: wc.Subscribers,
			Description: wc.Description,
		})
	}
	return communities, nil
}

// get performs one rate-limited GET and decodes the JSON body into out.
func (s *PlatformSource) get(ctx context.Context, path string, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("platform: build request: %w", err)
	}
	req.Header.Set("User-Agent", "threadpulse/1.0")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindTransient, err, "platform request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		// Wrapped transient so the retry layer keeps attempting before the
		// caller degrades to an empty page.
		return fault.Wrap(fault.KindTransient, ErrRateLimited, "platform request")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fault.Wrap(fault.KindTransient, &fault.HTTPStatusError{StatusCode: resp.StatusCode, Message: string(msg)}, "platform request")
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fault.Wrap(fault.KindFatal, &fault.HTTPStatusError{StatusCode: resp.StatusCode, Message: string(msg)}, "platform request")
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.Wrap(fault.KindTransient, err, "platform decode")
	}
	return nil
}
