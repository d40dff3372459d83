package douyin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyarchive/dyarchive/internal/domain"
	"github.com/dyarchive/dyarchive/internal/normalize"
)

const (
	// transientBudget bounds how long one crawl keeps retrying transient
	// failures (network faults, malformed pages) before giving up with
	// whatever it has accumulated.
	transientBudget = 10 * time.Second

	// errorStatusStrikes ends the loop after this many consecutive
	// non-success API statuses.
	errorStatusStrikes = 2

	transientDelay = 500 * time.Millisecond

	defaultPageSize = 35

	// single-post fetch retry policy
	awemeRetryAttempts = 3
	awemeRetryDelay    = 5 * time.Second
)

// Options parameterize one crawl invocation.
type Options struct {
	// Count is the page size requested from the API. Defaults to 35.
	Count int

	// Number caps how many in-range posts are returned. 0 means unlimited.
	Number int

	// Increase stops the crawl at the first already-persisted, non-pinned
	// post, relying on the feed's reverse-chronological order.
	Increase bool

	// StartTime and EndTime bound creation dates inclusively, as
	// "2006-01-02" calendar days. Defaults: the epoch and today.
	StartTime string
	EndTime   string
}

func (o Options) pageSize() int {
	if o.Count <= 0 {
		return defaultPageSize
	}
	return o.Count
}

func (o Options) window() (string, string) {
	start, end := o.StartTime, o.EndTime
	if start == "" {
		start = "1970-01-01"
	}
	if end == "" {
		end = time.Now().Format("2006-01-02")
	}
	return start, end
}

// Crawler paginates the remote API, normalizes records, and flushes them to
// the store. The crawl loop is sequential: each page's cursor depends on the
// previous response.
type Crawler struct {
	client *Client
	store  domain.Store // nil disables persistence and incremental stops
	logger *slog.Logger

	budget     time.Duration
	retryDelay time.Duration
}

// NewCrawler creates a crawl engine. store may be nil to disable persistence.
func NewCrawler(client *Client, store domain.Store, logger *slog.Logger) *Crawler {
	return &Crawler{
		client:     client,
		store:      store,
		logger:     logger,
		budget:     transientBudget,
		retryDelay: awemeRetryDelay,
	}
}

// UserPosts crawls a user's own posts and records authored associations.
func (c *Crawler) UserPosts(ctx context.Context, secUID string, opts Options) ([]*domain.Post, error) {
	fetch := func(cursor int64) (*FeedPage, error) {
		return c.client.UserPostPage(ctx, secUID, opts.pageSize(), cursor)
	}
	var seen seenFunc
	if opts.Increase && c.store != nil {
		seen = func(awemeID string) (bool, error) {
			return c.store.HasUserPost(ctx, secUID, awemeID)
		}
	}
	posts, err := c.crawlFeed(ctx, "user posts", fetch, opts, seen)
	return posts, c.finish(ctx, posts, domain.Association{OwnerPost: true}, err)
}

// UserLikes crawls the posts a user has liked and records liked-by
// associations for that viewer.
func (c *Crawler) UserLikes(ctx context.Context, secUID string, opts Options) ([]*domain.Post, error) {
	fetch := func(cursor int64) (*FeedPage, error) {
		return c.client.UserLikePage(ctx, secUID, opts.pageSize(), cursor)
	}
	var seen seenFunc
	if opts.Increase && c.store != nil {
		seen = func(awemeID string) (bool, error) {
			return c.store.HasUserLike(ctx, secUID, awemeID)
		}
	}
	posts, err := c.crawlFeed(ctx, "user likes", fetch, opts, seen)
	return posts, c.finish(ctx, posts, domain.Association{LikedBy: secUID}, err)
}

// Mix crawls the posts of one mix/collection.
func (c *Crawler) Mix(ctx context.Context, mixID string, opts Options) ([]*domain.Post, error) {
	fetch := func(cursor int64) (*FeedPage, error) {
		return c.client.MixPage(ctx, mixID, opts.pageSize(), cursor)
	}
	posts, err := c.crawlFeed(ctx, "mix", fetch, opts, nil)
	return posts, c.finish(ctx, posts, domain.Association{}, err)
}

// Music crawls the posts using one music track.
func (c *Crawler) Music(ctx context.Context, musicID string, opts Options) ([]*domain.Post, error) {
	fetch := func(cursor int64) (*FeedPage, error) {
		return c.client.MusicPage(ctx, musicID, opts.pageSize(), cursor)
	}
	posts, err := c.crawlFeed(ctx, "music", fetch, opts, nil)
	return posts, c.finish(ctx, posts, domain.Association{}, err)
}

// MixEntry is one collection discovered on a user's profile.
type MixEntry struct {
	ID   string
	Name string
}

// MixList enumerates a user's collections, date-filtered like posts.
func (c *Crawler) MixList(ctx context.Context, secUID string, opts Options) ([]MixEntry, error) {
	start, end := opts.window()
	deadline := time.Now().Add(c.budget)

	var (
		entries []MixEntry
		cursor  int64
		strikes int
	)
	for {
		if err := ctx.Err(); err != nil {
			return entries, err
		}

		page, err := c.client.MixListPage(ctx, secUID, opts.pageSize(), cursor)
		if err != nil {
			stop, retErr := c.pageFailure(err, &strikes, deadline)
			if stop {
				return entries, retErr
			}
			time.Sleep(transientDelay)
			continue
		}
		strikes = 0

		for _, raw := range page.Mixes {
			var mix struct {
				MixID      string `json:"mix_id"`
				MixName    string `json:"mix_name"`
				CreateTime int64  `json:"create_time"`
			}
			if err := json.Unmarshal(raw, &mix); err != nil {
				continue
			}
			day := time.Unix(mix.CreateTime, 0).Format("2006-01-02")
			if day < start || day > end {
				continue
			}
			entries = append(entries, MixEntry{ID: mix.MixID, Name: mix.MixName})
		}

		if !page.HasMore || len(page.Mixes) == 0 {
			return entries, nil
		}
		cursor = page.Cursor
	}
}

// Aweme fetches a single post. An empty or malformed result counts as a
// retryable failure under a fixed-delay, three-attempt policy.
func (c *Crawler) Aweme(ctx context.Context, awemeID string) (*domain.Post, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), awemeRetryAttempts-1),
		ctx,
	)

	var post *domain.Post
	op := func() error {
		raw, err := c.fetchDetail(ctx, awemeID)
		if err != nil {
			return err
		}
		p := normalize.Post(normalize.Kind(raw), raw)
		if p.AwemeID == "" {
			return fmt.Errorf("post %s normalized empty", awemeID)
		}
		post = p
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("fetch post %s: %w", awemeID, err)
	}

	if c.store != nil {
		if err := c.store.UpsertPost(ctx, post, domain.Association{OwnerPost: true}); err != nil {
			return nil, fmt.Errorf("persist post %s: %w", awemeID, err)
		}
	}
	return post, nil
}

// fetchDetail retries transient faults within the wall-clock budget; an API
// error status is returned to the caller's retry policy immediately.
func (c *Crawler) fetchDetail(ctx context.Context, awemeID string) (json.RawMessage, error) {
	deadline := time.Now().Add(c.budget)
	for {
		raw, err := c.client.PostDetail(ctx, awemeID)
		if err == nil {
			return raw, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) || time.Now().After(deadline) || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("post detail fetch failed, retrying", "aweme_id", awemeID, "error", err)
		time.Sleep(transientDelay)
	}
}

// Live takes a one-shot snapshot of a live room. No pagination, no
// persistence; an ended room short-circuits field extraction.
func (c *Crawler) Live(ctx context.Context, webRID string) (*domain.Live, error) {
	deadline := time.Now().Add(c.budget)
	for {
		raw, err := c.client.LiveRoom(ctx, webRID)
		if err == nil {
			live := normalize.Live(raw)
			if live.Ended() {
				c.logger.Info("live room has ended", "web_rid", webRID)
			}
			return live, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) || time.Now().After(deadline) || ctx.Err() != nil {
			return nil, fmt.Errorf("fetch live room %s: %w", webRID, err)
		}
		c.logger.Warn("live fetch failed, retrying", "web_rid", webRID, "error", err)
		time.Sleep(transientDelay)
	}
}

type seenFunc func(awemeID string) (bool, error)

// crawlFeed is the shared pagination state machine: fetch a page, filter by
// date window, normalize in-range elements up to the cap, decide to continue
// or stop. Transient failures retry within the wall-clock budget; two
// consecutive API error statuses, a fatal parse error, or an exhausted feed
// end the loop with whatever was accumulated.
func (c *Crawler) crawlFeed(ctx context.Context, what string, fetch func(cursor int64) (*FeedPage, error), opts Options, seen seenFunc) ([]*domain.Post, error) {
	start, end := opts.window()
	deadline := time.Now().Add(c.budget)

	var (
		posts   []*domain.Post
		cursor  int64
		fetched int
		strikes int
	)
	for {
		if err := ctx.Err(); err != nil {
			return posts, err
		}

		page, err := fetch(cursor)
		if err != nil {
			stop, retErr := c.pageFailure(err, &strikes, deadline)
			if stop {
				c.logger.Warn("crawl ended early", "what", what, "accumulated", len(posts), "error", err)
				return posts, retErr
			}
			c.logger.Warn("page fetch failed, retrying", "what", what, "error", err)
			time.Sleep(transientDelay)
			continue
		}
		strikes = 0
		fetched += len(page.Items)
		c.logger.Info("fetched page", "what", what, "items", len(page.Items), "total_fetched", fetched)

		for _, raw := range page.Items {
			meta := normalize.MetaOf(raw)

			// out-of-range elements are dropped and never count toward
			// the cap
			if meta.Day < start || meta.Day > end {
				continue
			}

			if seen != nil && !meta.IsTop {
				known, err := seen(meta.AwemeID)
				if err != nil {
					return posts, fmt.Errorf("incremental lookup: %w", err)
				}
				if known {
					c.logger.Info("incremental stop: already archived", "what", what, "aweme_id", meta.AwemeID)
					return posts, nil
				}
			}

			posts = append(posts, normalize.Post(meta.Kind, raw))
			if opts.Number > 0 && len(posts) >= opts.Number {
				c.logger.Info("reached requested number", "what", what, "number", opts.Number)
				return posts, nil
			}
		}

		if !page.HasMore || len(page.Items) == 0 {
			return posts, nil
		}
		cursor = page.Cursor
	}
}

// pageFailure classifies one failed page fetch. It reports whether the crawl
// should stop, and with what error. API error statuses accumulate strikes;
// fatal parse errors and an exhausted budget stop immediately; anything else
// is transient.
func (c *Crawler) pageFailure(err error, strikes *int, deadline time.Time) (bool, error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		*strikes++
		if *strikes >= errorStatusStrikes {
			return true, nil
		}
		return false, nil
	}

	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return true, fmt.Errorf("fatal parse error: %w", err)
	}

	if time.Now().After(deadline) {
		return true, nil
	}
	return false, nil
}

// finish flushes whatever the crawl accumulated, whether or not it ended
// cleanly, and reports the crawl error over a flush error when both occurred.
func (c *Crawler) finish(ctx context.Context, posts []*domain.Post, assoc domain.Association, crawlErr error) error {
	flushErr := c.flush(ctx, posts, assoc)
	if crawlErr != nil {
		return crawlErr
	}
	return flushErr
}

// flush writes accumulated posts to the store as one batch. A persistence
// failure propagates to the caller; earlier elements stay committed.
func (c *Crawler) flush(ctx context.Context, posts []*domain.Post, assoc domain.Association) error {
	if c.store == nil || len(posts) == 0 {
		return nil
	}
	if err := c.store.BulkUpsert(ctx, posts, assoc); err != nil {
		c.logger.Error("store flush failed", "count", len(posts), "error", err)
		return fmt.Errorf("flush to store: %w", err)
	}
	return nil
}
