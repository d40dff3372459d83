package douyin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyarchive/dyarchive/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore records flushes and answers incremental lookups from fixed sets.
type fakeStore struct {
	upserts    []*domain.Post
	bulks      [][]*domain.Post
	assocs     []domain.Association
	knownPosts map[string]bool
	knownLikes map[string]bool
}

func (s *fakeStore) UpsertPost(_ context.Context, post *domain.Post, assoc domain.Association) error {
	s.upserts = append(s.upserts, post)
	s.assocs = append(s.assocs, assoc)
	return nil
}

func (s *fakeStore) BulkUpsert(_ context.Context, posts []*domain.Post, assoc domain.Association) error {
	s.bulks = append(s.bulks, posts)
	s.assocs = append(s.assocs, assoc)
	return nil
}

func (s *fakeStore) HasUserPost(_ context.Context, _, awemeID string) (bool, error) {
	return s.knownPosts[awemeID], nil
}

func (s *fakeStore) HasUserLike(_ context.Context, _, awemeID string) (bool, error) {
	return s.knownLikes[awemeID], nil
}

func item(awemeID string, created time.Time, isTop int) string {
	return fmt.Sprintf(
		`{"aweme_id": %q, "create_time": %d, "is_top": %d, "desc": "clip %s", "author": {"sec_uid": "MS4wLjABAAAAowner"}}`,
		awemeID, created.Unix(), isTop, awemeID,
	)
}

func feedBody(items []string, hasMore bool, cursor int64) string {
	more := 0
	if hasMore {
		more = 1
	}
	list := "[]"
	if len(items) > 0 {
		list = "["
		for i, it := range items {
			if i > 0 {
				list += ","
			}
			list += it
		}
		list += "]"
	}
	return fmt.Sprintf(
		`{"status_code": 0, "has_more": %d, "max_cursor": %d, "aweme_list": %s}`,
		more, cursor, list,
	)
}

func newTestCrawler(t *testing.T, handler http.Handler, store domain.Store) (*Crawler, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{
		BaseURL:     srv.URL,
		LiveBaseURL: srv.URL,
	})
	c := NewCrawler(client, store, testLogger())
	c.budget = 2 * time.Second
	c.retryDelay = time.Millisecond
	return c, srv
}

func TestUserPostsPagination(t *testing.T) {
	now := time.Now()
	var requests atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/aweme/v1/web/aweme/post/", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		switch r.URL.Query().Get("max_cursor") {
		case "0":
			fmt.Fprint(w, feedBody([]string{
				item("101", now, 0),
				item("102", now.Add(-time.Hour), 0),
			}, true, 111))
		case "111":
			fmt.Fprint(w, feedBody([]string{item("103", now.Add(-2*time.Hour), 0)}, false, 222))
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("max_cursor"))
		}
	})

	store := &fakeStore{}
	c, _ := newTestCrawler(t, mux, store)

	posts, err := c.UserPosts(context.Background(), "MS4wLjABAAAAowner", Options{})
	require.NoError(t, err)
	require.Len(t, posts, 3)
	assert.Equal(t, "101", posts[0].AwemeID)
	assert.Equal(t, "103", posts[2].AwemeID)
	assert.Equal(t, int64(2), requests.Load())

	require.Len(t, store.bulks, 1)
	assert.Len(t, store.bulks[0], 3)
	assert.True(t, store.assocs[0].OwnerPost)
	assert.Empty(t, store.assocs[0].LikedBy)
}

func TestUserLikesAssociation(t *testing.T) {
	now := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("/aweme/v1/web/aweme/favorite/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedBody([]string{item("201", now, 0)}, false, 0))
	})

	store := &fakeStore{}
	c, _ := newTestCrawler(t, mux, store)

	posts, err := c.UserLikes(context.Background(), "MS4wLjABAAAAviewer", Options{})
	require.NoError(t, err)
	require.Len(t, posts, 1)

	require.Len(t, store.assocs, 1)
	assert.False(t, store.assocs[0].OwnerPost)
	assert.Equal(t, "MS4wLjABAAAAviewer", store.assocs[0].LikedBy)
}

func TestCrawlNumberCap(t *testing.T) {
	now := time.Now()
	var requests atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/aweme/v1/web/aweme/post/", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, feedBody([]string{
			item("301", now, 0),
			item("302", now, 0),
			item("303", now, 0),
			item("304", now, 0),
			item("305", now, 0),
		}, true, 111))
	})

	c, _ := newTestCrawler(t, mux, nil)

	posts, err := c.UserPosts(context.Background(), "MS4wLjABAAAAowner", Options{Number: 3})
	require.NoError(t, err)
	require.Len(t, posts, 3)
	assert.Equal(t, "303", posts[2].AwemeID)
	// the cap stopped the crawl before a second page was requested
	assert.Equal(t, int64(1), requests.Load())
}

func TestCrawlDateWindow(t *testing.T) {
	before := time.Date(2023, 1, 1, 12, 0, 0, 0, time.Local)
	inside := time.Date(2023, 6, 15, 12, 0, 0, 0, time.Local)
	after := time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)

	mux := http.NewServeMux()
	mux.HandleFunc("/aweme/v1/web/aweme/post/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedBody([]string{
			item("401", after, 0),
			item("402", inside, 0),
			item("403", before, 0),
		}, false, 0))
	})

	c, _ := newTestCrawler(t, mux, nil)

	posts, err := c.UserPosts(context.Background(), "MS4wLjABAAAAowner", Options{
		StartTime: "2023-06-01",
		EndTime:   "2023-06-30",
	})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "402", posts[0].AwemeID)
}

// out-of-range elements never count toward the cap
func TestCrawlDateWindowWithCap(t *testing.T) {
	inside := time.Date(2023, 6, 15, 12, 0, 0, 0, time.Local)
	outside := time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)

	mux := http.NewServeMux()
	mux.HandleFunc("/aweme/v1/web/aweme/post/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedBody([]string{
			item("501", outside, 0),
			item("502", inside, 0),
			item("503", outside, 0),
			item("504", inside.Add(-time.Hour), 0),
		}, false, 0))
	})

	c, _ := newTestCrawler(t, mux, nil)

	posts, err := c.UserPosts(context.Background(), "MS4wLjABAAAAowner", Options{
		Number:    2,
		StartTime: "2023-06-01",
		EndTime:   "2023-06-30",
	})
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "502", posts[0].AwemeID)
	assert.Equal(t, "504", posts[1].AwemeID)
}

func TestIncrementalStop(t *testing.T) {
	now := time.Now()
	var requests atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/aweme/v1/web/aweme/post/", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, feedBody([]string{
			item("601", now, 1), // pinned, archived, never triggers the stop
			item("602", now.Add(-time.Hour), 0),
			item("603", now.Add(-2*time.Hour), 0), // already archived
			item("604", now.Add(-3*time.Hour), 0),
		}, true, 111))
	})

	store := &fakeStore{knownPosts: map[string]bool{"601": true, "603": true}}
	c, _ := newTestCrawler(t, mux, store)

	posts, err := c.UserPosts(context.Background(), "MS4wLjABAAAAowner", Options{Increase: true})
	require.NoError(t, err)

	// strictly newer than the stop point, in feed order
	require.Len(t, posts, 2)
	assert.Equal(t, "601", posts[0].AwemeID)
	assert.Equal(t, "602", posts[1].AwemeID)

	// the whole crawl stopped: no second page despite has_more
	assert.Equal(t, int64(1), requests.Load())
	require.Len(t, store.bulks, 1)
	assert.Len(t, store.bulks[0], 2)
}

func TestConsecutiveAPIErrorsEndCrawl(t *testing.T) {
	var requests atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/aweme/v1/web/aweme/post/", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, `{"status_code": 8}`)
	})

	c, _ := newTestCrawler(t, mux, nil)

	posts, err := c.UserPosts(context.Background(), "MS4wLjABAAAAowner", Options{})
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.Equal(t, int64(2), requests.Load())
}

func TestAPIErrorStrikesReset(t *testing.T) {
	now := time.Now()
	var requests atomic.Int64

	// error, success, error, error: the success resets the strike count, so
	// the crawl survives the first error and ends on the later pair
	mux := http.NewServeMux()
	mux.HandleFunc("/aweme/v1/web/aweme/post/", func(w http.ResponseWriter, r *http.Request) {
		switch requests.Add(1) {
		case 2:
			fmt.Fprint(w, feedBody([]string{item("701", now, 0)}, true, 111))
		default:
			fmt.Fprint(w, `{"status_code": 8}`)
		}
	})

	c, _ := newTestCrawler(t, mux, nil)

	posts, err := c.UserPosts(context.Background(), "MS4wLjABAAAAowner", Options{})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, int64(4), requests.Load())
}

func TestFatalParseErrorEndsCrawl(t *testing.T) {
	bodies := map[string]string{
		"truncated":   `{"status_code": 0, "aweme_list": [`,
		"wrong shape": `{"status_code": 0, "aweme_list": {"not": "a list"}}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			var requests atomic.Int64
			mux := http.NewServeMux()
			mux.HandleFunc("/aweme/v1/web/aweme/post/", func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				fmt.Fprint(w, body)
			})

			c, _ := newTestCrawler(t, mux, nil)

			posts, err := c.UserPosts(context.Background(), "MS4wLjABAAAAowner", Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "fatal parse error")
			assert.Empty(t, posts)
			// fatal, not transient: no retry burned the wall budget
			assert.Equal(t, int64(1), requests.Load())
		})
	}
}

// a crawl that ends early still flushes what it accumulated
func TestPartialResultFlushedOnError(t *testing.T) {
	now := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("/aweme/v1/web/aweme/post/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("max_cursor") == "0" {
			fmt.Fprint(w, feedBody([]string{item("651", now, 0)}, true, 111))
			return
		}
		fmt.Fprint(w, `{"status_code": 0, "aweme_list": [`)
	})

	store := &fakeStore{}
	c, _ := newTestCrawler(t, mux, store)

	posts, err := c.UserPosts(context.Background(), "MS4wLjABAAAAowner", Options{})
	require.Error(t, err)
	require.Len(t, posts, 1)

	require.Len(t, store.bulks, 1)
	require.Len(t, store.bulks[0], 1)
	assert.Equal(t, "651", store.bulks[0][0].AwemeID)
	assert.True(t, store.assocs[0].OwnerPost)
}

func TestAwemeRetriesThenSucceeds(t *testing.T) {
	now := time.Now()
	var requests atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/aweme/v1/web/aweme/detail/", func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			fmt.Fprint(w, `{"status_code": 8}`)
			return
		}
		fmt.Fprintf(w, `{"status_code": 0, "aweme_detail": %s}`, item("801", now, 0))
	})

	store := &fakeStore{}
	c, _ := newTestCrawler(t, mux, store)

	post, err := c.Aweme(context.Background(), "801")
	require.NoError(t, err)
	assert.Equal(t, "801", post.AwemeID)
	assert.Equal(t, int64(2), requests.Load())

	require.Len(t, store.upserts, 1)
	assert.True(t, store.assocs[0].OwnerPost)
}

func TestAwemeGivesUp(t *testing.T) {
	var requests atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/aweme/v1/web/aweme/detail/", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, `{"status_code": 8}`)
	})

	c, _ := newTestCrawler(t, mux, nil)

	_, err := c.Aweme(context.Background(), "802")
	require.Error(t, err)
	assert.Equal(t, int64(awemeRetryAttempts), requests.Load())
}

func TestMixList(t *testing.T) {
	inside := time.Date(2023, 6, 15, 12, 0, 0, 0, time.Local)
	outside := time.Date(2021, 1, 1, 12, 0, 0, 0, time.Local)

	mux := http.NewServeMux()
	mux.HandleFunc("/aweme/v1/web/mix/list/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "0":
			fmt.Fprintf(w, `{"status_code": 0, "has_more": 1, "cursor": 12, "mix_infos": [
				{"mix_id": "m1", "mix_name": "first", "create_time": %d},
				{"mix_id": "m2", "mix_name": "too old", "create_time": %d}
			]}`, inside.Unix(), outside.Unix())
		default:
			fmt.Fprintf(w, `{"status_code": 0, "has_more": 0, "cursor": 0, "mix_infos": [
				{"mix_id": "m3", "mix_name": "second", "create_time": %d}
			]}`, inside.Unix())
		}
	})

	c, _ := newTestCrawler(t, mux, nil)

	entries, err := c.MixList(context.Background(), "MS4wLjABAAAAowner", Options{
		StartTime: "2023-01-01",
		EndTime:   "2023-12-31",
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, MixEntry{ID: "m1", Name: "first"}, entries[0])
	assert.Equal(t, MixEntry{ID: "m3", Name: "second"}, entries[1])
}

func TestLiveSnapshot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/webcast/room/web/enter/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "468920163217", r.URL.Query().Get("web_rid"))
		fmt.Fprint(w, `{"status_code": 0, "data": {"data": [{"status": 2, "title": "on air", "owner": {"nickname": "host"}}]}}`)
	})

	c, _ := newTestCrawler(t, mux, nil)

	live, err := c.Live(context.Background(), "468920163217")
	require.NoError(t, err)
	assert.False(t, live.Ended())
	assert.Equal(t, "on air", live.Title)
}

func TestLiveEnded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/webcast/room/web/enter/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status_code": 0, "data": {"data": [{"status": 4}]}}`)
	})

	c, _ := newTestCrawler(t, mux, nil)

	live, err := c.Live(context.Background(), "468920163217")
	require.NoError(t, err)
	assert.True(t, live.Ended())
}

func TestLooseBool(t *testing.T) {
	cases := map[string]bool{
		`true`:  true,
		`false`: false,
		`1`:     true,
		`0`:     false,
		`"1"`:   true,
		`"0"`:   false,
		`null`:  false,
	}
	for in, want := range cases {
		var b looseBool
		require.NoError(t, json.Unmarshal([]byte(in), &b))
		assert.Equal(t, want, bool(b), "input %s", in)
	}
}

func TestClientSignerToken(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/aweme/v1/web/aweme/post/", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, feedBody(nil, false, 0))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(ClientConfig{
		BaseURL: srv.URL,
		Signer:  func(query string) string { return "signed-" + strconv.Itoa(len(query)) },
	})

	_, err := client.UserPostPage(context.Background(), "MS4wLjABAAAAowner", 35, 0)
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "a_bogus=signed-")
}
