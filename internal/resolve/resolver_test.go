package resolve

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"bare url",
			"https://v.douyin.com/abcDEF/",
			"https://v.douyin.com/abcDEF/",
		},
		{
			"share text noise",
			"7.43 Kfa:/ 复制打开 https://v.douyin.com/abcDEF/ 看看这个作品",
			"https://v.douyin.com/abcDEF/",
		},
		{
			"surrounding whitespace",
			"   \thttps://www.douyin.com/user/MS4wLjABAAAAxyz\n",
			"https://www.douyin.com/user/MS4wLjABAAAAxyz",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExtractURLUnrecognized(t *testing.T) {
	_, err := ExtractURL("no link in here")
	assert.ErrorIs(t, err, ErrUnrecognized)
}

// ExtractURL must return a URL verbatim, so extracting twice is a no-op.
func TestExtractURLIdempotent(t *testing.T) {
	first, err := ExtractURL("noise https://v.douyin.com/abcDEF/ noise")
	require.NoError(t, err)
	second, err := ExtractURL(first)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		landing  string
		wantKind Kind
		wantID   string
	}{
		{"user profile", "https://www.douyin.com/user/MS4wLjABAAAAxyz?from_tab_name=main", KindUser, "MS4wLjABAAAAxyz"},
		{"video", "https://www.douyin.com/video/7300000000000000001", KindAweme, "7300000000000000001"},
		{"note", "https://www.douyin.com/note/7300000000000000002", KindAweme, "7300000000000000002"},
		{"mix detail", "https://www.douyin.com/mix/detail/7200000000000000001", KindMix, "7200000000000000001"},
		{"collection", "https://www.douyin.com/collection/7200000000000000002", KindMix, "7200000000000000002"},
		{"music", "https://www.douyin.com/music/6800000000000000001", KindMusic, "6800000000000000001"},
		{"live host", "https://live.douyin.com/468920163217", KindLive, "468920163217"},
	}

	r := New(nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			landing, err := url.Parse(tc.landing)
			require.NoError(t, err)

			kind, id, err := r.classify(context.Background(), landing)
			require.NoError(t, err)
			assert.Equal(t, tc.wantKind, kind)
			assert.Equal(t, tc.wantID, id)
		})
	}
}

func TestClassifyUnrecognized(t *testing.T) {
	landing, err := url.Parse("https://www.douyin.com/discover")
	require.NoError(t, err)

	_, _, err = New(nil).classify(context.Background(), landing)
	assert.ErrorIs(t, err, ErrUnrecognized)
}

type roomResolverFunc func(ctx context.Context, reflowID string) (string, error)

func (f roomResolverFunc) RoomID(ctx context.Context, reflowID string) (string, error) {
	return f(ctx, reflowID)
}

func TestClassifyReflow(t *testing.T) {
	rooms := roomResolverFunc(func(_ context.Context, reflowID string) (string, error) {
		assert.Equal(t, "7400000000000000001", reflowID)
		return "468920163217", nil
	})

	landing, err := url.Parse("https://webcast.amemv.com/douyin/webcast/reflow/7400000000000000001")
	require.NoError(t, err)

	kind, id, err := New(rooms).classify(context.Background(), landing)
	require.NoError(t, err)
	assert.Equal(t, KindLive, kind)
	assert.Equal(t, "468920163217", id)
}

func TestClassifyReflowWithoutRoomResolver(t *testing.T) {
	landing, err := url.Parse("https://webcast.amemv.com/douyin/webcast/reflow/7400000000000000001")
	require.NoError(t, err)

	_, _, err = New(nil).classify(context.Background(), landing)
	assert.ErrorIs(t, err, ErrUnrecognized)
}

func TestResolveFollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/share/abc", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/video/987654321", http.StatusFound)
	})
	mux.HandleFunc("/video/987654321", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	kind, id, err := New(nil).Resolve(context.Background(), "open this: "+srv.URL+"/share/abc please")
	require.NoError(t, err)
	assert.Equal(t, KindAweme, kind)
	assert.Equal(t, "987654321", id)
}
