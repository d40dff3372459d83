// Package resolve turns pasted share strings into crawlable subjects.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Kind is the subject a link resolves to.
type Kind string

const (
	KindNone  Kind = ""
	KindUser  Kind = "user"
	KindAweme Kind = "aweme"
	KindMix   Kind = "mix"
	KindMusic Kind = "music"
	KindLive  Kind = "live"
)

// ErrUnrecognized marks input no resolver rule matched. Callers skip the
// link and keep processing; this is never fatal.
var ErrUnrecognized = errors.New("unrecognized link")

// shareURLPattern extracts the first well-formed URL from surrounding noise.
var shareURLPattern = regexp.MustCompile(`https?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*(),]|%[0-9a-fA-F][0-9a-fA-F])+`)

var (
	userPattern       = regexp.MustCompile(`/user/([^/?]+)`)
	videoPattern      = regexp.MustCompile(`/video/(\d+)`)
	notePattern       = regexp.MustCompile(`/note/(\d+)`)
	mixDetailPattern  = regexp.MustCompile(`/mix/detail/(\d+)`)
	collectionPattern = regexp.MustCompile(`/collection/(\d+)`)
	musicPattern      = regexp.MustCompile(`/music/(\d+)`)
	reflowPattern     = regexp.MustCompile(`/webcast/reflow/(\d+)`)
)

const liveHost = "live.douyin.com"

// RoomResolver exchanges a reflow id for a live room's durable identifier.
// Reflow share links carry only an opaque numeric id, so classification
// needs this second hop.
type RoomResolver interface {
	RoomID(ctx context.Context, reflowID string) (string, error)
}

// Resolver classifies share links by following their redirect and matching
// the final path.
type Resolver struct {
	httpClient *http.Client
	rooms      RoomResolver
	userAgent  string
}

// New creates a Resolver. rooms may be nil, in which case reflow live links
// resolve as unrecognized.
func New(rooms RoomResolver) *Resolver {
	return &Resolver{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		rooms:      rooms,
		userAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	}
}

// ExtractURL returns the first well-formed URL substring of text, verbatim.
func ExtractURL(text string) (string, error) {
	u := shareURLPattern.FindString(text)
	if u == "" {
		return "", fmt.Errorf("extract url from %q: %w", text, ErrUnrecognized)
	}
	return u, nil
}

// Resolve extracts the URL from text, follows redirects, and classifies the
// landing URL into a (kind, id) pair.
func (r *Resolver) Resolve(ctx context.Context, text string) (Kind, string, error) {
	shareURL, err := ExtractURL(text)
	if err != nil {
		return KindNone, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shareURL, nil)
	if err != nil {
		return KindNone, "", fmt.Errorf("build request for %s: %w", shareURL, err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return KindNone, "", fmt.Errorf("follow %s: %w", shareURL, err)
	}
	resp.Body.Close()

	return r.classify(ctx, resp.Request.URL)
}

func (r *Resolver) classify(ctx context.Context, landing *url.URL) (Kind, string, error) {
	path := landing.Path

	switch {
	case userPattern.MatchString(path):
		return KindUser, userPattern.FindStringSubmatch(path)[1], nil
	case videoPattern.MatchString(path):
		return KindAweme, videoPattern.FindStringSubmatch(path)[1], nil
	case notePattern.MatchString(path):
		return KindAweme, notePattern.FindStringSubmatch(path)[1], nil
	case mixDetailPattern.MatchString(path):
		return KindMix, mixDetailPattern.FindStringSubmatch(path)[1], nil
	case collectionPattern.MatchString(path):
		return KindMix, collectionPattern.FindStringSubmatch(path)[1], nil
	case musicPattern.MatchString(path):
		return KindMusic, musicPattern.FindStringSubmatch(path)[1], nil
	case reflowPattern.MatchString(path):
		if r.rooms == nil {
			return KindNone, "", fmt.Errorf("reflow link without room resolver: %w", ErrUnrecognized)
		}
		reflowID := reflowPattern.FindStringSubmatch(path)[1]
		webRID, err := r.rooms.RoomID(ctx, reflowID)
		if err != nil {
			return KindNone, "", fmt.Errorf("resolve reflow room %s: %w", reflowID, err)
		}
		return KindLive, webRID, nil
	case landing.Host == liveHost:
		return KindLive, strings.Trim(path, "/"), nil
	}

	return KindNone, "", fmt.Errorf("classify %s: %w", landing, ErrUnrecognized)
}
