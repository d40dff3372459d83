package douyin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultBase       = "https://www.douyin.com"
	defaultLiveBase   = "https://live.douyin.com"
	defaultReflowBase = "https://webcast.amemv.com"

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36"
)

// Signer computes the platform's anti-bot token over the exact encoded query
// string. The token is byte-order-sensitive, so callers pass the final query
// verbatim. The algorithm itself is an external collaborator.
type Signer func(query string) string

// NoSigner returns an empty token; requests go out unsigned. Deployments
// plug in a real a_bogus implementation.
func NoSigner(string) string { return "" }

// APIError is a non-success status_code from the remote API.
type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status_code %d", e.StatusCode)
}

// Client is a minimal client for the platform's private web API. All methods
// fetch exactly one page or one record; pagination lives in the Crawler.
type Client struct {
	httpClient *http.Client
	signer     Signer
	cookie     string

	base       string
	liveBase   string
	reflowBase string
}

// ClientConfig configures a Client. Zero-value base URLs fall back to the
// production hosts; tests point them at a local server.
type ClientConfig struct {
	Signer        Signer
	Cookie        string
	BaseURL       string
	LiveBaseURL   string
	ReflowBaseURL string
	HTTPClient    *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		httpClient: cfg.HTTPClient,
		signer:     cfg.Signer,
		cookie:     cfg.Cookie,
		base:       cfg.BaseURL,
		liveBase:   cfg.LiveBaseURL,
		reflowBase: cfg.ReflowBaseURL,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.signer == nil {
		c.signer = NoSigner
	}
	if c.base == "" {
		c.base = defaultBase
	}
	if c.liveBase == "" {
		c.liveBase = defaultLiveBase
	}
	if c.reflowBase == "" {
		c.reflowBase = defaultReflowBase
	}
	return c
}

// FeedPage is one page of a paginated post listing.
type FeedPage struct {
	Items   []json.RawMessage
	HasMore bool
	Cursor  int64
}

// MixListPage is one page of a user's collection listing.
type MixListPage struct {
	Mixes   []json.RawMessage
	HasMore bool
	Cursor  int64
}

// PostDetail fetches a single post's raw payload.
func (c *Client) PostDetail(ctx context.Context, awemeID string) (json.RawMessage, error) {
	params := baseParams()
	params.Set("aweme_id", awemeID)

	var resp detailResponse
	if err := c.get(ctx, c.base+"/aweme/v1/web/aweme/detail/", params, &resp); err != nil {
		return nil, err
	}
	if resp.StatusCode != 0 {
		return nil, &APIError{StatusCode: resp.StatusCode}
	}
	if len(resp.AwemeDetail) == 0 || string(resp.AwemeDetail) == "null" {
		return nil, fmt.Errorf("empty aweme_detail for %s", awemeID)
	}
	return resp.AwemeDetail, nil
}

// UserPostPage fetches one page of a user's own posts.
func (c *Client) UserPostPage(ctx context.Context, secUID string, count int, cursor int64) (*FeedPage, error) {
	params := baseParams()
	params.Set("sec_user_id", secUID)
	params.Set("count", strconv.Itoa(count))
	params.Set("max_cursor", strconv.FormatInt(cursor, 10))
	return c.feedPage(ctx, c.base+"/aweme/v1/web/aweme/post/", params)
}

// UserLikePage fetches one page of the posts a user has liked.
func (c *Client) UserLikePage(ctx context.Context, secUID string, count int, cursor int64) (*FeedPage, error) {
	params := baseParams()
	params.Set("sec_user_id", secUID)
	params.Set("count", strconv.Itoa(count))
	params.Set("max_cursor", strconv.FormatInt(cursor, 10))
	return c.feedPage(ctx, c.base+"/aweme/v1/web/aweme/favorite/", params)
}

// MixPage fetches one page of a mix/collection's posts.
func (c *Client) MixPage(ctx context.Context, mixID string, count int, cursor int64) (*FeedPage, error) {
	params := baseParams()
	params.Set("mix_id", mixID)
	params.Set("count", strconv.Itoa(count))
	params.Set("cursor", strconv.FormatInt(cursor, 10))
	return c.feedPage(ctx, c.base+"/aweme/v1/web/mix/aweme/", params)
}

// MusicPage fetches one page of the posts using a music track.
func (c *Client) MusicPage(ctx context.Context, musicID string, count int, cursor int64) (*FeedPage, error) {
	params := baseParams()
	params.Set("music_id", musicID)
	params.Set("count", strconv.Itoa(count))
	params.Set("cursor", strconv.FormatInt(cursor, 10))
	return c.feedPage(ctx, c.base+"/aweme/v1/web/music/aweme/", params)
}

// MixListPage fetches one page of a user's collections.
func (c *Client) MixListPage(ctx context.Context, secUID string, count int, cursor int64) (*MixListPage, error) {
	params := baseParams()
	params.Set("sec_user_id", secUID)
	params.Set("count", strconv.Itoa(count))
	params.Set("cursor", strconv.FormatInt(cursor, 10))

	var resp mixListResponse
	if err := c.get(ctx, c.base+"/aweme/v1/web/mix/list/", params, &resp); err != nil {
		return nil, err
	}
	if resp.StatusCode != 0 {
		return nil, &APIError{StatusCode: resp.StatusCode}
	}
	return &MixListPage{
		Mixes:   resp.MixInfos,
		HasMore: bool(resp.HasMore),
		Cursor:  resp.Cursor,
	}, nil
}

// LiveRoom fetches a one-shot snapshot of a live room by its durable web_rid.
func (c *Client) LiveRoom(ctx context.Context, webRID string) (json.RawMessage, error) {
	params := baseParams()
	params.Set("web_rid", webRID)

	var resp json.RawMessage
	if err := c.get(ctx, c.liveBase+"/webcast/room/web/enter/", params, &resp); err != nil {
		return nil, err
	}
	var envelope struct {
		StatusCode int `json:"status_code"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return nil, fmt.Errorf("parse live response: %w", err)
	}
	if envelope.StatusCode != 0 {
		return nil, &APIError{StatusCode: envelope.StatusCode}
	}
	return resp, nil
}

// RoomID exchanges an opaque reflow id for the room's durable web_rid. Share
// links to live rooms carry only the reflow id, so resolution needs this
// second hop.
func (c *Client) RoomID(ctx context.Context, reflowID string) (string, error) {
	params := url.Values{}
	params.Set("live_id", "1")
	params.Set("room_id", reflowID)
	params.Set("app_id", "1128")

	var resp reflowResponse
	if err := c.get(ctx, c.reflowBase+"/webcast/room/reflow/info/", params, &resp); err != nil {
		return "", err
	}
	webRID := resp.Data.Room.Owner.WebRID
	if webRID == "" {
		return "", fmt.Errorf("reflow response missing web_rid for %s", reflowID)
	}
	return webRID, nil
}

func (c *Client) feedPage(ctx context.Context, endpoint string, params url.Values) (*FeedPage, error) {
	var resp feedResponse
	if err := c.get(ctx, endpoint, params, &resp); err != nil {
		return nil, err
	}
	if resp.StatusCode != 0 {
		return nil, &APIError{StatusCode: resp.StatusCode}
	}

	cursor := resp.Cursor
	if resp.MaxCursor != 0 {
		cursor = resp.MaxCursor
	}
	return &FeedPage{
		Items:   resp.AwemeList,
		HasMore: bool(resp.HasMore),
		Cursor:  cursor,
	}, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, result any) error {
	query := params.Encode()
	if token := c.signer(query); token != "" {
		query += "&a_bogus=" + url.QueryEscape(token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", defaultBase+"/")
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	if len(body) == 0 {
		return fmt.Errorf("empty response body")
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// baseParams is the browser fingerprint the web API expects alongside every
// request. The signature is computed over these plus the call's own params.
func baseParams() url.Values {
	return url.Values{
		"device_platform":  {"webapp"},
		"aid":              {"6383"},
		"channel":          {"channel_pc_web"},
		"pc_client_type":   {"1"},
		"version_code":     {"170400"},
		"version_name":     {"17.4.0"},
		"cookie_enabled":   {"true"},
		"screen_width":     {"1920"},
		"screen_height":    {"1080"},
		"browser_language": {"zh-CN"},
		"browser_platform": {"MacIntel"},
		"browser_name":     {"Chrome"},
		"browser_version":  {"130.0.0.0"},
		"browser_online":   {"true"},
		"engine_name":      {"Blink"},
		"engine_version":   {"130.0.0.0"},
		"os_name":          {"Mac"},
		"os_version":       {"10.15.7"},
		"cpu_core_num":     {"8"},
		"device_memory":    {"8"},
		"platform":         {"PC"},
		"downlink":         {"10"},
		"effective_type":   {"4g"},
		"round_trip_time":  {"50"},
	}
}

// truncate returns the first n bytes of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// looseBool accepts the API's mixed encodings of boolean flags: true/false,
// 1/0, or "1"/"0" depending on the endpoint.
type looseBool bool

func (b *looseBool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true", "1", `"1"`:
		*b = true
	default:
		*b = false
	}
	return nil
}

type feedResponse struct {
	StatusCode int               `json:"status_code"`
	HasMore    looseBool         `json:"has_more"`
	MaxCursor  int64             `json:"max_cursor"`
	Cursor     int64             `json:"cursor"`
	AwemeList  []json.RawMessage `json:"aweme_list"`
}

type detailResponse struct {
	StatusCode  int             `json:"status_code"`
	AwemeDetail json.RawMessage `json:"aweme_detail"`
}

type mixListResponse struct {
	StatusCode int               `json:"status_code"`
	HasMore    looseBool         `json:"has_more"`
	Cursor     int64             `json:"cursor"`
	MixInfos   []json.RawMessage `json:"mix_infos"`
}

type reflowResponse struct {
	Data struct {
		Room struct {
			Owner struct {
				WebRID string `json:"web_rid"`
			} `json:"owner"`
		} `json:"room"`
	} `json:"data"`
}
