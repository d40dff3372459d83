// Package normalize projects raw, loosely-typed API payloads onto the
// canonical record shapes. Projection is best effort by design: a missing or
// uncoercible field is left at its zero value and never fails the record.
package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/dyarchive/dyarchive/internal/domain"
)

// CreateTimeLayout is the formatted creation timestamp written into records
// and reused for file names.
const CreateTimeLayout = "2006-01-02 15.04.05"

const (
	avatarThumbToken   = "100x100"
	avatarUpscaleToken = "1080x1080"
)

// Kind picks the post kind from the raw payload: album when a non-empty
// images array is present, video otherwise.
func Kind(raw json.RawMessage) domain.PostKind {
	var probe struct {
		Images []json.RawMessage `json:"images"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && len(probe.Images) > 0 {
		return domain.KindAlbum
	}
	return domain.KindVideo
}

// Meta is the cheap pre-normalization view the crawl filter works on: the
// identifier, the creation calendar day ("2006-01-02", local time), the
// pinned flag, and the kind discriminant.
type Meta struct {
	AwemeID string
	Day     string
	IsTop   bool
	Kind    domain.PostKind
}

// MetaOf extracts Meta from a raw payload in a single decode.
func MetaOf(raw json.RawMessage) Meta {
	m := decode(raw)
	meta := Meta{
		AwemeID: str(m, "aweme_id"),
		Day:     time.Unix(i64(m, "create_time"), 0).Format("2006-01-02"),
		IsTop:   i64(m, "is_top") != 0,
		Kind:    domain.KindVideo,
	}
	if len(arr(m, "images")) > 0 {
		meta.Kind = domain.KindAlbum
	}
	return meta
}

// Post builds a fresh canonical record from one raw API payload. Every call
// returns a new instance, so concurrent normalizations never share state.
func Post(kind domain.PostKind, raw json.RawMessage) *domain.Post {
	m := decode(raw)

	p := &domain.Post{
		AwemeID:    str(m, "aweme_id"),
		Kind:       kind,
		CreateTime: time.Unix(i64(m, "create_time"), 0).Format(CreateTimeLayout),
		Desc:       str(m, "desc"),
		IsTop:      i64(m, "is_top") != 0,
		Author:     author(obj(m, "author")),
		Music:      music(obj(m, "music")),
		MixInfo:    mix(obj(m, "mix_info")),
		Statistics: statistics(obj(m, "statistics")),
		Raw:        raw,
	}

	switch kind {
	case domain.KindVideo:
		p.Video = video(obj(m, "video"))
	case domain.KindAlbum:
		p.Images = images(arr(m, "images"))
	}

	return p
}

// Live builds a live-room snapshot from the room/web/enter payload. When the
// room has ended only the status survives; the remaining fields are not
// extracted.
func Live(raw json.RawMessage) *domain.Live {
	m := decode(raw)
	data := obj(m, "data")
	rooms := arr(data, "data")

	l := &domain.Live{Raw: raw}
	if len(rooms) == 0 {
		return l
	}
	room, ok := rooms[0].(map[string]any)
	if !ok {
		return l
	}

	l.Status = i64(room, "status")
	if l.Ended() {
		return l
	}

	l.Title = str(room, "title")
	l.Cover = firstURL(obj(room, "cover"))
	l.UserCount = str(room, "user_count_str")
	l.DisplayLong = str(obj(room, "room_view_stats"), "display_long")
	l.FLVPullURL = str(obj(obj(room, "stream_url"), "flv_pull_url"), "FULL_HD1")

	owner := obj(room, "owner")
	l.Nickname = str(owner, "nickname")
	l.SecUID = str(owner, "sec_uid")
	l.Avatar = upscaleURL(firstURL(obj(owner, "avatar_thumb")))

	roadMap := obj(data, "partition_road_map")
	l.Partition = str(obj(roadMap, "partition"), "title")
	l.SubPartition = str(obj(obj(roadMap, "sub_partition"), "partition"), "title")
	if l.Partition == "" {
		l.Partition = "None"
	}
	if l.SubPartition == "" {
		l.SubPartition = "None"
	}

	return l
}

func author(m map[string]any) domain.Author {
	a := domain.Author{
		SecUID:          str(m, "sec_uid"),
		UID:             str(m, "uid"),
		UniqueID:        str(m, "unique_id"),
		ShortID:         str(m, "short_id"),
		Nickname:        str(m, "nickname"),
		Signature:       str(m, "signature"),
		FollowerCount:   i64(m, "follower_count"),
		FollowingCount:  i64(m, "following_count"),
		FavoritingCount: i64(m, "favoriting_count"),
		TotalFavorited:  i64(m, "total_favorited"),
		UserAge:         i64(m, "user_age"),
		Secret:          i64(m, "secret") != 0,
		AvatarThumb:     mediaRef(obj(m, "avatar_thumb")),
	}
	a.Avatar = upscaleAvatar(a.AvatarThumb)
	return a
}

// upscaleAvatar synthesizes the high-resolution avatar from the thumbnail by
// substituting the resolution token. The API has no independent high-res
// avatar field.
func upscaleAvatar(thumb domain.MediaRef) domain.MediaRef {
	avatar := domain.MediaRef{
		URI:    upscaleURL(thumb.URI),
		Width:  thumb.Width,
		Height: thumb.Height,
	}
	for _, u := range thumb.URLList {
		avatar.URLList = append(avatar.URLList, upscaleURL(u))
	}
	return avatar
}

func upscaleURL(u string) string {
	return strings.ReplaceAll(u, avatarThumbToken, avatarUpscaleToken)
}

func music(m map[string]any) domain.Music {
	mu := domain.Music{
		Title:         str(m, "title"),
		OwnerID:       str(m, "owner_id"),
		OwnerHandle:   str(m, "owner_handle"),
		OwnerNickname: str(m, "owner_nickname"),
		CoverHD:       mediaRef(obj(m, "cover_hd")),
		CoverLarge:    mediaRef(obj(m, "cover_large")),
		CoverMedium:   mediaRef(obj(m, "cover_medium")),
		CoverThumb:    mediaRef(obj(m, "cover_thumb")),
		PlayURL:       mediaRef(obj(m, "play_url")),
	}
	mu.ID = musicID(m, mu.PlayURL)
	return mu
}

// musicID is best effort: explicit id fields first, then the play-address
// token. An empty result leaves the record's music reference unlinked.
func musicID(m map[string]any, playURL domain.MediaRef) string {
	for _, key := range []string{"id_str", "mid", "music_id", "id"} {
		if id := str(m, key); id != "" {
			return id
		}
	}
	return playURL.URI
}

func mix(m map[string]any) domain.Mix {
	statis := obj(m, "statis")
	return domain.Mix{
		ID:       str(m, "mix_id"),
		Name:     str(m, "mix_name"),
		IsSerial: i64(m, "is_serial_mix") != 0,
		Type:     i64(m, "mix_type"),
		PicType:  i64(m, "mix_pic_type"),
		IDs:      strs(m, "ids"),
		Cover:    mediaRef(unwrap(m, "cover_url")),
		Stats: domain.MixStats{
			CurrentEpisode:   i64(statis, "current_episode"),
			UpdatedToEpisode: i64(statis, "updated_to_episode"),
		},
	}
}

func statistics(m map[string]any) domain.Statistics {
	return domain.Statistics{
		AdmireCount:  i64(m, "admire_count"),
		CollectCount: i64(m, "collect_count"),
		CommentCount: i64(m, "comment_count"),
		DiggCount:    i64(m, "digg_count"),
		PlayCount:    i64(m, "play_count"),
		ShareCount:   i64(m, "share_count"),
	}
}

// video pulls the play address from the first bit_rate variant rather than
// the top-level play_addr, which the platform serves at low quality.
func video(m map[string]any) domain.Video {
	v := domain.Video{
		Cover:              mediaRef(obj(m, "cover")),
		OriginCover:        mediaRef(obj(m, "origin_cover")),
		CoverOriginalScale: mediaRef(obj(m, "cover_original_scale")),
		DynamicCover:       mediaRef(obj(m, "dynamic_cover")),
	}
	if rates := arr(m, "bit_rate"); len(rates) > 0 {
		if rate, ok := rates[0].(map[string]any); ok {
			v.PlayAddr = mediaRef(obj(rate, "play_addr"))
		}
	}
	return v
}

func images(items []any) []domain.Image {
	var out []domain.Image
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, domain.Image{
			MediaRef:    mediaRef(m),
			MaskURLList: strs(m, "mask_url_list"),
		})
	}
	return out
}

func mediaRef(m map[string]any) domain.MediaRef {
	return domain.MediaRef{
		URI:     str(m, "uri"),
		Width:   int(i64(m, "width")),
		Height:  int(i64(m, "height")),
		URLList: strs(m, "url_list"),
	}
}

func firstURL(m map[string]any) string {
	urls := strs(m, "url_list")
	if len(urls) == 0 {
		return ""
	}
	return urls[0]
}

// unwrap handles fields the API wraps in a one-element list.
func unwrap(m map[string]any, key string) map[string]any {
	switch v := m[key].(type) {
	case map[string]any:
		return v
	case []any:
		if len(v) > 0 {
			if inner, ok := v[0].(map[string]any); ok {
				return inner
			}
		}
	}
	return nil
}

// decode keeps numbers as json.Number: platform ids run to 19 digits and do
// not survive a float64 round trip.
func decode(raw json.RawMessage) map[string]any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return m
}

func obj(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func arr(m map[string]any, key string) []any {
	v, _ := m[key].([]any)
	return v
}

func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func i64(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return int64(f)
		}
		return 0
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func strs(m map[string]any, key string) []string {
	items, _ := m[key].([]any)
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
