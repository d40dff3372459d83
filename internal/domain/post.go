package domain

import "encoding/json"

// PostKind discriminates the media payload a post carries.
type PostKind int

const (
	KindVideo PostKind = 0
	KindAlbum PostKind = 1
	KindLive  PostKind = 2
)

// MediaRef describes one downloadable asset. URLList holds mirror URLs; the
// first entry is authoritative and the rest are fallbacks.
type MediaRef struct {
	URI     string   `json:"uri"`
	Width   int      `json:"width,omitempty"`
	Height  int      `json:"height,omitempty"`
	URLList []string `json:"url_list"`
}

// FirstURL returns the authoritative URL, or "" when the ref is empty.
func (m MediaRef) FirstURL() string {
	if len(m.URLList) == 0 {
		return ""
	}
	return m.URLList[0]
}

// Author is the user dimension. SecUID is the stable key; UID is the
// platform's numeric id and may change representation between crawls.
type Author struct {
	SecUID          string   `json:"sec_uid"`
	UID             string   `json:"uid"`
	UniqueID        string   `json:"unique_id"`
	ShortID         string   `json:"short_id"`
	Nickname        string   `json:"nickname"`
	Signature       string   `json:"signature"`
	FollowerCount   int64    `json:"follower_count"`
	FollowingCount  int64    `json:"following_count"`
	FavoritingCount int64    `json:"favoriting_count"`
	TotalFavorited  int64    `json:"total_favorited"`
	UserAge         int64    `json:"user_age"`
	Secret          bool     `json:"secret"`
	AvatarThumb     MediaRef `json:"avatar_thumb"`
	// Avatar is synthesized from AvatarThumb; the API has no high-res field.
	Avatar MediaRef `json:"avatar"`
}

// Music is the music dimension. ID is best effort: explicit id when present,
// else derived from the play-address URI, else empty and the post row keeps
// its music reference unlinked.
type Music struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	OwnerID       string   `json:"owner_id"`
	OwnerHandle   string   `json:"owner_handle"`
	OwnerNickname string   `json:"owner_nickname"`
	CoverHD       MediaRef `json:"cover_hd"`
	CoverLarge    MediaRef `json:"cover_large"`
	CoverMedium   MediaRef `json:"cover_medium"`
	CoverThumb    MediaRef `json:"cover_thumb"`
	PlayURL       MediaRef `json:"play_url"`
}

// MixStats tracks episode progress inside a serial mix.
type MixStats struct {
	CurrentEpisode   int64 `json:"current_episode"`
	UpdatedToEpisode int64 `json:"updated_to_episode"`
}

// Mix is the collection dimension.
type Mix struct {
	ID       string   `json:"mix_id"`
	Name     string   `json:"mix_name"`
	IsSerial bool     `json:"is_serial_mix"`
	Type     int64    `json:"mix_type"`
	PicType  int64    `json:"mix_pic_type"`
	IDs      []string `json:"ids"`
	Cover    MediaRef `json:"cover_url"`
	Stats    MixStats `json:"statis"`
}

// Image is one element of an album post.
type Image struct {
	MediaRef
	MaskURLList []string `json:"mask_url_list"`
}

// Video is the media payload of a video post. PlayAddr is taken from the
// highest bit-rate variant, not the platform's low-quality top-level address.
type Video struct {
	PlayAddr           MediaRef `json:"play_addr"`
	Cover              MediaRef `json:"cover"`
	OriginCover        MediaRef `json:"origin_cover"`
	CoverOriginalScale MediaRef `json:"cover_original_scale"`
	DynamicCover       MediaRef `json:"dynamic_cover"`
}

// Statistics holds the post's counters. Absent counters stay zero.
type Statistics struct {
	AdmireCount  int64 `json:"admire_count"`
	CollectCount int64 `json:"collect_count"`
	CommentCount int64 `json:"comment_count"`
	DiggCount    int64 `json:"digg_count"`
	PlayCount    int64 `json:"play_count"`
	ShareCount   int64 `json:"share_count"`
}

// Post is the canonical record every crawl mode emits. AwemeID is immutable
// once persisted; a re-upsert replaces scalars but never the identifier.
type Post struct {
	AwemeID    string     `json:"aweme_id"`
	Kind       PostKind   `json:"awemeType"`
	CreateTime string     `json:"create_time"`
	Desc       string     `json:"desc"`
	IsTop      bool       `json:"is_top"`
	Author     Author     `json:"author"`
	Music      Music      `json:"music"`
	MixInfo    Mix        `json:"mix_info"`
	Video      Video      `json:"video"`
	Images     []Image    `json:"images"`
	Statistics Statistics `json:"statistics"`

	// Raw is the original API payload, retained verbatim for reprocessing.
	Raw json.RawMessage `json:"-"`
}
