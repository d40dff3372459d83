package domain

import "encoding/json"

// LiveStatusEnded is the room status the platform reports once a stream has
// finished; field extraction stops at that point.
const LiveStatusEnded = 4

// Live is a one-shot snapshot of a live room. It is never paginated and never
// persisted as a fact row; live mode only writes the snapshot to disk.
type Live struct {
	Status       int64  `json:"status"`
	Title        string `json:"title"`
	Cover        string `json:"cover"`
	Avatar       string `json:"avatar"`
	UserCount    string `json:"user_count"`
	Nickname     string `json:"nickname"`
	SecUID       string `json:"sec_uid"`
	DisplayLong  string `json:"display_long"`
	FLVPullURL   string `json:"flv_pull_url"`
	Partition    string `json:"partition"`
	SubPartition string `json:"sub_partition"`

	Raw json.RawMessage `json:"-"`
}

// Ended reports whether the stream had finished when the snapshot was taken.
func (l *Live) Ended() bool {
	return l.Status == LiveStatusEnded
}
