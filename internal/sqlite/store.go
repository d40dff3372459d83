// Package sqlite implements domain.Store on an embedded sqlite database
// tuned for scrape workloads: WAL journaling, enforced foreign keys, and
// relaxed synchronous commit.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dyarchive/dyarchive/internal/domain"
	_ "modernc.org/sqlite"
)

// Store implements domain.Store. Writes are serialized through mu; reads go
// straight to the pool.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the database at path, applies the pragmas,
// and runs the schema migration. The caller should call Close when done.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			sec_uid          TEXT PRIMARY KEY,
			uid              TEXT,
			unique_id        TEXT,
			short_id         TEXT,
			nickname         TEXT,
			signature        TEXT,
			follower_count   INTEGER,
			following_count  INTEGER,
			favoriting_count INTEGER,
			total_favorited  INTEGER,
			user_age         INTEGER,
			secret           INTEGER,
			avatar_thumb     TEXT,
			avatar           TEXT,
			updated_at       TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_users_unique_id ON users(unique_id);

		CREATE TABLE IF NOT EXISTS music (
			music_id       TEXT PRIMARY KEY,
			title          TEXT,
			owner_id       TEXT,
			owner_handle   TEXT,
			owner_nickname TEXT,
			play_url       TEXT,
			cover_hd       TEXT,
			cover_large    TEXT,
			cover_medium   TEXT,
			cover_thumb    TEXT
		);

		CREATE TABLE IF NOT EXISTS mixes (
			mix_id             TEXT PRIMARY KEY,
			mix_name           TEXT,
			is_serial_mix      INTEGER,
			mix_type           INTEGER,
			mix_pic_type       INTEGER,
			ids                TEXT,
			cover_url          TEXT,
			current_episode    INTEGER,
			updated_to_episode INTEGER
		);

		CREATE TABLE IF NOT EXISTS posts (
			aweme_id    TEXT PRIMARY KEY,
			sec_uid     TEXT NOT NULL,
			aweme_type  INTEGER,
			create_time TEXT,
			description TEXT,
			music_id    TEXT,
			mix_id      TEXT,
			statistics  TEXT,
			rawdata     TEXT,
			FOREIGN KEY (sec_uid)  REFERENCES users(sec_uid) ON UPDATE CASCADE ON DELETE RESTRICT,
			FOREIGN KEY (music_id) REFERENCES music(music_id) ON UPDATE CASCADE ON DELETE SET NULL,
			FOREIGN KEY (mix_id)   REFERENCES mixes(mix_id)   ON UPDATE CASCADE ON DELETE SET NULL
		);
		CREATE INDEX IF NOT EXISTS idx_posts_sec_uid  ON posts(sec_uid);
		CREATE INDEX IF NOT EXISTS idx_posts_music_id ON posts(music_id);
		CREATE INDEX IF NOT EXISTS idx_posts_mix_id   ON posts(mix_id);

		CREATE TABLE IF NOT EXISTS post_images (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			aweme_id      TEXT NOT NULL,
			idx           INTEGER NOT NULL,
			uri           TEXT,
			width         INTEGER,
			height        INTEGER,
			url_list      TEXT,
			mask_url_list TEXT,
			UNIQUE(aweme_id, idx),
			FOREIGN KEY (aweme_id) REFERENCES posts(aweme_id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_post_images_aweme_id ON post_images(aweme_id);

		CREATE TABLE IF NOT EXISTS post_videos (
			aweme_id             TEXT PRIMARY KEY,
			play_addr_uri        TEXT,
			play_addr_urls       TEXT,
			cover                TEXT,
			origin_cover         TEXT,
			cover_original_scale TEXT,
			dynamic_cover        TEXT,
			FOREIGN KEY (aweme_id) REFERENCES posts(aweme_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS user_posts (
			sec_uid  TEXT NOT NULL,
			aweme_id TEXT NOT NULL,
			PRIMARY KEY (sec_uid, aweme_id),
			FOREIGN KEY (sec_uid)  REFERENCES users(sec_uid)  ON DELETE CASCADE,
			FOREIGN KEY (aweme_id) REFERENCES posts(aweme_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS user_likes (
			sec_uid  TEXT NOT NULL,
			aweme_id TEXT NOT NULL,
			PRIMARY KEY (sec_uid, aweme_id),
			FOREIGN KEY (sec_uid)  REFERENCES users(sec_uid)  ON DELETE CASCADE,
			FOREIGN KEY (aweme_id) REFERENCES posts(aweme_id) ON DELETE CASCADE
		)`)
	return err
}

// UpsertPost inserts or refreshes a post, its dimensions, its media detail
// rows, and its association rows, all inside one transaction. Any failure
// rolls the whole write back.
func (s *Store) UpsertPost(ctx context.Context, post *domain.Post, assoc domain.Association) error {
	if post == nil || post.AwemeID == "" {
		return fmt.Errorf("upsert post: missing aweme_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertUser(ctx, tx, &post.Author); err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	musicID, err := upsertMusic(ctx, tx, &post.Music)
	if err != nil {
		return fmt.Errorf("upsert music: %w", err)
	}
	mixID, err := upsertMix(ctx, tx, &post.MixInfo)
	if err != nil {
		return fmt.Errorf("upsert mix: %w", err)
	}

	stats, err := json.Marshal(post.Statistics)
	if err != nil {
		return fmt.Errorf("marshal statistics: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO posts (aweme_id, sec_uid, aweme_type, create_time, description, music_id, mix_id, statistics, rawdata)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (aweme_id) DO UPDATE SET
			sec_uid=excluded.sec_uid,
			aweme_type=excluded.aweme_type,
			create_time=excluded.create_time,
			description=excluded.description,
			music_id=excluded.music_id,
			mix_id=excluded.mix_id,
			statistics=excluded.statistics,
			rawdata=excluded.rawdata`,
		post.AwemeID,
		post.Author.SecUID,
		int(post.Kind),
		post.CreateTime,
		post.Desc,
		nullable(musicID),
		nullable(mixID),
		string(stats),
		string(post.Raw),
	)
	if err != nil {
		return fmt.Errorf("upsert post %s: %w", post.AwemeID, err)
	}

	for idx, img := range post.Images {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO post_images (aweme_id, idx, uri, width, height, url_list, mask_url_list)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT (aweme_id, idx) DO UPDATE SET
				uri=excluded.uri,
				width=excluded.width,
				height=excluded.height,
				url_list=excluded.url_list,
				mask_url_list=excluded.mask_url_list`,
			post.AwemeID, idx, img.URI, img.Width, img.Height,
			asJSON(img.URLList), asJSON(img.MaskURLList),
		)
		if err != nil {
			return fmt.Errorf("upsert image %d of %s: %w", idx, post.AwemeID, err)
		}
	}

	if post.Kind == domain.KindVideo {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO post_videos (aweme_id, play_addr_uri, play_addr_urls, cover, origin_cover, cover_original_scale, dynamic_cover)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT (aweme_id) DO UPDATE SET
				play_addr_uri=excluded.play_addr_uri,
				play_addr_urls=excluded.play_addr_urls,
				cover=excluded.cover,
				origin_cover=excluded.origin_cover,
				cover_original_scale=excluded.cover_original_scale,
				dynamic_cover=excluded.dynamic_cover`,
			post.AwemeID,
			post.Video.PlayAddr.URI,
			asJSON(post.Video.PlayAddr.URLList),
			asJSON(post.Video.Cover),
			asJSON(post.Video.OriginCover),
			asJSON(post.Video.CoverOriginalScale),
			asJSON(post.Video.DynamicCover),
		)
		if err != nil {
			return fmt.Errorf("upsert video of %s: %w", post.AwemeID, err)
		}
	}

	if assoc.OwnerPost && post.Author.SecUID != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO user_posts (sec_uid, aweme_id) VALUES (?,?) ON CONFLICT DO NOTHING`,
			post.Author.SecUID, post.AwemeID,
		)
		if err != nil {
			return fmt.Errorf("insert user_posts row: %w", err)
		}
	}
	if assoc.LikedBy != "" {
		if err := ensureUserStub(ctx, tx, assoc.LikedBy); err != nil {
			return fmt.Errorf("ensure liking user: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO user_likes (sec_uid, aweme_id) VALUES (?,?) ON CONFLICT DO NOTHING`,
			assoc.LikedBy, post.AwemeID,
		)
		if err != nil {
			return fmt.Errorf("insert user_likes row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// BulkUpsert applies UpsertPost per element in input order. Earlier elements
// stay committed when a later one fails.
func (s *Store) BulkUpsert(ctx context.Context, posts []*domain.Post, assoc domain.Association) error {
	for i, post := range posts {
		if err := s.UpsertPost(ctx, post, assoc); err != nil {
			return fmt.Errorf("bulk upsert element %d: %w", i, err)
		}
	}
	return nil
}

// HasUserPost reports whether the authored association exists.
func (s *Store) HasUserPost(ctx context.Context, secUID, awemeID string) (bool, error) {
	return s.hasAssociation(ctx, "user_posts", secUID, awemeID)
}

// HasUserLike reports whether the liked-by association exists.
func (s *Store) HasUserLike(ctx context.Context, secUID, awemeID string) (bool, error) {
	return s.hasAssociation(ctx, "user_likes", secUID, awemeID)
}

func (s *Store) hasAssociation(ctx context.Context, table, secUID, awemeID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM `+table+` WHERE sec_uid=? AND aweme_id=? LIMIT 1`,
		secUID, awemeID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query %s: %w", table, err)
	}
	return true, nil
}

// PostRow is the point-lookup view of a persisted post.
type PostRow struct {
	AwemeID    string
	SecUID     string
	Kind       domain.PostKind
	CreateTime string
	Desc       string
	MusicID    string
	MixID      string
	Raw        json.RawMessage
}

// GetPost retrieves one post by identifier. Returns sql.ErrNoRows when the
// post is unknown.
func (s *Store) GetPost(ctx context.Context, awemeID string) (*PostRow, error) {
	var (
		row            PostRow
		kind           int
		musicID, mixID sql.NullString
		raw            string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT aweme_id, sec_uid, aweme_type, create_time, description, music_id, mix_id, rawdata
		FROM posts WHERE aweme_id=?`, awemeID,
	).Scan(&row.AwemeID, &row.SecUID, &kind, &row.CreateTime, &row.Desc, &musicID, &mixID, &raw)
	if err != nil {
		return nil, err
	}
	row.Kind = domain.PostKind(kind)
	row.MusicID = musicID.String
	row.MixID = mixID.String
	row.Raw = json.RawMessage(raw)
	return &row, nil
}

// GetUser retrieves one user dimension row by sec_uid. Stub rows created for
// liked-by associations carry NULL in every column except the key, so all
// scans go through nullable types.
func (s *Store) GetUser(ctx context.Context, secUID string) (*domain.Author, error) {
	var (
		uid, uniqueID, shortID, nickname, signature sql.NullString
		follower, following, favoriting, favorited  sql.NullInt64
		userAge, secret                             sql.NullInt64
		avatarThumb, avatar                         sql.NullString
		a                                           domain.Author
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT sec_uid, uid, unique_id, short_id, nickname, signature,
		       follower_count, following_count, favoriting_count, total_favorited,
		       user_age, secret, avatar_thumb, avatar
		FROM users WHERE sec_uid=?`, secUID,
	).Scan(
		&a.SecUID, &uid, &uniqueID, &shortID, &nickname, &signature,
		&follower, &following, &favoriting, &favorited,
		&userAge, &secret, &avatarThumb, &avatar,
	)
	if err != nil {
		return nil, err
	}
	a.UID = uid.String
	a.UniqueID = uniqueID.String
	a.ShortID = shortID.String
	a.Nickname = nickname.String
	a.Signature = signature.String
	a.FollowerCount = follower.Int64
	a.FollowingCount = following.Int64
	a.FavoritingCount = favoriting.Int64
	a.TotalFavorited = favorited.Int64
	a.UserAge = userAge.Int64
	a.Secret = secret.Int64 != 0
	json.Unmarshal([]byte(avatarThumb.String), &a.AvatarThumb)
	json.Unmarshal([]byte(avatar.String), &a.Avatar)
	return &a, nil
}

func upsertUser(ctx context.Context, tx *sql.Tx, author *domain.Author) error {
	if author.SecUID == "" {
		return nil
	}
	secret := 0
	if author.Secret {
		secret = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users (sec_uid, uid, unique_id, short_id, nickname, signature,
			follower_count, following_count, favoriting_count, total_favorited,
			user_age, secret, avatar_thumb, avatar, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (sec_uid) DO UPDATE SET
			uid=excluded.uid,
			unique_id=excluded.unique_id,
			short_id=excluded.short_id,
			nickname=excluded.nickname,
			signature=excluded.signature,
			follower_count=excluded.follower_count,
			following_count=excluded.following_count,
			favoriting_count=excluded.favoriting_count,
			total_favorited=excluded.total_favorited,
			user_age=excluded.user_age,
			secret=excluded.secret,
			avatar_thumb=excluded.avatar_thumb,
			avatar=excluded.avatar,
			updated_at=excluded.updated_at`,
		author.SecUID, author.UID, author.UniqueID, author.ShortID,
		author.Nickname, author.Signature,
		author.FollowerCount, author.FollowingCount,
		author.FavoritingCount, author.TotalFavorited,
		author.UserAge, secret,
		asJSON(author.AvatarThumb), asJSON(author.Avatar),
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// ensureUserStub guarantees an FK target exists for a liked-by association
// when the liking viewer was never crawled as an author.
func ensureUserStub(ctx context.Context, tx *sql.Tx, secUID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO users (sec_uid, updated_at) VALUES (?,?) ON CONFLICT DO NOTHING`,
		secUID, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func upsertMusic(ctx context.Context, tx *sql.Tx, m *domain.Music) (string, error) {
	if m.ID == "" {
		// no stable identifier; the post row keeps its music unlinked
		return "", nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO music (music_id, title, owner_id, owner_handle, owner_nickname,
			play_url, cover_hd, cover_large, cover_medium, cover_thumb)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (music_id) DO UPDATE SET
			title=excluded.title,
			owner_id=excluded.owner_id,
			owner_handle=excluded.owner_handle,
			owner_nickname=excluded.owner_nickname,
			play_url=excluded.play_url,
			cover_hd=excluded.cover_hd,
			cover_large=excluded.cover_large,
			cover_medium=excluded.cover_medium,
			cover_thumb=excluded.cover_thumb`,
		m.ID, m.Title, m.OwnerID, m.OwnerHandle, m.OwnerNickname,
		asJSON(m.PlayURL), asJSON(m.CoverHD), asJSON(m.CoverLarge),
		asJSON(m.CoverMedium), asJSON(m.CoverThumb),
	)
	return m.ID, err
}

func upsertMix(ctx context.Context, tx *sql.Tx, m *domain.Mix) (string, error) {
	if m.ID == "" {
		return "", nil
	}
	serial := 0
	if m.IsSerial {
		serial = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO mixes (mix_id, mix_name, is_serial_mix, mix_type, mix_pic_type,
			ids, cover_url, current_episode, updated_to_episode)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (mix_id) DO UPDATE SET
			mix_name=excluded.mix_name,
			is_serial_mix=excluded.is_serial_mix,
			mix_type=excluded.mix_type,
			mix_pic_type=excluded.mix_pic_type,
			ids=excluded.ids,
			cover_url=excluded.cover_url,
			current_episode=excluded.current_episode,
			updated_to_episode=excluded.updated_to_episode`,
		m.ID, m.Name, serial, m.Type, m.PicType,
		asJSON(m.IDs), asJSON(m.Cover),
		m.Stats.CurrentEpisode, m.Stats.UpdatedToEpisode,
	)
	return m.ID, err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func asJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
