// Package download executes the media-task lists derived from normalized
// posts: resumable, retrying transfers under bounded worker pools.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyarchive/dyarchive/internal/domain"
	"github.com/h2non/filetype"
)

const (
	transferAttempts = 3
	transferTimeout  = 30 * time.Second
	backoffBase      = time.Second
	backoffCeiling   = 10 * time.Second

	sniffLen = 262
)

// Options configure which media roles are fetched and how wide the pools run.
type Options struct {
	// Thread is the pool width for both the post pool and each post's task
	// pool, clamped to at least 1.
	Thread int

	Music  bool
	Cover  bool
	Avatar bool

	// Sidecar writes the normalized record as JSON next to the media.
	Sidecar bool

	// FolderStyle creates one subdirectory per post.
	FolderStyle bool

	// Cookie is sent with every media request.
	Cookie string
}

// Summary reports one batch's aggregate outcome. Failures are counted, never
// raised past the batch boundary.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
}

// Manager downloads the media of normalized posts.
type Manager struct {
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// New creates a download manager.
func New(opts Options, logger *slog.Logger) *Manager {
	if opts.Thread < 1 {
		opts.Thread = 1
	}
	return &Manager{
		opts: opts,
		httpClient: &http.Client{
			Timeout: transferTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        200,
				MaxIdleConnsPerHost: 200,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:    logger,
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	}
}

// task is one file to fetch. Paths are derived deterministically from the
// post name, the media role, and the index, so no two tasks share a target.
type task struct {
	url  string
	path string
	desc string
	role string
}

// Post downloads all media of one post into dir. Task failures are collected,
// not raised; the returned error summarizes how many tasks failed.
func (m *Manager) Post(ctx context.Context, post *domain.Post, dir string) error {
	if post == nil {
		return fmt.Errorf("nil post")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	name := post.CreateTime + "_" + SafeName(post.Desc, post.AwemeID)
	postDir := dir
	if m.opts.FolderStyle {
		postDir = filepath.Join(dir, name)
		if err := os.MkdirAll(postDir, 0o755); err != nil {
			return fmt.Errorf("create post directory: %w", err)
		}
	}

	if m.opts.Sidecar {
		if err := writeJSON(filepath.Join(postDir, name+"_result.json"), post); err != nil {
			m.logger.Error("sidecar write failed", "aweme_id", post.AwemeID, "error", err)
		}
	}

	tasks := m.buildTasks(post, postDir, name)
	if len(tasks) == 0 {
		m.logger.Warn("no media to download", "aweme_id", post.AwemeID)
		return nil
	}

	failed := m.runTasks(ctx, tasks)
	if failed > 0 {
		return fmt.Errorf("%d of %d media tasks failed", failed, len(tasks))
	}
	return nil
}

// Batch downloads a whole crawl result, one post per worker slot. Per-post
// failures only increment the failure count.
func (m *Manager) Batch(ctx context.Context, posts []*domain.Post, dir string) Summary {
	start := time.Now()
	summary := Summary{Total: len(posts)}
	if len(posts) == 0 {
		return summary
	}

	m.logger.Info("starting batch download",
		"posts", len(posts), "dir", dir, "threads", m.opts.Thread)

	jobs := make(chan *domain.Post, m.opts.Thread)
	var succeeded atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < m.opts.Thread; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for post := range jobs {
				if err := m.Post(ctx, post, dir); err != nil {
					m.logger.Error("post download failed", "aweme_id", post.AwemeID, "error", err)
					continue
				}
				succeeded.Add(1)
			}
		}()
	}
	for _, post := range posts {
		jobs <- post
	}
	close(jobs)
	wg.Wait()

	summary.Succeeded = int(succeeded.Load())
	summary.Failed = summary.Total - summary.Succeeded
	summary.Elapsed = time.Since(start)

	m.logger.Info("batch download complete",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"elapsed", summary.Elapsed.Round(time.Second).String(),
	)
	return summary
}

// buildTasks derives the ordered media-task list: at most one video or one
// task per album image, plus music/cover/avatar when configured.
func (m *Manager) buildTasks(post *domain.Post, dir, name string) []task {
	var tasks []task

	switch post.Kind {
	case domain.KindVideo:
		if u := post.Video.PlayAddr.FirstURL(); u != "" {
			tasks = append(tasks, task{
				url:  u,
				path: filepath.Join(dir, name+"_video.mp4"),
				desc: "[video] " + name,
				role: "video",
			})
		} else {
			m.logger.Warn("video post without play address", "aweme_id", post.AwemeID)
		}
	case domain.KindAlbum:
		for i, img := range post.Images {
			u := img.FirstURL()
			if u == "" {
				m.logger.Warn("album image without url", "aweme_id", post.AwemeID, "index", i)
				continue
			}
			tasks = append(tasks, task{
				url:  u,
				path: filepath.Join(dir, fmt.Sprintf("%s_image_%d.jpeg", name, i)),
				desc: fmt.Sprintf("[image %d] %s", i+1, name),
				role: "image",
			})
		}
	}

	if m.opts.Music {
		if u := post.Music.PlayURL.FirstURL(); u != "" {
			title := SafeName(post.Music.Title, "music")
			tasks = append(tasks, task{
				url:  u,
				path: filepath.Join(dir, name+"_music_"+title+".mp3"),
				desc: "[music] " + name,
				role: "music",
			})
		}
	}

	if m.opts.Cover && post.Kind == domain.KindVideo {
		if u := post.Video.Cover.FirstURL(); u != "" {
			tasks = append(tasks, task{
				url:  u,
				path: filepath.Join(dir, name+"_cover.jpeg"),
				desc: "[cover] " + name,
				role: "cover",
			})
		}
	}

	if m.opts.Avatar {
		if u := post.Author.Avatar.FirstURL(); u != "" {
			tasks = append(tasks, task{
				url:  u,
				path: filepath.Join(dir, name+"_avatar.jpeg"),
				desc: "[avatar] " + name,
				role: "avatar",
			})
		}
	}

	return tasks
}

// runTasks executes one post's tasks under the inner pool and returns the
// failure count.
func (m *Manager) runTasks(ctx context.Context, tasks []task) int {
	jobs := make(chan task, len(tasks))
	var failed atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < m.opts.Thread; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				if err := m.runTask(ctx, t); err != nil {
					m.logger.Error("media task failed", "desc", t.desc, "role", t.role, "error", err)
					failed.Add(1)
				}
			}
		}()
	}
	for _, t := range tasks {
		jobs <- t
	}
	close(jobs)
	wg.Wait()

	return int(failed.Load())
}

func (m *Manager) runTask(ctx context.Context, t task) error {
	if fi, err := os.Stat(t.path); err == nil && fi.Size() > 0 {
		m.logger.Debug("file exists, skipping", "path", t.path)
		return nil
	}
	return m.Fetch(ctx, t.url, t.path)
}

// Fetch downloads url into path with byte-range resume. Each retry recomputes
// the resume offset from the file's on-disk size; delays double per attempt
// up to the ceiling.
func (m *Manager) Fetch(ctx context.Context, url, path string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = backoffBase
	policy.Multiplier = 2
	policy.MaxInterval = backoffCeiling
	policy.RandomizationFactor = 0

	op := func() error {
		return m.transfer(ctx, url, path)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, transferAttempts-1), ctx))
}

func (m *Manager) transfer(ctx context.Context, url, path string) error {
	var offset int64
	if fi, err := os.Stat(path); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", m.userAgent)
	req.Header.Set("Referer", "https://www.douyin.com/")
	if m.opts.Cookie != "" {
		req.Header.Set("Cookie", m.opts.Cookie)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// full-content response: start over even if we asked for a range
		offset = 0
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		// nothing left to fetch
		return nil
	default:
		return fmt.Errorf("http status %d", resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("open file: %w", err))
	}
	defer f.Close()

	body := resp.Body
	if offset == 0 {
		head := make([]byte, sniffLen)
		n, err := io.ReadFull(body, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read body: %w", err)
		}
		head = head[:n]

		if kind, _ := filetype.Match(head); kind == filetype.Unknown {
			// an HTML error page or similar non-media body
			f.Close()
			os.Remove(path)
			return backoff.Permanent(fmt.Errorf("response is not a media file"))
		}
		if _, err := f.Write(head); err != nil {
			return fmt.Errorf("write file: %w", err)
		}
	}

	if _, err := io.Copy(f, body); err != nil {
		// interrupted mid-body; the bytes written so far stay on disk and
		// the next attempt resumes from them
		return fmt.Errorf("stream body: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// invalidNameChars are stripped from file and directory names.
const invalidNameChars = "\\/:*?\"<>|&#;\r\n\t"

// SafeName sanitizes value for use as a file name, falling back when the
// result is empty.
func SafeName(value, fallback string) string {
	clean := strings.Map(func(r rune) rune {
		if strings.ContainsRune(invalidNameChars, r) {
			return -1
		}
		return r
	}, value)
	clean = strings.TrimSpace(strings.Trim(clean, "."))
	if clean == "" {
		return fallback
	}
	return clean
}
