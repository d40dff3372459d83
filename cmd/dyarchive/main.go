package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dyarchive/dyarchive/internal/config"
	"github.com/dyarchive/dyarchive/internal/domain"
	"github.com/dyarchive/dyarchive/internal/douyin"
	"github.com/dyarchive/dyarchive/internal/download"
	"github.com/dyarchive/dyarchive/internal/resolve"
	"github.com/dyarchive/dyarchive/internal/sqlite"
)

type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "config.toml", "path to TOML config")
		links      stringList
		outPath    = flag.String("path", "", "output directory (overrides config)")
		thread     = flag.Int("thread", 0, "worker pool width (overrides config)")
		cookie     = flag.String("cookie", "", "raw Cookie header (overrides config)")
	)
	flag.Var(&links, "link", "share URL to archive (repeatable, overrides config)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Warn("config file not found, using defaults", "path", *configPath)
		cfg = config.Default()
	}
	if len(links) > 0 {
		cfg.Links = links
	}
	if *outPath != "" {
		cfg.Path = *outPath
	}
	if *thread > 0 {
		cfg.Thread = *thread
	}
	if *cookie != "" {
		cfg.Cookie = *cookie
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var store domain.Store
	if cfg.Database {
		s, err := sqlite.Open(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()
		store = s
		logger.Info("store opened", "path", cfg.DatabasePath)
	}

	client := douyin.NewClient(douyin.ClientConfig{
		Signer: douyin.NoSigner,
		Cookie: cfg.Cookie,
	})
	app := &app{
		cfg:      cfg,
		logger:   logger,
		resolver: resolve.New(client),
		crawler:  douyin.NewCrawler(client, store, logger),
		manager: download.New(download.Options{
			Thread:      cfg.Thread,
			Music:       cfg.Music,
			Cover:       cfg.Cover,
			Avatar:      cfg.Avatar,
			Sidecar:     cfg.Sidecar,
			FolderStyle: cfg.FolderStyle,
			Cookie:      cfg.Cookie,
		}, logger),
	}

	logger.Info("starting", "links", len(cfg.Links), "path", cfg.Path, "threads", cfg.Thread)
	start := time.Now()

	for i, link := range cfg.Links {
		logger.Info("processing link", "index", i+1, "total", len(cfg.Links), "link", link)
		if err := app.processLink(ctx, link); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// per-link failures are logged and skipped
			logger.Error("link failed", "link", link, "error", err)
		}
	}

	logger.Info("done", "elapsed", time.Since(start).Round(time.Second).String())
	return nil
}

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	resolver *resolve.Resolver
	crawler  *douyin.Crawler
	manager  *download.Manager
}

func (a *app) processLink(ctx context.Context, link string) error {
	kind, id, err := a.resolver.Resolve(ctx, link)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	a.logger.Info("resolved link", "kind", string(kind), "id", id)

	switch kind {
	case resolve.KindUser:
		return a.handleUser(ctx, id)
	case resolve.KindAweme:
		return a.handleAweme(ctx, id)
	case resolve.KindMix:
		return a.handleMix(ctx, id)
	case resolve.KindMusic:
		return a.handleMusic(ctx, id)
	case resolve.KindLive:
		return a.handleLive(ctx, id)
	}
	return fmt.Errorf("unhandled kind %q", kind)
}

func (a *app) options(mode string) douyin.Options {
	return douyin.Options{
		Number:    a.cfg.NumberFor(mode),
		Increase:  a.cfg.IncreaseFor(mode),
		StartTime: a.cfg.StartTime,
		EndTime:   a.cfg.EndTime,
	}
}

func (a *app) handleUser(ctx context.Context, secUID string) error {
	nickname := a.peekNickname(ctx, secUID)
	root := filepath.Join(a.cfg.Path, fmt.Sprintf("user_%s_%s", nickname, secUID))

	for _, mode := range a.cfg.Modes {
		a.logger.Info("crawling user", "sec_uid", secUID, "mode", mode)
		target := filepath.Join(root, mode)

		switch mode {
		case "post":
			posts, err := a.crawler.UserPosts(ctx, secUID, a.options(mode))
			if err != nil {
				a.logger.Warn("user post crawl incomplete", "error", err)
			}
			a.manager.Batch(ctx, posts, target)
		case "like":
			posts, err := a.crawler.UserLikes(ctx, secUID, a.options(mode))
			if err != nil {
				a.logger.Warn("user like crawl incomplete", "error", err)
			}
			a.manager.Batch(ctx, posts, target)
		case "mix":
			if err := a.handleUserMixes(ctx, secUID, target); err != nil {
				a.logger.Warn("user mix crawl incomplete", "error", err)
			}
		}
	}
	return nil
}

// peekNickname fetches a single post to learn the display name used in the
// output directory.
func (a *app) peekNickname(ctx context.Context, secUID string) string {
	posts, err := a.crawler.UserPosts(ctx, secUID, douyin.Options{Count: 1, Number: 1})
	if err != nil || len(posts) == 0 {
		return "unknown"
	}
	return download.SafeName(posts[0].Author.Nickname, "unknown")
}

func (a *app) handleUserMixes(ctx context.Context, secUID, target string) error {
	mixes, err := a.crawler.MixList(ctx, secUID, a.options("allmix"))
	if err != nil {
		return fmt.Errorf("list mixes: %w", err)
	}
	if len(mixes) == 0 {
		a.logger.Warn("no mixes on user profile", "sec_uid", secUID)
		return nil
	}

	for _, mix := range mixes {
		a.logger.Info("crawling mix", "mix_id", mix.ID, "name", mix.Name)
		posts, err := a.crawler.Mix(ctx, mix.ID, a.options("allmix"))
		if err != nil {
			a.logger.Warn("mix crawl incomplete", "mix_id", mix.ID, "error", err)
		}
		if len(posts) == 0 {
			continue
		}
		a.manager.Batch(ctx, posts, filepath.Join(target, download.SafeName(mix.Name, mix.ID)))
	}
	return nil
}

// handleMix retries an empty mix result a few times before giving up; the
// listing endpoint intermittently returns nothing for valid ids.
func (a *app) handleMix(ctx context.Context, mixID string) error {
	var posts []*domain.Post
	op := func() error {
		var err error
		posts, err = a.crawler.Mix(ctx, mixID, a.options("mix"))
		if err != nil {
			return err
		}
		if len(posts) == 0 {
			return fmt.Errorf("empty mix %s", mixID)
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Second), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("crawl mix: %w", err)
	}

	name := download.SafeName(posts[0].MixInfo.Name, "mix_"+mixID)
	dir := filepath.Join(a.cfg.Path, fmt.Sprintf("%s_%s", name, mixID))
	a.manager.Batch(ctx, posts, dir)
	return nil
}

func (a *app) handleMusic(ctx context.Context, musicID string) error {
	posts, err := a.crawler.Music(ctx, musicID, a.options("music"))
	if err != nil {
		a.logger.Warn("music crawl incomplete", "error", err)
	}
	if len(posts) == 0 {
		return fmt.Errorf("no posts under music %s", musicID)
	}

	name := download.SafeName(posts[0].Music.Title, "music")
	dir := filepath.Join(a.cfg.Path, fmt.Sprintf("music_%s_%s", name, musicID))
	a.manager.Batch(ctx, posts, dir)
	return nil
}

func (a *app) handleAweme(ctx context.Context, awemeID string) error {
	post, err := a.crawler.Aweme(ctx, awemeID)
	if err != nil {
		return fmt.Errorf("crawl post: %w", err)
	}
	return a.manager.Post(ctx, post, filepath.Join(a.cfg.Path, "aweme"))
}

func (a *app) handleLive(ctx context.Context, webRID string) error {
	live, err := a.crawler.Live(ctx, webRID)
	if err != nil {
		return fmt.Errorf("crawl live room: %w", err)
	}
	if live.Ended() {
		a.logger.Info("stream ended", "web_rid", webRID)
		return nil
	}
	if !a.cfg.Sidecar {
		return nil
	}

	dir := filepath.Join(a.cfg.Path, "live")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create live directory: %w", err)
	}
	name := download.SafeName(fmt.Sprintf("%s_%s", webRID, live.Nickname), webRID)
	path := filepath.Join(dir, name+".json")
	if err := os.WriteFile(path, live.Raw, 0o644); err != nil {
		return fmt.Errorf("write live snapshot: %w", err)
	}
	a.logger.Info("live snapshot saved", "path", path, "title", live.Title)
	return nil
}
