// Command edge serves LL-HLS playlists and media parts to viewers. All
// viewers of one playlist key share a single upstream KV watch through
// the subscription manager; media bytes are proxied from the object
// store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"github.com/thejerf/suture/v4"

	"ridgecast-live/internal/config"
	"ridgecast-live/internal/lifecycle"
	"ridgecast-live/internal/observability/logging"
	"ridgecast-live/internal/observability/metrics"
	"ridgecast-live/internal/serverutil"
	"ridgecast-live/internal/store"
	"ridgecast-live/internal/subscription"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger = logging.WithComponent(logger, "edge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("edge exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	objects, closeObjects, err := newObjectStore(cfg.ObjectStore)
	if err != nil {
		return err
	}
	defer closeObjects()

	recorder := metrics.Default()
	manager := subscription.New(store.NewRedisWatcher(client),
		subscription.WithIdleGrace(cfg.Edge.SubscriptionIdleGrace),
		subscription.WithObserver(recorder.SetSubscriptionCounts, recorder.ViewerDropped))

	sup := suture.NewSimple("edge")
	sup.Add(&managerService{manager: manager})
	sup.Add(&httpService{
		addr:    cfg.Edge.Addr,
		logger:  logger,
		metrics: recorder,
		handler: newViewerHandler(manager, objects, logger),
	})
	return sup.Serve(ctx)
}

func newObjectStore(cfg config.ObjectStoreConfig) (store.ObjectStore, func(), error) {
	if cfg.Endpoint != "" {
		s3, err := store.NewS3ObjectStore(store.S3Config{
			Endpoint:  cfg.Endpoint,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		return s3, func() {}, nil
	}
	db, err := badger.Open(badger.DefaultOptions(cfg.BadgerDir).WithLogger(nil))
	if err != nil {
		return nil, nil, fmt.Errorf("open badger object store: %w", err)
	}
	return store.NewBadgerObjectStore(db), func() { _ = db.Close() }, nil
}

// managerService runs the subscription manager's single owning loop.
type managerService struct {
	manager *subscription.Manager
}

func (s *managerService) Serve(ctx context.Context) error {
	lc, handler := lifecycle.New()
	go func() {
		<-ctx.Done()
		handler.Cancel()
	}()
	if err := s.manager.Run(lc); err != nil {
		return err
	}
	return ctx.Err()
}

type httpService struct {
	addr    string
	logger  *slog.Logger
	metrics *metrics.Recorder
	handler http.Handler
}

func (s *httpService) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/live/", s.handler)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := logging.RequestLogger(logging.RequestLoggerConfig{Logger: s.logger})(
		metrics.HTTPMiddleware(s.metrics, mux))
	return serverutil.Run(ctx, serverutil.Config{
		Name:   "viewer",
		Logger: s.logger,
		Server: &http.Server{Addr: s.addr, Handler: wrapped},
	})
}

// viewerHandler serves playlist state and media objects.
type viewerHandler struct {
	manager *subscription.Manager
	objects store.ObjectStore
	logger  *slog.Logger
}

func newViewerHandler(manager *subscription.Manager, objects store.ObjectStore, logger *slog.Logger) http.Handler {
	return &viewerHandler{manager: manager, objects: objects, logger: logger}
}

// longPollTimeout bounds one blocking playlist request; LL-HLS clients
// re-request immediately, so this only caps idle connections.
const longPollTimeout = 30 * time.Second

func (h *viewerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/")
	if strings.HasSuffix(key, ".playlist") {
		h.servePlaylist(w, r, key)
		return
	}
	h.serveObject(w, r, key)
}

// servePlaylist returns the playlist value under key. With
// ?min_revision=N it long-polls until an update with a revision above N
// arrives (or the poll window lapses, returning the current state).
func (h *viewerHandler) servePlaylist(w http.ResponseWriter, r *http.Request, key string) {
	minRevision, _ := strconv.ParseUint(r.URL.Query().Get("min_revision"), 10, 64)

	initial, recv, err := h.manager.Subscribe(r.Context(), key)
	if err != nil {
		http.Error(w, "subscription unavailable", http.StatusServiceUnavailable)
		return
	}
	defer recv.Close()

	if initial != nil && initial.Revision > minRevision {
		writePlaylist(w, initial)
		return
	}

	timer := time.NewTimer(longPollTimeout)
	defer timer.Stop()
	for {
		select {
		case entry, ok := <-recv.Ch():
			if !ok {
				http.Error(w, "stream ended", http.StatusGone)
				return
			}
			if entry.Revision <= minRevision {
				continue
			}
			writePlaylist(w, &entry)
			return
		case <-timer.C:
			if initial != nil {
				writePlaylist(w, initial)
				return
			}
			http.Error(w, "no playlist yet", http.StatusNotFound)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writePlaylist(w http.ResponseWriter, entry *subscription.Entry) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Playlist-Revision", strconv.FormatUint(entry.Revision, 10))
	_, _ = w.Write(entry.Value)
}

func (h *viewerHandler) serveObject(w http.ResponseWriter, r *http.Request, key string) {
	rc, err := h.objects.Get(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Warn("object fetch failed", "key", key, "error", err)
		http.Error(w, "object fetch failed", http.StatusBadGateway)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentTypeFor(key))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Debug("object copy interrupted", "key", key, "error", err)
	}
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".m4s"), strings.HasSuffix(key, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(key, ".jpg"):
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
