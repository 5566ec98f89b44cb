// Command ingest accepts RTMP publishers, gates what they send, and
// hands each accepted stream to a transcoder through the work queue and
// the handoff callback endpoints it serves.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/thejerf/suture/v4"

	"ridgecast-live/internal/config"
	"ridgecast-live/internal/flv"
	"ridgecast-live/internal/handoff"
	"ridgecast-live/internal/observability/logging"
	"ridgecast-live/internal/observability/metrics"
	"ridgecast-live/internal/rtmp/chunk"
	"ridgecast-live/internal/rtmp/session"
	"ridgecast-live/internal/serverutil"
	"ridgecast-live/internal/store"
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
	logger = logging.WithComponent(logger, "ingest")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ingest exited", "error", err)
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

	hostname, _ := os.Hostname()
	deps := &ingestDeps{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics.Default(),
		queue:      store.NewRedisWorkQueue(client, hostname),
		handoffSrv: handoff.NewServer(logger),
		rooms:      newRoomRegistry(),
	}

	sup := suture.NewSimple("ingest")
	sup.Add(&callbackService{deps: deps})
	sup.Add(&rtmpService{deps: deps})
	return sup.Serve(ctx)
}

type ingestDeps struct {
	cfg        config.Config
	logger     *slog.Logger
	metrics    *metrics.Recorder
	queue      store.WorkQueue
	handoffSrv *handoff.Server
	rooms      *roomRegistry
}

// roomRegistry enforces one active publisher per room within this
// process; cross-process exclusivity is the transcoder lease's job.
type roomRegistry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{active: make(map[string]struct{})}
}

func (r *roomRegistry) acquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.active[key]; taken {
		return false
	}
	r.active[key] = struct{}{}
	return true
}

func (r *roomRegistry) release(key string) {
	r.mu.Lock()
	delete(r.active, key)
	r.mu.Unlock()
}

// callbackService serves the transcoder-facing handoff endpoints plus
// metrics and health.
type callbackService struct {
	deps *ingestDeps
}

func (s *callbackService) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/v1/handoff/", s.deps.handoffSrv.Handler())
	mux.Handle("/metrics", s.deps.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := logging.RequestLogger(logging.RequestLoggerConfig{Logger: s.deps.logger})(
		metrics.HTTPMiddleware(s.deps.metrics, mux))
	return serverutil.Run(ctx, serverutil.Config{
		Name:   "handoff",
		Logger: s.deps.logger,
		Server: &http.Server{Addr: s.deps.cfg.Ingest.HandoffAddr, Handler: handler},
	})
}

// rtmpService accepts publisher connections and runs one session FSM per
// connection.
type rtmpService struct {
	deps *ingestDeps
}

func (s *rtmpService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.deps.cfg.Ingest.RTMPAddr)
	if err != nil {
		return fmt.Errorf("listen rtmp %s: %w", s.deps.cfg.Ingest.RTMPAddr, err)
	}
	s.deps.logger.Info("rtmp listener started", "addr", s.deps.cfg.Ingest.RTMPAddr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("rtmp accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *rtmpService) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	owner := &sessionOwner{deps: s.deps, conn: conn}
	defer owner.cleanup(context.Background())

	sess := session.New(conn, owner, session.Config{})
	if err := sess.Run(ctx); err != nil {
		var serr *session.Error
		if errors.As(err, &serr) {
			s.deps.logger.Info("session ended", "remote", conn.RemoteAddr().String(), "kind", serr.Kind.String(), "error", err)
			return
		}
		s.deps.logger.Warn("session ended", "remote", conn.RemoteAddr().String(), "error", err)
	}
}

// sessionOwner carries one publisher connection through authorization,
// handoff, and media forwarding.
type sessionOwner struct {
	deps *ingestDeps
	conn net.Conn

	mu       sync.Mutex
	accepted bool
	logger   *slog.Logger
	org      string
	room     string
	roomKey  string
	offer    *handoff.Offer
	stream   *handoff.MediaStream
	pump     *flv.Pump

	bitrateBytes int64
	bitrateSince time.Time
}

// AuthorizePublish gates one publish attempt: single publisher per room,
// a work item on the organization's queue, and a transcoder claim within
// the handoff timeout. Only then is the publisher accepted.
func (o *sessionOwner) AuthorizePublish(ctx context.Context, ev session.PublishEvent) (string, error) {
	cfg := o.deps.cfg
	org, room := ev.App, ev.StreamName
	if org == "" || room == "" {
		return "", errors.New("publish requires app (organization) and stream name (room)")
	}
	roomKey := org + "/" + room
	if !o.deps.rooms.acquire(roomKey) {
		return "", fmt.Errorf("room %s already has an active publisher", roomKey)
	}

	offer := o.deps.handoffSrv.Offer()
	connectionID := uuid.NewString()
	payload, err := handoff.EncodeWorkItem(handoff.WorkItem{
		OrganizationID: org,
		RoomID:         room,
		ConnectionID:   connectionID,
		IngestEndpoint: cfg.Ingest.AdvertisedEndpoint,
		Token:          offer.Token(),
	})
	if err != nil {
		offer.Close()
		o.deps.rooms.release(roomKey)
		return "", err
	}
	if _, err := o.deps.queue.Publish(ctx, org, payload); err != nil {
		offer.Close()
		o.deps.rooms.release(roomKey)
		return "", fmt.Errorf("publish work item: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Ingest.HandoffTimeout)
	defer cancel()
	select {
	case <-offer.Claimed():
	case <-waitCtx.Done():
		offer.Close()
		o.deps.rooms.release(roomKey)
		return "", fmt.Errorf("no transcoder claimed the stream within %s", cfg.Ingest.HandoffTimeout)
	}

	streamSessionID := uuid.NewString()
	offer.Grant(streamSessionID)
	streamCtx := logging.ContextWithStream(ctx, logging.Stream{
		OrganizationID: org,
		RoomID:         room,
		SessionID:      streamSessionID,
	})
	logger := logging.WithContext(streamCtx, o.deps.logger)

	stream, err := offer.AwaitMedia(waitCtx)
	if err != nil {
		offer.Close()
		o.deps.rooms.release(roomKey)
		return "", fmt.Errorf("transcoder never opened the media stream: %w", err)
	}

	o.mu.Lock()
	o.accepted = true
	o.logger = logger
	o.org, o.room, o.roomKey = org, room, roomKey
	o.offer = offer
	o.stream = stream
	o.pump = flv.NewPump(flv.Limits{
		MaxBitrate:               cfg.Ingest.MaxBitrate,
		MaxBytesBetweenKeyframes: cfg.Ingest.MaxBytesBetweenKeyframes,
		MaxTimeBetweenKeyframes:  cfg.Ingest.MaxTimeBetweenKeyframes,
	})
	o.bitrateSince = time.Now()
	o.mu.Unlock()

	o.deps.metrics.StreamStarted()
	logger.Info("publisher accepted")
	return streamSessionID, nil
}

// HandleMessage forwards one accepted audio/video/meta message through
// the pump's gates and onto the media stream. A violated capacity limit
// or a dead transcoder link tears the connection down: the session loop
// then surfaces the close to the publisher.
func (o *sessionOwner) HandleMessage(ctx context.Context, streamSessionID string, msg chunk.Message) {
	o.mu.Lock()
	pump, stream, logger := o.pump, o.stream, o.logger
	o.mu.Unlock()
	if pump == nil || stream == nil {
		return
	}

	events, err := pump.Push(msg)
	if err != nil {
		logger.Warn("stream rejected by pump", "error", err)
		_ = o.conn.Close()
		return
	}
	for _, ev := range events {
		frame := handoff.Frame{Kind: ev.Kind, Init: ev.Init, Sample: ev.Sample}
		if err := stream.WriteFrame(frame); err != nil {
			logger.Warn("media forward failed", "error", err)
			_ = o.conn.Close()
			return
		}
	}
	o.observeBitrate(len(msg.Payload))
}

func (o *sessionOwner) observeBitrate(n int) {
	interval := o.deps.cfg.Ingest.BitrateUpdateInterval
	if interval <= 0 {
		return
	}
	o.mu.Lock()
	o.bitrateBytes += int64(n)
	elapsed := time.Since(o.bitrateSince)
	var rate float64
	report := elapsed >= interval
	if report {
		rate = float64(o.bitrateBytes) / elapsed.Seconds()
		o.bitrateBytes = 0
		o.bitrateSince = time.Now()
	}
	room := o.roomKey
	o.mu.Unlock()
	if report {
		o.deps.metrics.ObserveIngestBitrate(room, rate)
	}
}

// Closed ends the session's handoff: the media stream is closed cleanly
// so the transcoder commits its final segment.
func (o *sessionOwner) Closed(ctx context.Context, streamSessionID string, err error) {
	o.cleanup(ctx)
}

func (o *sessionOwner) cleanup(context.Context) {
	o.mu.Lock()
	accepted := o.accepted
	offer, stream := o.offer, o.stream
	roomKey := o.roomKey
	o.accepted = false
	o.offer, o.stream, o.pump = nil, nil, nil
	o.mu.Unlock()

	if !accepted {
		return
	}
	if stream != nil {
		_ = stream.Close()
	}
	if offer != nil {
		offer.Close()
	}
	o.deps.rooms.release(roomKey)
	o.deps.metrics.ForgetIngestBitrate(roomKey)
	o.deps.metrics.StreamStopped()
}
