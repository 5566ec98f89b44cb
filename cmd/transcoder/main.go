// Command transcoder claims ingested streams off the per-organization
// work queue, runs each one's transcode graph, and publishes the output
// as low-latency playlists while optionally recording it.
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
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/thejerf/suture/v4"

	"ridgecast-live/internal/breakpoint"
	"ridgecast-live/internal/config"
	"ridgecast-live/internal/events"
	"ridgecast-live/internal/handoff"
	"ridgecast-live/internal/media"
	"ridgecast-live/internal/observability/logging"
	"ridgecast-live/internal/observability/metrics"
	"ridgecast-live/internal/publish"
	"ridgecast-live/internal/recorder"
	"ridgecast-live/internal/serverutil"
	"ridgecast-live/internal/store"
	"ridgecast-live/internal/tasker"
	"ridgecast-live/internal/transcoder"
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
	logger = logging.WithComponent(logger, "transcoder")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("transcoder exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if len(cfg.Transcoder.Organizations) == 0 {
		return errors.New("transcoder.organizations must name at least one organization")
	}

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

	var recStore recorder.Store
	if len(cfg.Transcoder.RecordRenditions) > 0 {
		if cfg.Postgres.DSN == "" {
			return errors.New("transcoder.record_renditions set but postgres.dsn is empty")
		}
		pg, err := recorder.NewPostgresStore(cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		recStore = pg
	}

	hostname, _ := os.Hostname()
	deps := &jobDeps{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.Default(),
		client:   handoff.NewClient(store.NewRedisWorkQueue(client, hostname), nil),
		kv:       store.NewRedisKVStore(client),
		lessor:   store.NewRedisLessor(client),
		objects:  objects,
		recStore: recStore,
		bus: events.New(client, events.Config{
			StreamMessageMaxAge:     cfg.Events.StreamMessageMaxAge,
			FetchRequestMinDelay:    cfg.Events.FetchRequestMinDelay,
			FetchRequestMaxDelay:    cfg.Events.FetchRequestMaxDelay,
			FetchRequestMinMessages: cfg.Events.FetchRequestMinMessages,
			FetchRequestMaxMessages: cfg.Events.FetchRequestMaxMessages,
			LeaseDuration:           cfg.Events.LeaseDuration,
		}, logger),
	}
	deps.bus.Metrics = deps.metrics

	sup := suture.NewSimple("transcoder")
	for _, org := range cfg.Transcoder.Organizations {
		sup.Add(&claimLoop{org: org, deps: deps})
	}
	sup.Add(&metricsService{addr: cfg.Transcoder.MetricsAddr, recorder: deps.metrics, logger: logger})
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

// metricsService serves /metrics and /healthz for this process.
type metricsService struct {
	addr     string
	recorder *metrics.Recorder
	logger   *slog.Logger
}

func (s *metricsService) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return serverutil.Run(ctx, serverutil.Config{
		Name:   "metrics",
		Logger: s.logger,
		Server: &http.Server{Addr: s.addr, Handler: mux},
	})
}

type jobDeps struct {
	cfg      config.Config
	logger   *slog.Logger
	metrics  *metrics.Recorder
	client   *handoff.Client
	kv       *store.RedisKVStore
	lessor   store.Lessor
	objects  store.ObjectStore
	recStore recorder.Store
	bus      *events.Bus
}

// claimLoop claims and runs one organization's work items, one at a time.
type claimLoop struct {
	org  string
	deps *jobDeps
}

func (l *claimLoop) Serve(ctx context.Context) error {
	logger := l.deps.logger.With("organization", l.org)
	logger.Info("claim loop started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		claim, ok, err := l.deps.client.NextClaim(ctx, l.org, l.deps.cfg.Transcoder.ClaimWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("work queue claim failed", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if !ok {
			continue
		}
		l.runJob(ctx, claim)
	}
}

func (l *claimLoop) runJob(parent context.Context, claim handoff.Claim) {
	item := claim.Item
	deps := l.deps
	stream := logging.Stream{OrganizationID: item.OrganizationID, RoomID: item.RoomID}
	parent = logging.ContextWithStream(parent, stream)
	logger := logging.WithContext(parent, deps.logger).With("connection", item.ConnectionID)

	grant, err := deps.client.AwaitGrant(parent, item, deps.cfg.Transcoder.TranscoderTimeout)
	switch {
	case errors.Is(err, handoff.ErrHandoffTimeout):
		// Abandon un-acked: the item becomes re-claimable once its
		// visibility window lapses, and the ingest expects a fresh claim.
		logger.Warn("no grant within transcoder timeout, abandoning claim")
		return
	case errors.Is(err, handoff.ErrHandoffGone):
		logger.Info("handoff withdrawn before grant")
		_ = deps.client.Ack(parent, claim)
		return
	case err != nil:
		logger.Error("handoff claim failed", "error", err)
		return
	}
	if err := deps.client.Ack(parent, claim); err != nil {
		logger.Error("work item ack failed", "error", err)
		return
	}
	sessionID := grant.StreamSessionID
	stream.SessionID = sessionID
	parent = logging.ContextWithStream(parent, stream)
	logger = logging.WithContext(parent, deps.logger).With("connection", item.ConnectionID)

	jobCtx, cancel := context.WithCancel(parent)
	defer cancel()

	owner := uuid.NewString()
	leaseKey := store.LeaseKey(item.OrganizationID, item.RoomID)
	if err := deps.lessor.Take(jobCtx, leaseKey, owner, deps.cfg.Transcoder.LeaseTTL); err != nil {
		logger.Error("lease take failed", "error", err)
		return
	}
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer releaseCancel()
		if err := deps.lessor.Release(releaseCtx, leaseKey, owner); err != nil && !errors.Is(err, store.ErrLeaseLost) {
			logger.Warn("lease release failed", "error", err)
		}
	}()

	mediaStream, err := deps.client.OpenMedia(jobCtx, item)
	if err != nil {
		logger.Error("media stream open failed", "error", err)
		return
	}
	defer mediaStream.Close()

	tr := tasker.New()
	pipe, err := l.buildPipeline(jobCtx, tr, item, sessionID)
	if err != nil {
		logger.Error("pipeline build failed", "error", err)
		return
	}
	if err := pipe.job.Start(); err != nil {
		logger.Error("job start failed", "error", err)
		return
	}

	deps.metrics.TranscoderJobStarted()
	publishEvent(jobCtx, deps, item.OrganizationID, events.TargetRoom, item.RoomID, "live")

	go l.renewLease(jobCtx, cancel, leaseKey, owner, pipe.job, logger)
	taskerDone := make(chan struct{})
	go func() {
		defer close(taskerDone)
		driveTasker(jobCtx, tr, deps.metrics, logger, func(fatal error) {
			_ = pipe.job.Fail(transcoder.ErrKindOutputWriteFailed, fatal)
			cancel()
		})
	}()

	readErr := pumpMedia(jobCtx, mediaStream, pipe)
	drainErr := pipe.job.Drain()
	cancel()
	<-taskerDone

	// Give queued part/playlist writes a bounded chance to land.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	flushTasker(flushCtx, tr, logger)
	flushCancel()

	outcome := classifyOutcome(pipe.job, readErr, drainErr)
	publishEvent(parent, deps, item.OrganizationID, events.TargetRoom, item.RoomID, "offline")
	if pipe.recording {
		publishEvent(parent, deps, item.OrganizationID, events.TargetRecording, sessionID, "finished")
	}
	deps.metrics.TranscoderJobFinished(outcome)
	logger.Info("job finished", "outcome", outcome)
}

// pipeline is one job's wired graph: the copy sinks feed the publisher
// and recorder directly; transcoded renditions join the same graph once
// a codec adapter implementing transcoder.Decoder/Encoder is plugged in.
type pipeline struct {
	job       *transcoder.Job
	videoSink *transcoder.TrackSink
	audioSink *transcoder.TrackSink
	recording bool
}

// rtmpTimescale is the FLV/RTMP millisecond clock every copied sample
// carries.
const rtmpTimescale = 1000

func (l *claimLoop) buildPipeline(ctx context.Context, tr *tasker.Tasker, item handoff.WorkItem, sessionID string) (*pipeline, error) {
	deps := l.deps
	cfg := deps.cfg
	sessionKey := fmt.Sprintf("%s/%s", item.OrganizationID, item.RoomID)

	recordSet := make(map[string]bool, len(cfg.Transcoder.RecordRenditions))
	for _, name := range cfg.Transcoder.RecordRenditions {
		recordSet[name] = true
	}

	pipe := &pipeline{}
	jobCfg := transcoder.Config{}
	for _, r := range cfg.Transcoder.Renditions {
		if !r.Copy {
			// No codec adapter ships with this binary; transcoded rungs
			// need a transcoder.Decoder/Encoder implementation wired here.
			deps.logger.Warn("skipping transcoded rendition without codec adapter", "rendition", r.Name)
			continue
		}
		pub := publish.New(sessionKey, r.Name, rtmpTimescale, tr, deps.objects, deps.kv,
			publish.WithWindow(cfg.Pipeline.PlaylistSegments),
			publish.WithPartTarget(cfg.Pipeline.TargetPartDuration))

		var rec *recorder.Recorder
		if recordSet[r.Name] && deps.recStore != nil {
			rec = recorder.New(sessionID, r.Name, deps.objects, deps.recStore)
			pipe.recording = true
		}

		sink := transcoder.NewTrackSink(ctx, transcoder.TrackSinkConfig{
			Rendition: r.Name,
			Timescale: rtmpTimescale,
			Breakpoints: breakpoint.Params{
				TargetSegmentSeconds: cfg.Pipeline.MinSegmentDuration.Seconds(),
				TargetPartSeconds:    cfg.Pipeline.TargetPartDuration.Seconds(),
				MaxPartSeconds:       cfg.Pipeline.MaxPartDuration.Seconds(),
			},
			Publisher: pub,
			Recorder:  rec,
			Metrics:   deps.metrics,
			Logger:    deps.logger,
		})
		switch r.Kind {
		case "video":
			if jobCfg.VideoCopy != nil {
				return nil, errors.New("ladder has more than one video copy rendition")
			}
			jobCfg.VideoCopy = sink
			pipe.videoSink = sink
		case "audio":
			if jobCfg.AudioCopy != nil {
				return nil, errors.New("ladder has more than one audio copy rendition")
			}
			jobCfg.AudioCopy = sink
			pipe.audioSink = sink
		}
	}
	if pipe.videoSink == nil && pipe.audioSink == nil {
		return nil, errors.New("ladder has no runnable renditions")
	}
	pipe.job = transcoder.NewJob(jobCfg)
	return pipe, nil
}

// pumpMedia reads handoff frames until EOF or cancellation, routing init
// segments to the copy sinks and samples through the job graph. RTMP
// samples carry no duration, so each track's samples pass through a
// DurationFiller that derives them from successive DTS deltas.
func pumpMedia(ctx context.Context, r *handoff.MediaReader, pipe *pipeline) error {
	var videoFill, audioFill media.DurationFiller
	handle := func(kind media.Kind, s media.Sample) error {
		if kind == media.KindVideo {
			return pipe.job.HandleVideoPacket(s)
		}
		return pipe.job.HandleAudioPacket(s)
	}
	flush := func() error {
		if s, ok := videoFill.Flush(); ok {
			if err := handle(media.KindVideo, s); err != nil {
				return err
			}
		}
		if s, ok := audioFill.Flush(); ok {
			return handle(media.KindAudio, s)
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := r.ReadFrame()
		if errors.Is(err, io.EOF) {
			return flush()
		}
		if err != nil {
			return err
		}
		switch {
		case frame.Init != nil:
			if err := writeInit(pipe, frame.Kind, *frame.Init); err != nil {
				return err
			}
		case frame.Sample != nil:
			fill := &audioFill
			if frame.Kind == media.KindVideo {
				fill = &videoFill
			}
			ready, ok := fill.Push(*frame.Sample)
			if !ok {
				continue
			}
			if err := handle(frame.Kind, ready); err != nil {
				return err
			}
		}
	}
}

func writeInit(pipe *pipeline, kind media.Kind, init media.InitSegment) error {
	if kind == media.KindVideo && pipe.videoSink != nil {
		return pipe.videoSink.WriteInit(init)
	}
	if kind == media.KindAudio && pipe.audioSink != nil {
		return pipe.audioSink.WriteInit(init)
	}
	return nil
}

func (l *claimLoop) renewLease(ctx context.Context, cancel context.CancelFunc, key, owner string, job *transcoder.Job, logger *slog.Logger) {
	deps := l.deps
	ticker := time.NewTicker(deps.cfg.Transcoder.LeaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		renewCtx, renewCancel := context.WithTimeout(ctx, deps.cfg.Transcoder.LeaseRenewInterval)
		err := deps.lessor.Renew(renewCtx, key, owner, deps.cfg.Transcoder.LeaseTTL)
		renewCancel()
		if errors.Is(err, store.ErrLeaseLost) {
			logger.Warn("lease lost, aborting job")
			_ = job.Fail(transcoder.ErrKindLeaseLost, err)
			cancel()
			return
		}
		if err != nil && ctx.Err() == nil {
			logger.Warn("lease renewal failed", "error", err)
		}
	}
}

// driveTasker dispatches ready tasks until ctx ends, requeueing failures
// and reporting a task that exhausted its retries as fatal.
func driveTasker(ctx context.Context, tr *tasker.Tasker, rec *metrics.Recorder, logger *slog.Logger, onFatal func(error)) {
	for {
		if ctx.Err() != nil {
			return
		}
		key, task, ok := tr.NextReady()
		if !ok {
			sleepCtx(ctx, 10*time.Millisecond)
			continue
		}
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := task.Run(runCtx)
		cancel()
		if err == nil {
			tr.Ack(key)
			continue
		}
		logger.Warn("task failed", "key", key, "kind", task.Kind().String(), "retries", task.RetryCount(), "error", err)
		rec.TaskerRetry(task.Kind().String())
		if rqErr := tr.Requeue(task); rqErr != nil {
			tr.Ack(key)
			onFatal(fmt.Errorf("task on %q exhausted retries: %w", key, err))
			return
		}
	}
}

// flushTasker runs remaining tasks after a job ends; it returns once the
// queues stay empty for a beat or ctx expires.
func flushTasker(ctx context.Context, tr *tasker.Tasker, logger *slog.Logger) {
	idleSince := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}
		key, task, ok := tr.NextReady()
		if !ok {
			if time.Since(idleSince) > 250*time.Millisecond {
				return
			}
			sleepCtx(ctx, 20*time.Millisecond)
			continue
		}
		idleSince = time.Now()
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := task.Run(runCtx)
		cancel()
		if err == nil {
			tr.Ack(key)
			continue
		}
		if rqErr := tr.Requeue(task); rqErr != nil {
			logger.Warn("dropping task after shutdown retries", "key", key, "error", err)
			tr.Ack(key)
		}
	}
}

func classifyOutcome(job *transcoder.Job, readErr, drainErr error) string {
	var terr *transcoder.Error
	if err := job.Err(); errors.As(err, &terr) {
		return terr.Kind.String()
	}
	if drainErr != nil || (readErr != nil && !errors.Is(readErr, context.Canceled)) {
		return "failed"
	}
	return "completed"
}

func publishEvent(ctx context.Context, deps *jobDeps, org string, kind events.Target, targetID, variant string) {
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := deps.bus.Publish(pubCtx, events.Event{
		OrganizationID: org,
		TargetKind:     kind,
		TargetID:       targetID,
		Variant:        variant,
	}); err != nil {
		deps.logger.Warn("event publish failed", "kind", string(kind), "variant", variant, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
