package transcoder

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"ridgecast-live/internal/media"
)

// VideoRendition is one video output of a job: decoded frames are limited
// to the rendition's target fps, optionally scaled, then encoded and
// muxed. Scaler is nil-able: a nil Scaler passes the decoded frame
// through unscaled. Limiter must not be nil.
type VideoRendition struct {
	Name    string
	Limiter *FrameLimiter
	Scaler  Scaler
	Encoder Encoder
	Output  OutputWriter
	Init    media.InitSegment

	frameCh chan Frame
}

// AudioRendition is one audio output of a job.
type AudioRendition struct {
	Name    string
	Encoder Encoder
	Output  OutputWriter
	Init    media.InitSegment

	frameCh chan Frame
}

// DefaultRenditionBuffer bounds how many decoded frames may sit ahead of a
// rendition's own encode pump before the decode loop blocks delivering to
// it; it exists so one slow encoder throttles the whole job's decode rate
// rather than the job buffering unboundedly in front of it.
const DefaultRenditionBuffer = 4

// DefaultConcurrentEncodes bounds how many Scale/SendFrame calls may run
// at once across every rendition pump in a job.
const DefaultConcurrentEncodes = 4

// Config wires one job's full decode/encode/output graph.
type Config struct {
	VideoDecoder Decoder
	VideoInit    media.InitSegment
	AudioDecoder Decoder
	AudioInit    media.InitSegment

	VideoRenditions []*VideoRendition
	AudioRenditions []*AudioRendition

	// VideoCopy/AudioCopy are the optional "source" passthrough outputs
	// receiving samples verbatim, with no decode/encode involved.
	VideoCopy CopyWriter
	AudioCopy CopyWriter

	Screenshotter     Screenshotter
	ScreenshotSampler *ScreenshotSampler

	// ConcurrentEncodes overrides DefaultConcurrentEncodes.
	ConcurrentEncodes int64
}

// Job drives one transcode graph through Init → Ready → Streaming →
// Draining → Finalized. HandleVideoPacket/HandleAudioPacket/Drain must be
// called from a single owning goroutine (the transcoder's claim loop);
// the rendition pumps it starts run on their own goroutines and report
// errors back through an errgroup.
type Job struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	sem    *semaphore.Weighted

	mu         sync.Mutex
	state      State
	err        error
	thumbnails []Thumbnail
}

// NewJob constructs a Job in StateInit. Call Start to initialize the
// decode/encode chain and begin streaming.
func NewJob(cfg Config) *Job {
	if cfg.ConcurrentEncodes <= 0 {
		cfg.ConcurrentEncodes = DefaultConcurrentEncodes
	}
	for _, r := range cfg.VideoRenditions {
		r.frameCh = make(chan Frame, DefaultRenditionBuffer)
	}
	for _, r := range cfg.AudioRenditions {
		r.frameCh = make(chan Frame, DefaultRenditionBuffer)
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	return &Job{
		cfg:    cfg,
		ctx:    gctx,
		cancel: cancel,
		group:  group,
		sem:    semaphore.NewWeighted(cfg.ConcurrentEncodes),
		state:  StateInit,
	}
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the fatal error that finalized this job, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Thumbnails returns every screenshot captured so far.
func (j *Job) Thumbnails() []Thumbnail {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Thumbnail, len(j.thumbnails))
	copy(out, j.thumbnails)
	return out
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// fail records err as the job's fatal cause (first one wins), cancels
// every rendition pump, and moves the job straight to Finalized. It
// returns err unchanged so callers can `return j.fail(err)`.
func (j *Job) fail(err error) error {
	if err == nil {
		return nil
	}
	j.mu.Lock()
	if j.err == nil {
		j.err = err
	}
	j.state = StateFinalized
	j.mu.Unlock()
	j.cancel()
	return err
}

// Fail finalizes the job from an external fatal condition — lease loss or
// an ingest close with keep_partial=false — that HandleVideoPacket and
// HandleAudioPacket never observe on their own.
func (j *Job) Fail(kind ErrorKind, cause error) error {
	return j.fail(wrapErr(kind, cause))
}

// Start initializes the decoders and every rendition's encoder, then
// starts one pump goroutine per rendition. It must be called exactly once
// before any Handle*Packet call.
func (j *Job) Start() error {
	if j.cfg.VideoDecoder != nil {
		if err := j.cfg.VideoDecoder.Init(j.cfg.VideoInit); err != nil {
			return j.fail(wrapErr(ErrKindDecoderInitFailed, err))
		}
	}
	if j.cfg.AudioDecoder != nil {
		if err := j.cfg.AudioDecoder.Init(j.cfg.AudioInit); err != nil {
			return j.fail(wrapErr(ErrKindDecoderInitFailed, err))
		}
	}
	for _, r := range j.cfg.VideoRenditions {
		if err := r.Encoder.Init(); err != nil {
			return j.fail(wrapErr(ErrKindEncoderInitFailed, err))
		}
	}
	for _, r := range j.cfg.AudioRenditions {
		if err := r.Encoder.Init(); err != nil {
			return j.fail(wrapErr(ErrKindEncoderInitFailed, err))
		}
	}

	for _, r := range j.cfg.VideoRenditions {
		r := r
		j.group.Go(func() error { return j.runVideoPump(r) })
	}
	for _, r := range j.cfg.AudioRenditions {
		r := r
		j.group.Go(func() error { return j.runAudioPump(r) })
	}

	j.setState(StateReady)
	return nil
}

// HandleVideoPacket admits one encoded video sample: it is always copied
// to the source passthrough (if configured), and is forwarded to the
// decoder only when it is a keyframe (so the passthrough's GOP-aligned
// thumbnail extraction stays possible even with no transcoded renditions)
// or when any rendition or the screenshot sampler is active.
func (j *Job) HandleVideoPacket(sample media.Sample) error {
	j.advanceToStreaming()

	if j.cfg.VideoCopy != nil {
		if err := j.cfg.VideoCopy.WriteSample(sample); err != nil {
			return j.fail(wrapErr(ErrKindOutputWriteFailed, err))
		}
	}

	transcoding := len(j.cfg.VideoRenditions) > 0 || j.cfg.Screenshotter != nil
	if !sample.IsKeyframe && !transcoding {
		return nil
	}
	if j.cfg.VideoDecoder == nil {
		return nil
	}
	if err := j.cfg.VideoDecoder.SendPacket(sample); err != nil {
		return j.fail(wrapErr(ErrKindOutputWriteFailed, err))
	}
	return j.drainVideoDecoder()
}

// HandleAudioPacket admits one encoded audio sample, unconditionally
// decoded (audio has no keyframe concept to gate on).
func (j *Job) HandleAudioPacket(sample media.Sample) error {
	j.advanceToStreaming()

	if j.cfg.AudioCopy != nil {
		if err := j.cfg.AudioCopy.WriteSample(sample); err != nil {
			return j.fail(wrapErr(ErrKindOutputWriteFailed, err))
		}
	}
	if j.cfg.AudioDecoder == nil {
		return nil
	}
	if err := j.cfg.AudioDecoder.SendPacket(sample); err != nil {
		return j.fail(wrapErr(ErrKindOutputWriteFailed, err))
	}
	return j.drainAudioDecoder()
}

func (j *Job) advanceToStreaming() {
	j.mu.Lock()
	if j.state == StateReady {
		j.state = StateStreaming
	}
	j.mu.Unlock()
}

func (j *Job) drainVideoDecoder() error {
	for {
		frame, ok, err := j.cfg.VideoDecoder.ReceiveFrame()
		if err != nil {
			return j.fail(wrapErr(ErrKindOutputWriteFailed, err))
		}
		if !ok {
			return nil
		}
		j.sampleScreenshot(frame)
		for _, r := range j.cfg.VideoRenditions {
			select {
			case r.frameCh <- frame:
			case <-j.ctx.Done():
				return j.Err()
			}
		}
	}
}

func (j *Job) drainAudioDecoder() error {
	for {
		frame, ok, err := j.cfg.AudioDecoder.ReceiveFrame()
		if err != nil {
			return j.fail(wrapErr(ErrKindOutputWriteFailed, err))
		}
		if !ok {
			return nil
		}
		for _, r := range j.cfg.AudioRenditions {
			select {
			case r.frameCh <- frame:
			case <-j.ctx.Done():
				return j.Err()
			}
		}
	}
}

func (j *Job) sampleScreenshot(frame Frame) {
	if j.cfg.Screenshotter == nil || j.cfg.ScreenshotSampler == nil {
		return
	}
	idx, at, ok := j.cfg.ScreenshotSampler.Admit(frame.PTS)
	if !ok {
		return
	}
	jpeg, err := j.cfg.Screenshotter.Capture(frame)
	if err != nil {
		// A missed thumbnail doesn't sink the job; the stream itself is
		// unaffected by a failed capture.
		return
	}
	j.mu.Lock()
	j.thumbnails = append(j.thumbnails, Thumbnail{Index: idx, At: at, JPEG: jpeg})
	j.mu.Unlock()
}

func (j *Job) runVideoPump(r *VideoRendition) error {
	if err := r.Output.WriteInit(r.Init); err != nil {
		return wrapErr(ErrKindOutputWriteFailed, err)
	}
	for frame := range r.frameCh {
		if err := j.sem.Acquire(j.ctx, 1); err != nil {
			return nil // job is already being torn down
		}
		scaled := frame
		if r.Scaler != nil {
			var err error
			scaled, err = r.Scaler.Scale(frame)
			if err != nil {
				j.sem.Release(1)
				return wrapErr(ErrKindOutputWriteFailed, err)
			}
		}
		admit := r.Limiter.Allow(scaled.PTS)
		if !admit {
			j.sem.Release(1)
			continue
		}
		err := r.Encoder.SendFrame(scaled)
		j.sem.Release(1)
		if err != nil {
			return wrapErr(ErrKindOutputWriteFailed, err)
		}
		if err := j.drainEncoder(r.Encoder, r.Output); err != nil {
			return err
		}
	}
	if err := r.Encoder.SendEOF(); err != nil {
		return wrapErr(ErrKindOutputWriteFailed, err)
	}
	if err := j.drainEncoder(r.Encoder, r.Output); err != nil {
		return err
	}
	return wrapErr(ErrKindOutputWriteFailed, r.Output.Close())
}

func (j *Job) runAudioPump(r *AudioRendition) error {
	if err := r.Output.WriteInit(r.Init); err != nil {
		return wrapErr(ErrKindOutputWriteFailed, err)
	}
	for frame := range r.frameCh {
		if err := j.sem.Acquire(j.ctx, 1); err != nil {
			return nil // job is already being torn down
		}
		err := r.Encoder.SendFrame(frame)
		j.sem.Release(1)
		if err != nil {
			return wrapErr(ErrKindOutputWriteFailed, err)
		}
		if err := j.drainEncoder(r.Encoder, r.Output); err != nil {
			return err
		}
	}
	if err := r.Encoder.SendEOF(); err != nil {
		return wrapErr(ErrKindOutputWriteFailed, err)
	}
	if err := j.drainEncoder(r.Encoder, r.Output); err != nil {
		return err
	}
	return wrapErr(ErrKindOutputWriteFailed, r.Output.Close())
}

func (j *Job) drainEncoder(enc Encoder, out OutputWriter) error {
	for {
		sample, ok, err := enc.ReceiveSample()
		if err != nil {
			return wrapErr(ErrKindOutputWriteFailed, err)
		}
		if !ok {
			return nil
		}
		if err := out.WriteSample(sample); err != nil {
			return wrapErr(ErrKindOutputWriteFailed, err)
		}
	}
}

// Drain flushes the decoders, closes every rendition channel so its pump
// can finish, and waits for all pumps to finish writing and closing their
// outputs. It transitions Streaming/Ready → Draining → Finalized.
func (j *Job) Drain() error {
	j.setState(StateDraining)

	if j.cfg.VideoDecoder != nil {
		if err := j.cfg.VideoDecoder.SendEOF(); err != nil {
			return j.finalizeDrain(j.fail(wrapErr(ErrKindOutputWriteFailed, err)))
		}
		if err := j.drainVideoDecoder(); err != nil {
			return j.finalizeDrain(err)
		}
	}
	if j.cfg.AudioDecoder != nil {
		if err := j.cfg.AudioDecoder.SendEOF(); err != nil {
			return j.finalizeDrain(j.fail(wrapErr(ErrKindOutputWriteFailed, err)))
		}
		if err := j.drainAudioDecoder(); err != nil {
			return j.finalizeDrain(err)
		}
	}

	for _, r := range j.cfg.VideoRenditions {
		close(r.frameCh)
	}
	for _, r := range j.cfg.AudioRenditions {
		close(r.frameCh)
	}
	if j.cfg.VideoCopy != nil {
		if err := j.cfg.VideoCopy.Close(); err != nil {
			j.fail(wrapErr(ErrKindOutputWriteFailed, err))
		}
	}
	if j.cfg.AudioCopy != nil {
		if err := j.cfg.AudioCopy.Close(); err != nil {
			j.fail(wrapErr(ErrKindOutputWriteFailed, err))
		}
	}

	err := j.group.Wait()
	return j.finalizeDrain(err)
}

func (j *Job) finalizeDrain(err error) error {
	j.mu.Lock()
	if err != nil && j.err == nil {
		j.err = err
	}
	j.state = StateFinalized
	out := j.err
	j.mu.Unlock()
	return out
}
