// Package metrics exposes the process's Prometheus instruments behind a
// single Recorder so call sites never touch collector types directly.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns one registry and every instrument the ingest,
// transcoder, and edge processes record into.
type Recorder struct {
	registry *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	activeStreams prometheus.Gauge
	streamsTotal  prometheus.Counter
	ingestBitrate *prometheus.GaugeVec

	activeJobs prometheus.Gauge
	jobsTotal  *prometheus.CounterVec

	partsPublished    *prometheus.CounterVec
	segmentsPublished *prometheus.CounterVec

	recordingSegments   *prometheus.CounterVec
	recordingThumbnails prometheus.Counter

	eventsPublished *prometheus.CounterVec
	eventsFetched   *prometheus.CounterVec
	eventsAcked     *prometheus.CounterVec

	subscriptionTopics      prometheus.Gauge
	subscriptionSubscribers prometheus.Gauge
	viewersDropped          prometheus.Counter

	taskerRetries *prometheus.CounterVec
}

// New builds a Recorder with its own registry; tests use this to stay
// isolated from the process singleton.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ridgecast_http_requests_total",
			Help: "HTTP requests served, by method, path, and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ridgecast_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ridgecast_ingest_active_streams",
			Help: "Publishing sessions currently forwarding media.",
		}),
		streamsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ridgecast_ingest_streams_total",
			Help: "Publishing sessions accepted since start.",
		}),
		ingestBitrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ridgecast_ingest_bitrate_bytes_per_second",
			Help: "Rolling inbound byte rate per room.",
		}, []string{"room"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ridgecast_transcoder_active_jobs",
			Help: "Transcoder jobs currently running.",
		}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ridgecast_transcoder_jobs_total",
			Help: "Transcoder jobs finished, by outcome.",
		}, []string{"outcome"}),
		partsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ridgecast_publish_parts_total",
			Help: "LL-HLS parts published, by rendition.",
		}, []string{"rendition"}),
		segmentsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ridgecast_publish_segments_total",
			Help: "Segments sealed and published, by rendition.",
		}, []string{"rendition"}),
		recordingSegments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ridgecast_recording_segments_total",
			Help: "Segments persisted to the recording sink, by rendition.",
		}, []string{"rendition"}),
		recordingThumbnails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ridgecast_recording_thumbnails_total",
			Help: "Thumbnails persisted to the recording sink.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ridgecast_events_published_total",
			Help: "Events published to the bus, by target kind.",
		}, []string{"kind"}),
		eventsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ridgecast_events_fetched_total",
			Help: "Events delivered to fetchers, by target kind.",
		}, []string{"kind"}),
		eventsAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ridgecast_events_acked_total",
			Help: "Events acknowledged, by target kind.",
		}, []string{"kind"}),
		subscriptionTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ridgecast_subscription_topics",
			Help: "Playlist keys with an open upstream watch.",
		}),
		subscriptionSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ridgecast_subscription_subscribers",
			Help: "Viewers attached across all watched keys.",
		}),
		viewersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ridgecast_subscription_dropped_updates_total",
			Help: "Updates dropped because a viewer fell behind.",
		}),
		taskerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ridgecast_tasker_retries_total",
			Help: "Task retries scheduled, by task kind.",
		}, []string{"kind"}),
	}
	registry.MustRegister(
		r.requestCount, r.requestDuration,
		r.activeStreams, r.streamsTotal, r.ingestBitrate,
		r.activeJobs, r.jobsTotal,
		r.partsPublished, r.segmentsPublished,
		r.recordingSegments, r.recordingThumbnails,
		r.eventsPublished, r.eventsFetched, r.eventsAcked,
		r.subscriptionTopics, r.subscriptionSubscribers, r.viewersDropped,
		r.taskerRetries,
	)
	return r
}

var defaultRecorder = New()

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest records one served HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	r.requestCount.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// StreamStarted marks one publishing session accepted.
func (r *Recorder) StreamStarted() {
	r.streamsTotal.Inc()
	r.activeStreams.Inc()
}

// StreamStopped marks one publishing session ended.
func (r *Recorder) StreamStopped() {
	r.activeStreams.Dec()
}

// ObserveIngestBitrate records room's rolling inbound byte rate.
func (r *Recorder) ObserveIngestBitrate(room string, bytesPerSecond float64) {
	r.ingestBitrate.WithLabelValues(room).Set(bytesPerSecond)
}

// ForgetIngestBitrate drops room's bitrate series once its session ends.
func (r *Recorder) ForgetIngestBitrate(room string) {
	r.ingestBitrate.DeleteLabelValues(room)
}

// TranscoderJobStarted marks one job entering Streaming.
func (r *Recorder) TranscoderJobStarted() {
	r.activeJobs.Inc()
}

// TranscoderJobFinished marks one job leaving, tagged by outcome
// ("completed", "failed", "lease_lost", ...).
func (r *Recorder) TranscoderJobFinished(outcome string) {
	r.activeJobs.Dec()
	r.jobsTotal.WithLabelValues(outcome).Inc()
}

// PartPublished counts one committed part for rendition.
func (r *Recorder) PartPublished(rendition string) {
	r.partsPublished.WithLabelValues(rendition).Inc()
}

// SegmentPublished counts one sealed segment for rendition.
func (r *Recorder) SegmentPublished(rendition string) {
	r.segmentsPublished.WithLabelValues(rendition).Inc()
}

// RecordingSegmentWritten counts one segment row persisted.
func (r *Recorder) RecordingSegmentWritten(rendition string) {
	r.recordingSegments.WithLabelValues(rendition).Inc()
}

// RecordingThumbnailWritten counts one thumbnail persisted.
func (r *Recorder) RecordingThumbnailWritten() {
	r.recordingThumbnails.Inc()
}

// EventPublished counts one event accepted by the bus.
func (r *Recorder) EventPublished(kind string) {
	r.eventsPublished.WithLabelValues(kind).Inc()
}

// EventFetched counts one event handed to a fetcher.
func (r *Recorder) EventFetched(kind string) {
	r.eventsFetched.WithLabelValues(kind).Inc()
}

// EventAcked counts one resolved ack.
func (r *Recorder) EventAcked(kind string) {
	r.eventsAcked.WithLabelValues(kind).Inc()
}

// SetSubscriptionCounts publishes the manager's topic/subscriber gauges.
func (r *Recorder) SetSubscriptionCounts(topics, subscribers int) {
	r.subscriptionTopics.Set(float64(topics))
	r.subscriptionSubscribers.Set(float64(subscribers))
}

// ViewerDropped counts one update lost to a slow viewer.
func (r *Recorder) ViewerDropped() {
	r.viewersDropped.Inc()
}

// TaskerRetry counts one scheduled retry for a task kind.
func (r *Recorder) TaskerRetry(kind string) {
	r.taskerRetries.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Handler serves the default Recorder's registry.
func Handler() http.Handler {
	return Default().Handler()
}
