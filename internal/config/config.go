// Package config loads process configuration for the ingest, transcoder,
// and edge binaries: defaults, then an optional YAML file, then
// RIDGECAST_-prefixed environment variables, highest last.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix scopes the environment variables this module reads.
const EnvPrefix = "RIDGECAST"

// Config is the full process configuration. Each binary reads the
// sections it needs and ignores the rest.
type Config struct {
	Logging     LoggingConfig     `koanf:"logging"`
	Redis       RedisConfig       `koanf:"redis"`
	Postgres    PostgresConfig    `koanf:"postgres"`
	ObjectStore ObjectStoreConfig `koanf:"object_store"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Transcoder  TranscoderConfig  `koanf:"transcoder"`
	Edge        EdgeConfig        `koanf:"edge"`
	Events      EventsConfig      `koanf:"events"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

type ObjectStoreConfig struct {
	Endpoint  string `koanf:"endpoint"`
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	UseSSL    bool   `koanf:"use_ssl"`
	// BadgerDir selects the embedded single-process backend used when
	// no S3 endpoint is configured (dev and test profiles).
	BadgerDir string `koanf:"badger_dir"`
}

// IngestConfig bounds what a publisher may send and names the listeners
// the ingest process runs.
type IngestConfig struct {
	// RTMPAddr is the listener publishers connect to.
	RTMPAddr string `koanf:"rtmp_addr"`
	// HandoffAddr is the listener transcoders call back on.
	HandoffAddr string `koanf:"handoff_addr"`
	// AdvertisedEndpoint is the handoff base URL written onto work
	// items; it must be reachable from the transcoders.
	AdvertisedEndpoint string `koanf:"advertised_endpoint"`

	MaxBitrate               int64         `koanf:"max_bitrate"`
	MaxBytesBetweenKeyframes int64         `koanf:"max_bytes_between_keyframes"`
	MaxTimeBetweenKeyframes  time.Duration `koanf:"max_time_between_keyframes"`
	BitrateUpdateInterval    time.Duration `koanf:"bitrate_update_interval"`

	// HandoffTimeout bounds how long an accepted publisher waits for a
	// transcoder to claim its work item before the publish is rejected.
	HandoffTimeout time.Duration `koanf:"handoff_timeout"`
}

// PipelineConfig parameterizes the breakpoint engine and publisher.
type PipelineConfig struct {
	MinSegmentDuration time.Duration `koanf:"min_segment_duration"`
	TargetPartDuration time.Duration `koanf:"target_part_duration"`
	MaxPartDuration    time.Duration `koanf:"max_part_duration"`
	PlaylistSegments   int           `koanf:"playlist_segments"`
}

// RenditionConfig is one rung of the output ladder.
type RenditionConfig struct {
	Name string `koanf:"name"`
	// Kind is "video" or "audio".
	Kind         string `koanf:"kind"`
	Width        int    `koanf:"width"`
	Height       int    `koanf:"height"`
	Framerate    int    `koanf:"framerate"`
	Bitrate      int    `koanf:"bitrate"`
	SampleRate   int    `koanf:"sample_rate"`
	Channels     int    `koanf:"channels"`
	// Copy marks a passthrough of the source track instead of a
	// re-encode.
	Copy bool `koanf:"copy"`
}

// TranscoderConfig drives the claim loop and the per-job graph.
type TranscoderConfig struct {
	// Organizations this transcoder claims work for.
	Organizations []string `koanf:"organizations"`
	// TranscoderTimeout bounds the wait for the ingest's grant.
	TranscoderTimeout time.Duration `koanf:"transcoder_timeout"`
	// ClaimWait bounds one idle pass over the work queues.
	ClaimWait time.Duration `koanf:"claim_wait"`
	// LeaseTTL and LeaseRenewInterval govern the exclusive-writer lease.
	LeaseTTL           time.Duration `koanf:"lease_ttl"`
	LeaseRenewInterval time.Duration `koanf:"lease_renew_interval"`
	// ScreenshotInterval is the thumbnail sampling cadence.
	ScreenshotInterval time.Duration `koanf:"screenshot_interval"`
	// MetricsAddr serves /metrics and /healthz for this process.
	MetricsAddr string `koanf:"metrics_addr"`
	// Renditions is the output ladder.
	Renditions []RenditionConfig `koanf:"renditions"`
	// RecordRenditions names the ladder entries persisted to object
	// storage; empty disables recording.
	RecordRenditions []string `koanf:"record_renditions"`
}

type EdgeConfig struct {
	Addr string `koanf:"addr"`
	// SubscriptionIdleGrace keeps a watch open after its last viewer
	// leaves.
	SubscriptionIdleGrace time.Duration `koanf:"subscription_idle_grace"`
}

// EventsConfig mirrors the event bus envelope.
type EventsConfig struct {
	StreamMessageMaxAge     time.Duration `koanf:"stream_message_max_age"`
	FetchRequestMinDelay    time.Duration `koanf:"fetch_request_min_delay"`
	FetchRequestMaxDelay    time.Duration `koanf:"fetch_request_max_delay"`
	FetchRequestMinMessages int           `koanf:"fetch_request_min_messages"`
	FetchRequestMaxMessages int           `koanf:"fetch_request_max_messages"`
	LeaseDuration           time.Duration `koanf:"lease_duration"`
}

// Default returns the configuration a bare process starts with.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
		ObjectStore: ObjectStoreConfig{
			BadgerDir: "ridgecast-data/objects",
		},
		Ingest: IngestConfig{
			RTMPAddr:                 ":1935",
			HandoffAddr:              ":8085",
			AdvertisedEndpoint:       "http://127.0.0.1:8085",
			MaxBitrate:               12 << 20,
			MaxBytesBetweenKeyframes: 48 << 20,
			MaxTimeBetweenKeyframes:  10 * time.Second,
			BitrateUpdateInterval:    2 * time.Second,
			HandoffTimeout:           60 * time.Second,
		},
		Pipeline: PipelineConfig{
			MinSegmentDuration: 2 * time.Second,
			TargetPartDuration: 250 * time.Millisecond,
			MaxPartDuration:    500 * time.Millisecond,
			PlaylistSegments:   5,
		},
		Transcoder: TranscoderConfig{
			Organizations:      nil,
			TranscoderTimeout:  60 * time.Second,
			ClaimWait:          5 * time.Second,
			LeaseTTL:           5 * time.Second,
			LeaseRenewInterval: time.Second,
			ScreenshotInterval: 5 * time.Second,
			MetricsAddr:        ":9102",
			Renditions: []RenditionConfig{
				{Name: "video_source", Kind: "video", Copy: true},
				{Name: "audio_source", Kind: "audio", Copy: true},
			},
		},
		Edge: EdgeConfig{
			Addr:                  ":8086",
			SubscriptionIdleGrace: 30 * time.Second,
		},
		Events: EventsConfig{
			StreamMessageMaxAge:     7 * 24 * time.Hour,
			FetchRequestMinDelay:    100 * time.Millisecond,
			FetchRequestMaxDelay:    10 * time.Second,
			FetchRequestMinMessages: 1,
			FetchRequestMaxMessages: 128,
			LeaseDuration:           30 * time.Second,
		},
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	p := c.Pipeline
	if p.TargetPartDuration <= 0 || p.MaxPartDuration <= 0 || p.MinSegmentDuration <= 0 {
		return fmt.Errorf("config: pipeline durations must be positive")
	}
	if p.MaxPartDuration < p.TargetPartDuration {
		return fmt.Errorf("config: max_part_duration %s below target_part_duration %s", p.MaxPartDuration, p.TargetPartDuration)
	}
	if p.PlaylistSegments <= 0 {
		return fmt.Errorf("config: playlist_segments must be positive")
	}
	t := c.Transcoder
	if t.LeaseRenewInterval <= 0 || t.LeaseTTL <= t.LeaseRenewInterval {
		return fmt.Errorf("config: lease_ttl %s must exceed lease_renew_interval %s", t.LeaseTTL, t.LeaseRenewInterval)
	}
	if t.TranscoderTimeout <= 0 {
		return fmt.Errorf("config: transcoder_timeout must be positive")
	}
	seen := make(map[string]struct{}, len(t.Renditions))
	for _, r := range t.Renditions {
		if r.Name == "" {
			return fmt.Errorf("config: rendition without a name")
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("config: duplicate rendition %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if r.Kind != "video" && r.Kind != "audio" {
			return fmt.Errorf("config: rendition %q has kind %q", r.Name, r.Kind)
		}
	}
	for _, name := range t.RecordRenditions {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("config: record rendition %q not in ladder", name)
		}
	}
	e := c.Events
	if e.FetchRequestMinDelay > e.FetchRequestMaxDelay {
		return fmt.Errorf("config: events fetch delay bounds inverted")
	}
	if e.FetchRequestMinMessages > e.FetchRequestMaxMessages {
		return fmt.Errorf("config: events fetch message bounds inverted")
	}
	return nil
}

// sections are the known top-level keys, longest first so that
// OBJECT_STORE_* resolves before a hypothetical OBJECT_* would.
var sections = []string{
	"object_store", "transcoder", "postgres", "pipeline", "logging",
	"ingest", "events", "redis", "edge",
}

// envKey maps RIDGECAST_SECTION_FIELD_NAME (prefix already stripped) to
// section.field_name.
func envKey(k string) string {
	k = strings.ToLower(k)
	for _, section := range sections {
		if strings.HasPrefix(k, section+"_") {
			return section + "." + strings.TrimPrefix(k, section+"_")
		}
	}
	return strings.ReplaceAll(k, "_", ".")
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (skipped when path is empty), then environment variables.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix + "_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, EnvPrefix+"_")
			return envKey(key), value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
