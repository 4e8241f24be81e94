package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lukasbauer/voiceturn/internal/audio"
	"github.com/lukasbauer/voiceturn/internal/events"
	"github.com/lukasbauer/voiceturn/internal/stt"
	"github.com/lukasbauer/voiceturn/internal/turn"
)

type Config struct {
	HTTPAddr     string        `yaml:"http_addr"`
	DatabaseURL  string        `yaml:"database_url"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"` // json, console
	SentryDSN    string        `yaml:"sentry_dsn"`
	Environment  string        `yaml:"environment"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`

	// Audio chunk dedupe
	DedupeWindow     time.Duration `yaml:"dedupe_window"`
	DedupeMaxEntries int           `yaml:"dedupe_max_entries"`

	// Segment store pruning
	SegmentMaxAge time.Duration `yaml:"segment_max_age"`

	STT   stt.DeepgramConfig `yaml:"stt"`
	Turn  turn.Config        `yaml:"turn"`
	Kafka events.Config      `yaml:"kafka"`
}

// LoadConfig reads the environment and then overlays CONFIG_FILE when set.
func LoadConfig() (Config, error) {
	cfg := LoadConfigFromEnv()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.Overlay(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadConfigFromEnv() Config {
	tc := turn.DefaultConfig()
	tc.InterimPreviews = getenvBool("TURN_INTERIM_PREVIEWS", tc.InterimPreviews)
	tc.SilenceTimeout = getenvMillis("TURN_SILENCE_MS", 0, 0, 60000)
	tc.DebounceDelay = getenvMillis("TURN_DEBOUNCE_MS", int(tc.DebounceDelay/time.Millisecond), 50, 5000)
	tc.MinChars = getenvIntClamped("TURN_MIN_CHARS", tc.MinChars, 0, 200)
	tc.MinWords = getenvIntClamped("TURN_MIN_WORDS", tc.MinWords, 0, 50)

	sem := &tc.Semantic
	sem.Enabled = getenvBool("EOT_ENABLED", sem.Enabled)
	sem.Provider = getenv("EOT_PROVIDER", sem.Provider)
	sem.Model = getenv("EOT_MODEL", sem.Model)
	sem.BaseURL = getenv("EOT_BASE_URL", sem.BaseURL)
	sem.APIKey = getenv("EOT_API_KEY", os.Getenv("OPENAI_API_KEY"))
	sem.ProbabilityThreshold = getenvFloatClamped("EOT_THRESHOLD", sem.ProbabilityThreshold, 0, 1)
	sem.GracePeriod = getenvMillis("EOT_GRACE_MS", int(sem.GracePeriod/time.Millisecond), 0, 5000)
	sem.RequestTimeout = getenvMillis("EOT_TIMEOUT_MS", int(sem.RequestTimeout/time.Millisecond), 50, 10000)
	sem.MaxHold = getenvMillis("EOT_MAX_HOLD_MS", int(sem.MaxHold/time.Millisecond), 0, 120000)
	sem.FallbackMode = getenv("EOT_FALLBACK", sem.FallbackMode)
	sem.RequestsPerSecond = getenvFloatClamped("EOT_RPS", sem.RequestsPerSecond, 0, 100)

	return Config{
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:  getenv("DATABASE_URL", ""),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		LogFormat:    getenv("LOG_FORMAT", "json"),
		SentryDSN:    getenv("SENTRY_DSN", ""),
		Environment:  getenv("APP_ENV", "development"),
		DrainTimeout: getenvMillis("DRAIN_TIMEOUT_MS", 10000, 0, 120000),
		CORSOrigins:  parseList(os.Getenv("CORS_ORIGINS")),

		DedupeWindow:     getenvMillis("AUDIO_DEDUPE_WINDOW_MS", int(audio.DefaultWindow/time.Millisecond), 0, 60000),
		DedupeMaxEntries: getenvIntClamped("AUDIO_DEDUPE_MAX_ENTRIES", audio.DefaultMaxEntries, 1, 10000),
		SegmentMaxAge:    getenvMillis("SEGMENT_MAX_AGE_MS", 300000, 0, 3600000),

		STT: stt.DeepgramConfig{
			URL:            getenv("DEEPGRAM_URL", ""),
			APIKey:         getenv("DEEPGRAM_API_KEY", ""),
			Language:       getenv("STT_LANGUAGE", "fr"),
			Model:          getenv("DEEPGRAM_MODEL", "nova-3"),
			SampleRate:     getenvIntClamped("STT_SAMPLE_RATE", 16000, 8000, 48000),
			Encoding:       "linear16",
			Channels:       1,
			Punctuate:      true,
			InterimResults: true,
			Diarize:        getenvBool("STT_DIARIZE", false),
			// Deepgram accepts 10..5000ms, 0 keeps its default
			Endpointing: getenvIntClamped("STT_ENDPOINTING_MS", 300, 0, 5000),
			// Deepgram requires >= 1000ms when set
			UtteranceEndMs: utteranceEndMs(getenvIntClamped("STT_UTTERANCE_END_MS", 1000, 0, 5000)),
		},
		Turn: tc,
		Kafka: events.Config{
			Brokers:        parseList(os.Getenv("KAFKA_BROKERS")),
			TopicUtterance: getenv("KAFKA_TOPIC_UTTERANCE", events.DefaultTopicUtterance),
			TopicDecision:  getenv("KAFKA_TOPIC_DECISION", events.DefaultTopicDecision),
			Principal:      getenv("KAFKA_PRINCIPAL", "voiceturn"),
			Enabled:        getenvBool("KAFKA_ENABLED", false),
		},
	}
}

// Overlay merges a YAML file on top of cfg. Keys absent from the file keep
// their current values.
func (c *Config) Overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings needed to serve sessions.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http_addr is required")
	}
	if c.STT.APIKey == "" {
		return errors.New("DEEPGRAM_API_KEY is required")
	}
	if c.STT.SampleRate <= 0 || c.STT.Channels <= 0 {
		return fmt.Errorf("stt: invalid audio format %d Hz x %d channels", c.STT.SampleRate, c.STT.Channels)
	}
	if c.DedupeMaxEntries <= 0 {
		return errors.New("dedupe_max_entries must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka: enabled without brokers")
	}
	if err := c.Turn.Validate(); err != nil {
		return fmt.Errorf("turn: %w", err)
	}
	return nil
}

func utteranceEndMs(v int) int {
	if v > 0 && v < 1000 {
		return 1000
	}
	return v
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	if f < min {
		return min
	}
	if f > max {
		return max
	}
	return f
}

func getenvMillis(k string, def, min, max int) time.Duration {
	return time.Duration(getenvIntClamped(k, def, min, max)) * time.Millisecond
}
