package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lukasbauer/voiceturn/internal/logging"
	"github.com/lukasbauer/voiceturn/internal/metrics"
)

// Providers supported by EOTDetector.
const (
	ProviderCompletions = "completions"
	ProviderOpenAI      = "openai"
)

// Fallback modes applied by the turn assembler when no probability is available.
const (
	FallbackSilence   = "silence"
	FallbackHeuristic = "heuristic"
)

const (
	defaultCompletionsURL = "http://localhost:8000"
	defaultOpenAIURL      = "https://api.openai.com"
	defaultOpenAIModel    = "gpt-4o-mini"
)

var (
	errRateLimited     = errors.New("rate limited")
	errNoLogprobs      = errors.New("no logprobs in response")
	errUnknownProvider = errors.New("unknown provider")
)

// EOTConfig configures semantic end-of-turn detection.
type EOTConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Provider             string        `yaml:"provider"` // "completions" or "openai"
	Model                string        `yaml:"model"`
	BaseURL              string        `yaml:"base_url"`
	APIKey               string        `yaml:"api_key"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	TopLogprobs          int           `yaml:"top_logprobs"`
	TrackedTokens        []string      `yaml:"tracked_tokens"`
	ProbabilityThreshold float64       `yaml:"probability_threshold"`
	GracePeriod          time.Duration `yaml:"grace_period"`
	MaxHold              time.Duration `yaml:"max_hold"`
	FallbackMode         string        `yaml:"fallback_mode"` // "silence" or "heuristic"
	ContextMessages      int           `yaml:"context_messages"`
	RequestsPerSecond    float64       `yaml:"requests_per_second"`
}

// DefaultEOTConfig returns the documented defaults. Detection is disabled.
func DefaultEOTConfig() EOTConfig {
	return EOTConfig{
		Enabled:              false,
		Provider:             ProviderCompletions,
		RequestTimeout:       600 * time.Millisecond,
		TopLogprobs:          10,
		ProbabilityThreshold: 0.72,
		GracePeriod:          300 * time.Millisecond,
		MaxHold:              20 * time.Second,
		FallbackMode:         FallbackSilence,
		ContextMessages:      6,
		RequestsPerSecond:    5,
	}
}

// Validate checks the configuration.
func (c EOTConfig) Validate() error {
	switch c.Provider {
	case ProviderCompletions, ProviderOpenAI:
	default:
		return fmt.Errorf("%w: %q", errUnknownProvider, c.Provider)
	}
	if c.ProbabilityThreshold < 0 || c.ProbabilityThreshold > 1 {
		return fmt.Errorf("probability_threshold must be within [0,1], got %v", c.ProbabilityThreshold)
	}
	if c.TopLogprobs < 1 || c.TopLogprobs > 20 {
		return fmt.Errorf("top_logprobs must be within [1,20], got %d", c.TopLogprobs)
	}
	switch c.FallbackMode {
	case FallbackSilence, FallbackHeuristic:
	default:
		return fmt.Errorf("fallback_mode must be %q or %q, got %q", FallbackSilence, FallbackHeuristic, c.FallbackMode)
	}
	if c.Provider == ProviderOpenAI && c.APIKey == "" {
		return errors.New("api_key is required for the openai provider")
	}
	return nil
}

// EOTDetector implements Detector against a completions or chat endpoint.
type EOTDetector struct {
	cfg        EOTConfig
	endpoint   string
	tracked    map[string]struct{}
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewEOTDetector creates a detector. m may be nil.
func NewEOTDetector(cfg EOTConfig, m *metrics.Metrics) *EOTDetector {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultEOTConfig().RequestTimeout
	}
	if cfg.TopLogprobs <= 0 {
		cfg.TopLogprobs = DefaultEOTConfig().TopLogprobs
	}

	tokens := cfg.TrackedTokens
	if len(tokens) == 0 {
		tokens = DefaultTrackedTokens
		if cfg.Provider == ProviderOpenAI {
			tokens = ChatTrackedTokens
		}
	}
	tracked := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		tracked[strings.TrimSpace(t)] = struct{}{}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &EOTDetector{
		cfg:        cfg,
		endpoint:   endpointFor(cfg),
		tracked:    tracked,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(limit, 1),
		metrics:    m,
		log:        logging.WithComponent("eot"),
	}
}

func endpointFor(cfg EOTConfig) string {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultCompletionsURL
		if cfg.Provider == ProviderOpenAI {
			base = defaultOpenAIURL
		}
	}
	base = strings.TrimSuffix(base, "/v1")
	if cfg.Provider == ProviderOpenAI {
		return base + "/v1/chat/completions"
	}
	return base + "/v1/completions"
}

// EOTProbability implements Detector. Any failure yields nil.
func (d *EOTDetector) EOTProbability(ctx context.Context, messages []Message) *float64 {
	if len(messages) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	p, err := d.query(ctx, messages)
	latency := time.Since(start).Seconds()

	if err != nil {
		d.log.Debug().Err(err).Float64("latencySec", latency).Msg("end-of-turn probability unavailable")
		if d.metrics != nil {
			d.metrics.RecordSemanticRequest(latency, classifyError(ctx, err))
		}
		return nil
	}
	if d.metrics != nil {
		d.metrics.RecordSemanticRequest(latency, "")
	}
	return &p
}

func (d *EOTDetector) query(ctx context.Context, messages []Message) (float64, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", errRateLimited, err)
	}

	var (
		body []byte
		err  error
	)
	if d.cfg.Provider == ProviderOpenAI {
		body, err = json.Marshal(d.chatRequest(messages))
	} else {
		body, err = json.Marshal(d.completionRequest(messages))
	}
	if err != nil {
		return 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("EOT API error: %s - %s", resp.Status, string(respBody))
	}

	var candidates map[string]float64
	if d.cfg.Provider == ProviderOpenAI {
		candidates, err = decodeChatLogprobs(resp.Body)
	} else {
		candidates, err = decodeCompletionLogprobs(resp.Body)
	}
	if err != nil {
		return 0, err
	}
	return d.sumTracked(candidates), nil
}

func (d *EOTDetector) sumTracked(candidates map[string]float64) float64 {
	var p float64
	for tok, lp := range candidates {
		if _, ok := d.tracked[strings.TrimSpace(tok)]; ok {
			p += math.Exp(lp)
		}
	}
	return math.Max(0, math.Min(1, p))
}

// completionRequest is a legacy /v1/completions request.
type completionRequest struct {
	Model       string  `json:"model,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Logprobs    int     `json:"logprobs"`
	Temperature float64 `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Logprobs struct {
			TopLogprobs []map[string]float64 `json:"top_logprobs"`
		} `json:"logprobs"`
	} `json:"choices"`
}

func (d *EOTDetector) completionRequest(messages []Message) completionRequest {
	return completionRequest{
		Model:     d.cfg.Model,
		Prompt:    RenderTranscript(messages),
		MaxTokens: 1,
		Logprobs:  d.cfg.TopLogprobs,
	}
}

func decodeCompletionLogprobs(r io.Reader) (map[string]float64, error) {
	var resp completionResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].Logprobs.TopLogprobs) == 0 {
		return nil, errNoLogprobs
	}
	return resp.Choices[0].Logprobs.TopLogprobs[0], nil
}

// chatRequest is a chat completion request asking for first-token logprobs.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Logprobs    bool          `json:"logprobs"`
	TopLogprobs int           `json:"top_logprobs"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type tokenLogprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}

type chatResponse struct {
	Choices []struct {
		Logprobs struct {
			Content []struct {
				tokenLogprob
				TopLogprobs []tokenLogprob `json:"top_logprobs"`
			} `json:"content"`
		} `json:"logprobs"`
	} `json:"choices"`
}

func (d *EOTDetector) chatRequest(messages []Message) chatRequest {
	model := d.cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: RoleSystem, Content: eotSystemPrompt},
			{Role: RoleUser, Content: renderChatTranscript(messages)},
		},
		MaxTokens:   1,
		Logprobs:    true,
		TopLogprobs: d.cfg.TopLogprobs,
	}
}

func decodeChatLogprobs(r io.Reader) (map[string]float64, error) {
	var resp chatResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].Logprobs.Content) == 0 {
		return nil, errNoLogprobs
	}
	first := resp.Choices[0].Logprobs.Content[0]
	out := make(map[string]float64, len(first.TopLogprobs)+1)
	for _, c := range first.TopLogprobs {
		out[c.Token] = c.Logprob
	}
	if len(out) == 0 && first.Token != "" {
		out[first.Token] = first.Logprob
	}
	if len(out) == 0 {
		return nil, errNoLogprobs
	}
	return out, nil
}

func classifyError(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, errRateLimited):
		return "rate_limited"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, errNoLogprobs):
		return "parse"
	case strings.Contains(err.Error(), "decode"):
		return "parse"
	default:
		return "transport"
	}
}
