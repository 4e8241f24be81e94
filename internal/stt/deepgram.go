package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/voiceturn/internal/logging"
)

const deepgramWSURL = "wss://api.deepgram.com/v1/listen"

// ErrClosed is returned when streaming to a closed client.
var ErrClosed = errors.New("client is closed")

// DeepgramClient implements the Client interface using Deepgram's streaming API.
type DeepgramClient struct {
	conn      *websocket.Conn
	results   chan TranscriptResult
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup // Wait for readLoop to finish
	log       zerolog.Logger
}

// DeepgramConfig holds configuration for the Deepgram client.
type DeepgramConfig struct {
	URL            string `yaml:"url"` // defaults to the hosted streaming endpoint
	APIKey         string `yaml:"api_key"`
	Language       string `yaml:"language"`    // e.g., "fr"
	Model          string `yaml:"model"`       // e.g., "nova-3"
	SampleRate     int    `yaml:"sample_rate"` // e.g., 16000
	Encoding       string `yaml:"encoding"`    // e.g., "linear16"
	Channels       int    `yaml:"channels"`
	Punctuate      bool   `yaml:"punctuate"`
	InterimResults bool   `yaml:"interim_results"`
	Diarize        bool   `yaml:"diarize"`
	Endpointing    int    `yaml:"endpointing"`      // milliseconds of silence for endpointing, 0 for default
	UtteranceEndMs int    `yaml:"utterance_end_ms"` // hard timeout after last speech, regardless of noise (0 for default)
}

type deepgramWord struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Speaker        *int    `json:"speaker"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
}

// deepgramResponse represents a Deepgram WebSocket response.
type deepgramResponse struct {
	Type     string  `json:"type"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string         `json:"transcript"`
			Confidence float64        `json:"confidence"`
			Words      []deepgramWord `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

// ListenURL builds the streaming URL with query parameters.
func (cfg DeepgramConfig) ListenURL() string {
	base := cfg.URL
	if base == "" {
		base = deepgramWSURL
	}
	q := url.Values{}
	q.Set("model", cfg.Model)
	q.Set("language", cfg.Language)
	q.Set("encoding", cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.Diarize {
		q.Set("diarize", "true")
	}
	if cfg.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.Endpointing))
	}
	if cfg.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMs))
	}
	return base + "?" + q.Encode()
}

// NewDeepgramClient creates a new Deepgram streaming STT client.
func NewDeepgramClient(ctx context.Context, cfg DeepgramConfig) (*DeepgramClient, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.ListenURL(), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	client := &DeepgramClient{
		conn:    conn,
		results: make(chan TranscriptResult, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		log:     logging.WithComponent("deepgram"),
	}

	client.wg.Add(1)
	go client.readLoop()

	return client, nil
}

// StreamAudio sends audio data to Deepgram.
func (c *DeepgramClient) StreamAudio(ctx context.Context, audio []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	return c.conn.WriteMessage(websocket.BinaryMessage, audio)
}

// Results returns the channel for receiving transcription results.
func (c *DeepgramClient) Results() <-chan TranscriptResult {
	return c.results
}

// Errors returns the channel for receiving errors.
func (c *DeepgramClient) Errors() <-chan error {
	return c.errors
}

// Close closes the Deepgram connection.
func (c *DeepgramClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		closeMsg := []byte(`{"type": "CloseStream"}`)
		_ = c.conn.WriteMessage(websocket.TextMessage, closeMsg)
		c.mu.Unlock()

		err = c.conn.Close()

		// Wait for readLoop to finish before closing channels
		c.wg.Wait()
		close(c.results)
		close(c.errors)
	})
	return err
}

// readLoop reads responses from Deepgram and sends them to the results channel.
func (c *DeepgramClient) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			case c.errors <- fmt.Errorf("read error: %w", err):
			default:
			}
			return
		}

		result, ok, err := parseResponse(msg)
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to parse response")
			continue
		}
		if !ok {
			continue
		}

		select {
		case <-c.done:
			return
		case c.results <- result:
		}
	}
}

// parseResponse converts a Deepgram message into a TranscriptResult.
// ok is false for messages that carry nothing to act on.
func parseResponse(msg []byte) (TranscriptResult, bool, error) {
	var resp deepgramResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return TranscriptResult{}, false, err
	}

	switch resp.Type {
	case "UtteranceEnd":
		return TranscriptResult{UtteranceEnd: true}, true, nil
	case "Results":
	default:
		return TranscriptResult{}, false, nil
	}

	result := TranscriptResult{
		IsFinal:     resp.IsFinal,
		SpeechFinal: resp.SpeechFinal,
		Start:       resp.Start,
		Duration:    resp.Duration,
	}
	if len(resp.Channel.Alternatives) > 0 {
		alt := resp.Channel.Alternatives[0]
		result.Text = alt.Transcript
		result.Confidence = alt.Confidence
		result.Speaker = dominantSpeaker(alt.Words)
	}

	// Emit events even if transcript is empty when we have boundary signals.
	if result.Text == "" && !result.IsFinal && !result.SpeechFinal {
		return TranscriptResult{}, false, nil
	}
	return result, true, nil
}

// dominantSpeaker returns the speaker label covering most words.
func dominantSpeaker(words []deepgramWord) string {
	counts := make(map[int]int)
	best, bestCount := -1, 0
	for _, w := range words {
		if w.Speaker == nil {
			continue
		}
		s := *w.Speaker
		counts[s]++
		if counts[s] > bestCount || (counts[s] == bestCount && s < best) {
			best, bestCount = s, counts[s]
		}
	}
	if best < 0 {
		return ""
	}
	return strconv.Itoa(best)
}
