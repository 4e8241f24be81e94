// Package costs estimates provider spend for a conversation session.
package costs

import (
	"math"
	"os"
	"strconv"
)

// Pricing constants (in cents per unit).
// Defaults can be overridden via environment variables.
var (
	// DeepgramCentsPerMinute is the cost per minute of streamed STT audio.
	// Default: $0.0077/min = 0.77 cents/min
	DeepgramCentsPerMinute = getEnvFloat("COST_DEEPGRAM_CENTS_PER_MIN", 0.77)

	// EOTCentsPerThousandRequests is the cost per 1K end-of-turn evaluations.
	// A request is ~200 prompt tokens and one completion token.
	EOTCentsPerThousandRequests = getEnvFloat("COST_EOT_CENTS_PER_1K_REQUESTS", 3.0)
)

// SessionUsage is the raw usage of one session.
type SessionUsage struct {
	AudioBytes          int64  // audio forwarded to STT, after dedupe
	SampleRate          int    // Hz
	Channels            int    // 0 means mono
	Encoding            string // linear16, linear32, mulaw, alaw
	SemanticEvaluations int
}

// SessionCosts is the estimated spend for a session, in cents.
type SessionCosts struct {
	AudioSeconds      float64
	STTCostCents      float64
	SemanticCostCents float64
	TotalCostCents    float64
}

// Calculate estimates the costs of a session.
func Calculate(u SessionUsage) SessionCosts {
	secs := AudioSeconds(u.AudioBytes, u.SampleRate, u.Channels, u.Encoding)
	stt := secs / 60 * DeepgramCentsPerMinute
	eot := float64(u.SemanticEvaluations) / 1000 * EOTCentsPerThousandRequests

	c := SessionCosts{
		AudioSeconds:      round(secs, 3),
		STTCostCents:      round(stt, 4),
		SemanticCostCents: round(eot, 4),
	}
	c.TotalCostCents = round(stt+eot, 4)
	return c
}

// AudioSeconds converts a raw audio byte count to seconds of audio.
// Returns 0 when the sample rate is unknown.
func AudioSeconds(bytes int64, sampleRate, channels int, encoding string) float64 {
	if bytes <= 0 || sampleRate <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	return float64(bytes) / float64(sampleRate*channels*bytesPerSample(encoding))
}

func bytesPerSample(encoding string) int {
	switch encoding {
	case "mulaw", "alaw":
		return 1
	case "linear32":
		return 4
	default:
		return 2
	}
}

func round(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
