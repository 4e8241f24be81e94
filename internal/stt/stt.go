package stt

import "context"

// TranscriptResult represents a speech-to-text transcription result.
type TranscriptResult struct {
	Text         string  // The transcribed text
	Confidence   float64 // Confidence score (0-1)
	IsFinal      bool    // Provider-confirmed segment (false for interim hypotheses)
	SpeechFinal  bool    // Provider endpointing detected the end of speech
	UtteranceEnd bool    // Provider's utterance-end signal; carries no text
	Speaker      string  // Diarized speaker label, empty when diarization is off
	Start        float64 // Segment start, seconds from stream start
	Duration     float64 // Segment duration in seconds
}

// End returns the segment end time in seconds.
func (r TranscriptResult) End() float64 {
	return r.Start + r.Duration
}

// Client defines the interface for speech-to-text providers.
type Client interface {
	// StreamAudio sends audio data to the STT service.
	// Audio should be in the format expected by the provider.
	StreamAudio(ctx context.Context, audio []byte) error

	// Results returns a channel that receives transcription results.
	Results() <-chan TranscriptResult

	// Errors returns a channel that receives errors.
	Errors() <-chan error

	// Close closes the connection to the STT service.
	Close() error
}
