package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/voiceturn/internal/audio"
	"github.com/lukasbauer/voiceturn/internal/costs"
	"github.com/lukasbauer/voiceturn/internal/eventlog"
	"github.com/lukasbauer/voiceturn/internal/events"
	"github.com/lukasbauer/voiceturn/internal/llm"
	"github.com/lukasbauer/voiceturn/internal/logging"
	"github.com/lukasbauer/voiceturn/internal/stt"
	"github.com/lukasbauer/voiceturn/internal/store"
	"github.com/lukasbauer/voiceturn/internal/transcript"
	"github.com/lukasbauer/voiceturn/internal/turn"
)

const (
	maxClientMessage  = 1 << 20
	writeTimeout      = 5 * time.Second
	persistTimeout    = 5 * time.Second
	segmentPruneEvery = 30 * time.Second
	maxQueuedFrames   = 256
)

// Client -> server control messages.
type clientMessage struct {
	Type    string `json:"type"` // echo, assistant, stop
	Content string `json:"content,omitempty"`
}

// Server -> client message carrying a preview or a dispatched utterance.
type outboundMessage struct {
	Type string `json:"type"`
	turn.UserMessage
}

type outboundTranscript struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type outboundError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// mediaSession manages one conversation socket: audio in, STT, turn
// assembly, dispatched utterances out.
type mediaSession struct {
	id            string
	speakerLabels bool

	conn   *websocket.Conn
	connMu sync.Mutex

	// Frames waiting for writeLoop, oldest first.
	outMu    sync.Mutex
	outQueue []any
	outReady chan struct{}

	sttClient stt.Client
	dedupe    *audio.Deduper
	segments  *transcript.Store
	assembler *turn.Assembler

	svc   Services
	cfg   RouterConfig
	log   zerolog.Logger
	start time.Time

	// Dispatched messages waiting for the processor, oldest first.
	dispatchMu sync.Mutex
	dispatched []turn.UserMessage
	seq        int

	bgMu     sync.Mutex
	bgClosed bool
	bg       sync.WaitGroup

	sttDone chan struct{} // closed when processSTTResults returns

	audioBytes  atomic.Int64 // forwarded to STT
	evaluations atomic.Int64 // semantic detector requests

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func (r *Router) handleMediaWS(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	sessionID := strings.TrimSpace(q.Get("session"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(req.Context()))
	s := &mediaSession{
		id:            sessionID,
		speakerLabels: q.Get("speaker_labels") == "true",
		dedupe:        audio.NewDeduper(r.cfg.DedupeWindow, r.cfg.DedupeMaxEntries),
		segments:      transcript.NewStore(),
		svc:           r.svc,
		cfg:           r.cfg,
		log:           logging.WithSession(sessionID).With().Str("component", "media_ws").Logger(),
		start:         time.Now(),
		sttDone:       make(chan struct{}),
		outReady:      make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	if err := r.sessions.Add(sessionID, s); err != nil {
		cancel()
		status := http.StatusServiceUnavailable
		if errors.Is(err, ErrDuplicateSession) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	defer r.sessions.Done(sessionID)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool { return originAllowed(r.cfg.CORSOrigins, req) },
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		cancel()
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	s.conn = conn
	conn.SetReadLimit(maxClientMessage)
	go s.writeLoop()

	sttCfg := r.cfg.STT
	sttCfg.Diarize = sttCfg.Diarize || s.speakerLabels
	sttClient, err := r.svc.DialSTT(ctx, sttCfg)
	if err != nil {
		s.log.Error().Err(err).Msg("stt connect failed")
		captureSessionError(sessionID, err, "media_ws: stt connect")
		s.writeJSON(outboundError{Type: "error", Error: "speech recognition unavailable"})
		s.closeConn()
		cancel()
		return
	}
	s.sttClient = sttClient

	s.assembler = turn.NewAssembler(sessionID, r.cfg.Turn, turn.Deps{
		Sink:      s,
		Processor: s,
		Detector:  r.svc.Detector,
		Telemetry: s,
		Go:        s.goAsync,
	})

	r.svc.Metrics.RecordSessionStart()
	s.log.Info().Bool("speakerLabels", s.speakerLabels).Msg("session started")
	s.svc.EventLog.LogAsync(sessionID, eventlog.EventSessionStarted, map[string]any{
		"speaker_labels": s.speakerLabels,
		"language":       sttCfg.Language,
	})
	if s.svc.Store != nil {
		s.goAsync(func() {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			err := s.svc.Store.UpsertSession(ctx, store.Session{
				ID:            sessionID,
				Language:      sttCfg.Language,
				SpeakerLabels: s.speakerLabels,
				StartedAt:     s.start,
			})
			if err != nil {
				s.log.Warn().Err(err).Msg("session upsert failed")
			}
		})
	}

	go s.processSTTResults()
	s.run()
}

func (s *mediaSession) run() {
	defer s.cleanup()

	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Info().Msg("connection closed")
			} else {
				s.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := s.handleAudio(msg); err != nil {
				s.log.Warn().Err(err).Msg("audio forward failed")
			}
		case websocket.TextMessage:
			if stop := s.handleControl(msg); stop {
				return
			}
		}
	}
}

func (s *mediaSession) handleAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	skip := s.dedupe.ShouldSkip(audio.ChunkSignature(chunk))
	s.svc.Metrics.RecordAudioChunk(len(chunk), skip)
	if skip {
		return nil
	}
	s.audioBytes.Add(int64(len(chunk)))
	return s.sttClient.StreamAudio(s.ctx, chunk)
}

// handleControl applies a client control message and reports whether the
// session should end.
func (s *mediaSession) handleControl(msg []byte) bool {
	var cm clientMessage
	if err := json.Unmarshal(msg, &cm); err != nil {
		s.log.Warn().Err(err).Msg("failed to parse control message")
		return false
	}

	switch cm.Type {
	case "echo":
		if s.assembler.DiscardPending() {
			s.svc.EventLog.LogAsync(s.id, eventlog.EventEchoDiscarded, nil)
		}
	case "assistant":
		s.assembler.AddAssistantMessage(cm.Content)
		s.svc.EventLog.LogAsync(s.id, eventlog.EventAssistantMessage, map[string]any{
			"text_length": len([]rune(cm.Content)),
		})
	case "stop":
		s.log.Info().Msg("stop requested")
		return true
	default:
		s.log.Debug().Str("type", cm.Type).Msg("unknown control message")
	}
	return false
}

func (s *mediaSession) processSTTResults() {
	defer close(s.sttDone)
	prune := time.NewTicker(segmentPruneEvery)
	defer prune.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-prune.C:
			if s.cfg.SegmentMaxAge > 0 {
				if n := s.segments.RemoveStale(s.cfg.SegmentMaxAge); n > 0 {
					s.log.Debug().Int("removed", n).Msg("pruned stale segments")
				}
			}

		case err, ok := <-s.sttClient.Errors():
			if !ok {
				return
			}
			s.log.Error().Err(err).Msg("stt error")
			captureSessionError(s.id, err, "media_ws: stt stream")
			s.svc.EventLog.LogAsync(s.id, eventlog.EventSTTError, map[string]any{"error": err.Error()})
			s.writeJSON(outboundError{Type: "error", Error: "speech recognition stream lost"})
			s.stop()
			return

		case result, ok := <-s.sttClient.Results():
			if !ok {
				return
			}
			s.handleResult(result)
		}
	}
}

func (s *mediaSession) handleResult(res stt.TranscriptResult) {
	if res.UtteranceEnd {
		s.assembler.MarkEndOfUtterance()
		s.svc.EventLog.LogAsync(s.id, eventlog.EventUtteranceEnd, nil)
		return
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}
	s.svc.Metrics.RecordTranscript(res.IsFinal)

	speaker := ""
	if s.speakerLabels {
		speaker = res.Speaker
		if speaker == "" {
			// Diarization sometimes omits the label on short results.
			speaker = s.segments.LatestSpeaker()
		}
	}

	s.segments.Upsert(transcript.Segment{
		StartTime:  res.Start,
		EndTime:    res.End(),
		Text:       text,
		IsFinal:    res.IsFinal,
		Speaker:    speaker,
		ReceivedAt: time.Now(),
	})

	if !res.IsFinal {
		s.assembler.HandlePartial(text, speaker)
		return
	}

	s.assembler.HandleFinal(text, speaker)
	s.send(outboundTranscript{Type: "transcript", Text: s.segments.FullTranscript()})
	s.svc.EventLog.LogAsync(s.id, eventlog.EventSTTResult, map[string]any{
		"text":         text,
		"confidence":   res.Confidence,
		"speaker":      speaker,
		"speech_final": res.SpeechFinal,
	})
	if res.SpeechFinal {
		s.assembler.MarkEndOfUtterance()
	}
}

// OnMessage implements turn.MessageSink. Runs under the assembler lock, so
// the frame is only queued.
func (s *mediaSession) OnMessage(msg turn.UserMessage) {
	if !msg.IsInterim {
		s.dispatchMu.Lock()
		s.dispatched = append(s.dispatched, msg)
		s.dispatchMu.Unlock()
	}
	s.send(outboundMessage{Type: "message", UserMessage: msg})
}

// ProcessUserMessage implements turn.Processor: persist and publish the
// dispatched utterance.
func (s *mediaSession) ProcessUserMessage(ctx context.Context, content string) error {
	msg, seq := s.takeDispatched(content)

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	var errs []error
	if s.svc.Store != nil {
		err := s.svc.Store.InsertUtterance(ctx, s.id, store.Utterance{
			MessageID: msg.MessageID,
			Speaker:   msg.Speaker,
			Text:      content,
			Sequence:  seq,
			CreatedAt: msg.Timestamp,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("store utterance: %w", err))
		}
	}
	err := s.svc.Publisher.PublishUtterance(ctx, events.UtteranceEvent{
		SessionID: s.id,
		MessageID: msg.MessageID,
		Speaker:   msg.Speaker,
		Text:      content,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("publish utterance: %w", err))
	}
	s.svc.EventLog.LogAsync(s.id, eventlog.EventUtteranceDispatched, map[string]any{
		"message_id":  msg.MessageID,
		"sequence":    seq,
		"text_length": len([]rune(content)),
	})
	return errors.Join(errs...)
}

// takeDispatched pops the sink record for content. Dispatches reach the
// processor in order, so the head normally matches.
func (s *mediaSession) takeDispatched(content string) (turn.UserMessage, int) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.seq++

	for i, m := range s.dispatched {
		if m.Content == content {
			s.dispatched = append(s.dispatched[:i], s.dispatched[i+1:]...)
			return m, s.seq
		}
	}
	return turn.UserMessage{
		Role:      llm.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
		MessageID: uuid.NewString(),
	}, s.seq
}

// RecordTurnDecision implements turn.Telemetry. Runs under the assembler
// lock, so writes happen in the background.
func (s *mediaSession) RecordTurnDecision(d turn.TurnDecision) {
	m := s.svc.Metrics
	m.RecordTurnDecision(d.Trigger, d.Decision)
	if d.Trigger == turn.TriggerSemantic {
		switch d.Decision {
		case turn.DecisionHold, turn.DecisionWait, turn.DecisionFallback, turn.DecisionIgnore:
			s.evaluations.Add(1)
		}
	}
	switch d.Decision {
	case turn.DecisionDispatch:
		m.RecordDispatch(float64(d.HoldMs) / 1000)
	case turn.DecisionSuppress:
		m.RecordSuppressed(d.Reason)
	case turn.DecisionDiscard:
		m.RecordDiscarded()
	case turn.DecisionDedupe:
		// Not a turn outcome; kept out of turn_decisions and the topic.
		m.RecordTranscriptDeduped(d.Trigger)
		s.svc.EventLog.LogDecision(d)
		return
	}

	s.goAsync(func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if s.svc.Store != nil {
			if err := s.svc.Store.InsertTurnDecision(ctx, d); err != nil {
				s.log.Debug().Err(err).Msg("store turn decision failed")
			}
		}
		_ = s.svc.Publisher.PublishDecision(ctx, d)
	})
}

// goAsync runs f on a tracked goroutine so cleanup can wait for it. After
// cleanup has started f still runs, untracked.
func (s *mediaSession) goAsync(f func()) {
	s.bgMu.Lock()
	if s.bgClosed {
		s.bgMu.Unlock()
		go f()
		return
	}
	s.bg.Add(1)
	s.bgMu.Unlock()

	go func() {
		defer s.bg.Done()
		f()
	}()
}

// send queues a frame for writeLoop without blocking. Interim previews are
// dropped when the client falls behind.
func (s *mediaSession) send(v any) {
	s.outMu.Lock()
	if len(s.outQueue) >= maxQueuedFrames {
		if m, ok := v.(outboundMessage); ok && m.IsInterim {
			s.outMu.Unlock()
			s.log.Debug().Msg("outbound queue full, preview dropped")
			return
		}
	}
	s.outQueue = append(s.outQueue, v)
	s.outMu.Unlock()

	select {
	case s.outReady <- struct{}{}:
	default:
	}
}

// takeQueued empties the outbound queue.
func (s *mediaSession) takeQueued() []any {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	frames := s.outQueue
	s.outQueue = nil
	return frames
}

// writeLoop is the only writer of queued frames. It exits with the session.
func (s *mediaSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.outReady:
		}
		for frames := s.takeQueued(); len(frames) > 0; frames = s.takeQueued() {
			for _, f := range frames {
				s.writeJSON(f)
			}
		}
	}
}

func (s *mediaSession) writeJSON(v any) {
	if s.conn == nil {
		return
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		s.log.Debug().Err(err).Msg("write failed")
	}
}

// stop ends the session from outside the read loop.
func (s *mediaSession) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.closeConn()
	})
}

func (s *mediaSession) closeConn() {
	if s.conn == nil {
		return
	}
	s.connMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = s.conn.Close()
	s.connMu.Unlock()
}

func (s *mediaSession) cleanup() {
	s.stop()

	if s.sttClient != nil {
		if err := s.sttClient.Close(); err != nil {
			s.log.Debug().Err(err).Msg("stt close failed")
		}
		<-s.sttDone
	}
	if s.assembler != nil {
		s.assembler.Cleanup()
	}
	s.segments.Clear()

	s.bgMu.Lock()
	s.bgClosed = true
	s.bgMu.Unlock()

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*persistTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-waitCtx.Done():
		s.log.Warn().Msg("background writes still running at cleanup")
	}

	now := time.Now()
	usage := s.usage()
	c := costs.Calculate(usage)
	s.svc.Metrics.RecordSessionEnd()
	s.svc.EventLog.LogAsync(s.id, eventlog.EventSessionEnded, map[string]any{
		"duration_ms":          now.Sub(s.start).Milliseconds(),
		"history_len":          s.historyLen(),
		"audio_seconds":        c.AudioSeconds,
		"semantic_evaluations": usage.SemanticEvaluations,
		"cost_cents":           c.TotalCostCents,
	})
	if s.svc.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.svc.Store.EndSession(ctx, s.id, now); err != nil {
			s.log.Debug().Err(err).Msg("end session failed")
		}
	}

	s.log.Info().
		Float64("audioSeconds", c.AudioSeconds).
		Float64("sttCostCents", c.STTCostCents).
		Float64("semanticCostCents", c.SemanticCostCents).
		Msg("session cleaned up")
}

func (s *mediaSession) usage() costs.SessionUsage {
	return costs.SessionUsage{
		AudioBytes:          s.audioBytes.Load(),
		SampleRate:          s.cfg.STT.SampleRate,
		Channels:            s.cfg.STT.Channels,
		Encoding:            s.cfg.STT.Encoding,
		SemanticEvaluations: int(s.evaluations.Load()),
	}
}

func (s *mediaSession) historyLen() int {
	if s.assembler == nil {
		return 0
	}
	return s.assembler.History().Len()
}
