package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/voiceturn/internal/eventlog"
	"github.com/lukasbauer/voiceturn/internal/events"
	"github.com/lukasbauer/voiceturn/internal/llm"
	"github.com/lukasbauer/voiceturn/internal/logging"
	"github.com/lukasbauer/voiceturn/internal/metrics"
	"github.com/lukasbauer/voiceturn/internal/stt"
	"github.com/lukasbauer/voiceturn/internal/store"
	"github.com/lukasbauer/voiceturn/internal/turn"
)

// RouterConfig holds per-session settings shared by all connections.
type RouterConfig struct {
	CORSOrigins []string

	STT  stt.DeepgramConfig
	Turn turn.Config

	DedupeWindow     time.Duration
	DedupeMaxEntries int
	SegmentMaxAge    time.Duration
}

// STTDialer opens a streaming STT connection for one session.
type STTDialer func(ctx context.Context, cfg stt.DeepgramConfig) (stt.Client, error)

// DialDeepgram is the production STTDialer.
func DialDeepgram(ctx context.Context, cfg stt.DeepgramConfig) (stt.Client, error) {
	return stt.NewDeepgramClient(ctx, cfg)
}

// Services are the shared collaborators of every session. Nil fields
// disable the corresponding feature.
type Services struct {
	Store     *store.Store
	EventLog  *eventlog.Logger
	Publisher *events.Publisher
	Detector  llm.Detector
	Metrics   *metrics.Metrics
	DialSTT   STTDialer
}

type Router struct {
	cfg      RouterConfig
	svc      Services
	sessions *SessionRegistry
	log      zerolog.Logger
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, svc Services, sessions *SessionRegistry) http.Handler {
	if svc.DialSTT == nil {
		svc.DialSTT = DialDeepgram
	}
	if svc.Metrics == nil {
		svc.Metrics = metrics.DefaultMetrics
	}
	if svc.EventLog == nil {
		svc.EventLog = eventlog.New(nil)
	}
	if svc.Publisher == nil {
		svc.Publisher = events.New(nil, svc.Metrics)
	}
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	r := &Router{
		cfg:      cfg,
		svc:      svc,
		sessions: sessions,
		log:      logging.WithComponent("httpapi"),
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(cfg.CORSOrigins, r.mux))
}

func (r *Router) routes() {
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.mux.HandleFunc("GET /media", r.handleMediaWS)

	r.mux.HandleFunc("GET /sessions/{id}", r.handleGetSession)
	r.mux.HandleFunc("GET /sessions/{id}/utterances", r.handleListUtterances)
	r.mux.HandleFunc("GET /sessions/{id}/decisions", r.handleListDecisions)
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.sessions.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	if r.svc.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "persistence disabled"})
		return
	}
	sess, err := r.svc.Store.GetSession(req.Context(), req.PathValue("id"))
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		r.log.Error().Err(err).Str("sessionId", req.PathValue("id")).Msg("get session failed")
		captureError(req, err, "get session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"active":  r.sessions.IsActive(sess.ID),
	})
}

func (r *Router) handleListUtterances(w http.ResponseWriter, req *http.Request) {
	if r.svc.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "persistence disabled"})
		return
	}
	out, err := r.svc.Store.ListUtterances(req.Context(), req.PathValue("id"), queryLimit(req))
	if err != nil {
		r.log.Error().Err(err).Str("sessionId", req.PathValue("id")).Msg("list utterances failed")
		captureError(req, err, "list utterances")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"utterances": out})
}

func (r *Router) handleListDecisions(w http.ResponseWriter, req *http.Request) {
	if r.svc.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "persistence disabled"})
		return
	}
	out, err := r.svc.Store.ListTurnDecisions(req.Context(), req.PathValue("id"), queryLimit(req))
	if err != nil {
		r.log.Error().Err(err).Str("sessionId", req.PathValue("id")).Msg("list decisions failed")
		captureError(req, err, "list decisions")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": out})
}

func queryLimit(req *http.Request) int {
	n, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				log := logging.Logger()
				log.Error().Interface("panic", err).Str("path", req.URL.Path).Msg("recovered handler panic")
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// withCORS allows every origin when origins is empty.
func withCORS(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := "*"
		if len(allowed) > 0 {
			origin = ""
			if o := req.Header.Get("Origin"); o != "" {
				if _, ok := allowed[o]; ok {
					origin = o
					w.Header().Add("Vary", "Origin")
				}
			}
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		}
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// originAllowed is the websocket CheckOrigin counterpart of withCORS.
func originAllowed(origins []string, req *http.Request) bool {
	if len(origins) == 0 {
		return true
	}
	o := req.Header.Get("Origin")
	if o == "" {
		return true
	}
	for _, allowed := range origins {
		if allowed == o {
			return true
		}
	}
	return false
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

// captureSessionError sends a session-scoped error to Sentry.
func captureSessionError(sessionID string, err error, msg string) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("session_id", sessionID)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
