package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/voiceturn/internal/eventlog"
	"github.com/lukasbauer/voiceturn/internal/events"
	"github.com/lukasbauer/voiceturn/internal/httpapi"
	"github.com/lukasbauer/voiceturn/internal/llm"
	"github.com/lukasbauer/voiceturn/internal/logging"
	"github.com/lukasbauer/voiceturn/internal/metrics"
	"github.com/lukasbauer/voiceturn/internal/store"
)

type App struct {
	cfg       Config
	log       zerolog.Logger
	db        *pgxpool.Pool
	store     *store.Store
	eventLog  *eventlog.Logger
	publisher *events.Publisher
	detector  llm.Detector
	metrics   *metrics.Metrics
}

// New wires the shared services. Persistence is skipped when DATABASE_URL
// is empty.
func New(cfg Config) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     logging.WithComponent("app"),
		metrics: metrics.DefaultMetrics,
	}

	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st := store.New(db)
		if err := st.Ping(ctx); err != nil {
			db.Close()
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		a.store = st
	} else {
		a.log.Warn().Msg("DATABASE_URL not set, utterances and events are not persisted")
	}
	a.eventLog = eventlog.New(a.db)

	a.publisher = events.New(&cfg.Kafka, a.metrics)

	// Leave the interface nil when disabled so the assembler skips
	// semantic evaluation entirely.
	if cfg.Turn.Semantic.Enabled {
		a.detector = llm.NewEOTDetector(cfg.Turn.Semantic, a.metrics)
		a.log.Info().
			Str("provider", cfg.Turn.Semantic.Provider).
			Str("model", cfg.Turn.Semantic.Model).
			Float64("threshold", cfg.Turn.Semantic.ProbabilityThreshold).
			Msg("semantic turn detection enabled")
	}

	return a, nil
}

func (a *App) Router(sessions *httpapi.SessionRegistry) http.Handler {
	routerCfg := httpapi.RouterConfig{
		CORSOrigins:      a.cfg.CORSOrigins,
		STT:              a.cfg.STT,
		Turn:             a.cfg.Turn,
		DedupeWindow:     a.cfg.DedupeWindow,
		DedupeMaxEntries: a.cfg.DedupeMaxEntries,
		SegmentMaxAge:    a.cfg.SegmentMaxAge,
	}
	return httpapi.NewRouter(routerCfg, httpapi.Services{
		Store:     a.store,
		EventLog:  a.eventLog,
		Publisher: a.publisher,
		Detector:  a.detector,
		Metrics:   a.metrics,
	}, sessions)
}

// Close flushes async event writes and releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.eventLog.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.db != nil {
		a.db.Close()
	}
	return errors.Join(errs...)
}
