package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"bcsync/internal/config"
	"bcsync/internal/logging"
	"bcsync/internal/models"
	"bcsync/internal/repository"
	"bcsync/internal/syncer"
	"bcsync/internal/webhook"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Syncer is the reconciliation surface the operator endpoints trigger.
type Syncer interface {
	RunSync(ctx context.Context) (syncer.RunResult, error)
	Decide(ctx context.Context) (syncer.Decision, error)
	SyncProjects(ctx context.Context, direction string, projectNos []string) (models.SyncSummary, error)
	RunFullSync(ctx context.Context, direction string) (models.SyncSummary, error)
}

// Ingestor receives webhook deliveries.
type Ingestor interface {
	IngestBC(ctx context.Context, body []byte) (webhook.Result, error)
	IngestPremium(ctx context.Context, clientState string, body []byte) (webhook.Result, error)
	RecordHandshake(source string)
}

// LogFeed exposes the webhook activity log.
type LogFeed interface {
	Recent(n int) []models.LogEntry
	Subscribe() (<-chan models.LogEntry, func())
}

type ProjectSettings interface {
	SetProjectDisabled(ctx context.Context, projectNo string, disabled bool, note string) (models.ProjectSyncSetting, error)
	Get(ctx context.Context, projectNo string) (models.ProjectSyncSetting, bool)
	List(ctx context.Context) []models.ProjectSyncSetting
}

type RunHistory interface {
	Last(ctx context.Context) *repository.RunRecord
}

type Subscriptions interface {
	List(ctx context.Context) []models.Subscription
}

// Deps bundles the collaborators behind the HTTP surface. Nil members turn
// their routes into 503s.
type Deps struct {
	Syncer        Syncer
	Ingestor      Ingestor
	Log           LogFeed
	Settings      ProjectSettings
	Runs          RunHistory
	Subscriptions Subscriptions
}

// HTTPServer exposes webhook receivers and the operator API.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   Deps
	server *http.Server
	auth   *HTTPAuth
	logger *zerolog.Logger
}

const maxBodyBytes = 1 << 20

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, deps: deps, logger: logging.Component(logger, "api")}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("/webhooks/bc", srv.handleBCWebhook)
	mux.HandleFunc("/webhooks/premium", srv.handlePremiumWebhook)
	mux.HandleFunc("/api/v1/sync", srv.handleSync)
	mux.HandleFunc("/api/v1/decide", srv.handleDecide)
	mux.HandleFunc("/api/v1/status", srv.handleStatus)
	mux.HandleFunc("/api/v1/webhooks/log", srv.handleLog)
	mux.HandleFunc("/api/v1/webhooks/log/stream", srv.handleLogStream)
	mux.HandleFunc("/api/v1/projects", srv.handleProjects)
	mux.HandleFunc("/api/v1/projects/", srv.handleProject)
	mux.HandleFunc("/api/v1/export", srv.handleExport)
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

const requestIDHeader = "x-request-id"

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps the log stream working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
