package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bcsync/internal/export"
	"bcsync/internal/models"
	"bcsync/internal/syncer"
	"bcsync/internal/webhook"
)

const (
	clientStateHeader = "x-client-state"
	defaultLogLimit   = 100
	streamKeepAlive   = 25 * time.Second
)

func (s *HTTPServer) handleBCWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, models.SourceBC)
}

func (s *HTTPServer) handlePremiumWebhook(w http.ResponseWriter, r *http.Request) {
	s.handleWebhook(w, r, models.SourcePremium)
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request, source string) {
	if s.deps.Ingestor == nil {
		writeError(w, http.StatusServiceUnavailable, "webhook ingestion disabled")
		return
	}

	// Subscription handshake: echo the token as plain text.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		s.deps.Ingestor.RecordHandshake(source)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	var res webhook.Result
	switch source {
	case models.SourceBC:
		res, err = s.deps.Ingestor.IngestBC(r.Context(), body)
	default:
		state := r.Header.Get(clientStateHeader)
		if state == "" {
			state = r.URL.Query().Get("code")
		}
		res, err = s.deps.Ingestor.IngestPremium(r.Context(), state, body)
	}

	switch {
	case errors.Is(err, webhook.ErrInvalidClientState):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, webhook.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error().Err(err).Str("source", source).Msg("webhook ingestion failed")
		writeError(w, http.StatusInternalServerError, "ingestion failed")
	default:
		writeJSON(w, http.StatusAccepted, res)
	}
}

type syncRequest struct {
	ProjectNo  string   `json:"projectNo"`
	ProjectNos []string `json:"projectNos"`
	Direction  string   `json:"direction"`
	Full       bool     `json:"full"`
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync engine not configured")
		return
	}

	var req syncRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	q := r.URL.Query()
	if req.ProjectNo == "" {
		req.ProjectNo = strings.TrimSpace(q.Get("projectNo"))
	}
	if req.Direction == "" {
		req.Direction = q.Get("direction")
	}
	if !req.Full {
		req.Full, _ = strconv.ParseBool(q.Get("full"))
	}
	if req.ProjectNo != "" {
		req.ProjectNos = append(req.ProjectNos, req.ProjectNo)
	}

	if len(req.ProjectNos) == 0 && !req.Full {
		res, err := s.deps.Syncer.RunSync(r.Context())
		if err != nil {
			s.logger.Error().Err(err).Msg("sync run failed")
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "result": res})
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	direction, err := parseDirection(req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var sum models.SyncSummary
	if req.Full {
		sum, err = s.deps.Syncer.RunFullSync(r.Context(), direction)
	} else {
		sum, err = s.deps.Syncer.SyncProjects(r.Context(), direction, req.ProjectNos)
	}
	switch {
	case errors.Is(err, syncer.ErrProjectNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error(), "summary": sum})
	case err != nil:
		s.logger.Error().Err(err).Str("direction", direction).Msg("project sync failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "summary": sum})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"direction": direction, "summary": sum})
	}
}

func parseDirection(raw string) (string, error) {
	switch strings.TrimSpace(raw) {
	case "", syncer.DirectionBCToPremium:
		return syncer.DirectionBCToPremium, nil
	case syncer.DirectionPremiumToBC:
		return syncer.DirectionPremiumToBC, nil
	}
	return "", fmt.Errorf("unknown direction %q", raw)
}

func (s *HTTPServer) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync engine not configured")
		return
	}
	d, err := s.deps.Syncer.Decide(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history not configured")
		return
	}
	rec := s.deps.Runs.Last(r.Context())
	if rec == nil {
		writeError(w, http.StatusNotFound, "no run recorded yet")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *HTTPServer) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Log == nil {
		writeError(w, http.StatusServiceUnavailable, "webhook log not configured")
		return
	}
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.deps.Log.Recent(limit)})
}

// handleLogStream pushes log entries as server-sent events until the client
// goes away.
func (s *HTTPServer) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Log == nil {
		writeError(w, http.StatusServiceUnavailable, "webhook log not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	entries, unsubscribe := s.deps.Log.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		case entry, ok := <-entries:
			if !ok {
				return
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", entry.ID, entry.Outcome, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, "project settings not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": s.deps.Settings.List(r.Context())})
}

type projectSettingRequest struct {
	Disabled *bool  `json:"disabled"`
	Note     string `json:"note"`
}

func (s *HTTPServer) handleProject(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		writeError(w, http.StatusServiceUnavailable, "project settings not configured")
		return
	}

	const prefix = "/api/v1/projects/"
	projectNo := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, prefix))
	if projectNo == "" || strings.Contains(projectNo, "/") {
		writeError(w, http.StatusBadRequest, "project number is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		setting, _ := s.deps.Settings.Get(r.Context(), projectNo)
		writeJSON(w, http.StatusOK, setting)
	case http.MethodPost, http.MethodPut:
		var req projectSettingRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Disabled == nil {
			writeError(w, http.StatusBadRequest, "disabled is required")
			return
		}
		setting, err := s.deps.Settings.SetProjectDisabled(r.Context(), projectNo, *req.Disabled, req.Note)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, setting)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleExport streams the audit workbook built from the live log and the
// persisted stores.
func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	audit := export.Audit{GeneratedAt: time.Now().UTC()}
	if s.deps.Runs != nil {
		audit.Run = s.deps.Runs.Last(r.Context())
	}
	if s.deps.Log != nil {
		audit.Log = s.deps.Log.Recent(0)
	}
	if s.deps.Settings != nil {
		audit.Settings = s.deps.Settings.List(r.Context())
	}
	if s.deps.Subscriptions != nil {
		audit.Subscriptions = s.deps.Subscriptions.List(r.Context())
	}

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(audit.GeneratedAt)))
	if err := export.WriteAuditWorkbook(w, audit); err != nil {
		s.logger.Error().Err(err).Msg("audit export failed")
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
