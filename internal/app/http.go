package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SilentHawker/AML-platform/internal/logger"
	"github.com/SilentHawker/AML-platform/internal/rbac"
)

const (
	roleHeader  = "X-Review-Role"
	actorHeader = "X-Actor"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *logger.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		log:        service.Logger().Component("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.service.Metrics().Handler())

	r.Post("/api/diff", s.handleDiff)

	r.Route("/api/policies", func(r chi.Router) {
		r.With(s.require(rbac.ActionCreate)).Post("/", s.handleCreatePolicy)

		r.Route("/{policyID}", func(r chi.Router) {
			r.With(s.require(rbac.ActionView)).Get("/", s.handleGetPolicy)
			r.With(s.require(rbac.ActionCreate)).Post("/reviews", s.handleStartReview)
			r.With(s.require(rbac.ActionDiscard)).Delete("/review", s.handleDiscardReview)
			r.With(s.require(rbac.ActionView)).Get("/changes", s.handleListChanges)
			r.With(s.require(rbac.ActionTransition)).Post("/changes/{changeID}/{action}", s.handleTransition)
			r.With(s.require(rbac.ActionPreview)).Get("/preview", s.handlePreview)
			r.With(s.require(rbac.ActionFinalize)).Post("/finalize", s.handleFinalize)
			r.With(s.require(rbac.ActionView)).Get("/versions", s.handleHistory)
			r.With(s.require(rbac.ActionView)).Get("/compare", s.handleCompare)
			r.With(s.require(rbac.ActionView)).Get("/archive", s.handleArchive)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleDiff(w http.ResponseWriter, r *http.Request) {
	var body DiffInput
	if !s.readBody(w, r, &body) {
		return
	}
	out, err := s.service.Diff(r.Context(), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var body CreatePolicyInput
	if !s.readBody(w, r, &body) {
		return
	}
	body.Actor = actor(r)
	view, err := s.service.CreatePolicy(r.Context(), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *HTTPServer) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetPolicy(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleStartReview(w http.ResponseWriter, r *http.Request) {
	var body StartReviewInput
	if !s.readBody(w, r, &body) {
		return
	}
	body.Actor = actor(r)
	opened, err := s.service.StartReview(r.Context(), chi.URLParam(r, "policyID"), body)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, opened)
}

func (s *HTTPServer) handleDiscardReview(w http.ResponseWriter, r *http.Request) {
	dropped, err := s.service.DiscardReview(r.Context(), chi.URLParam(r, "policyID"), actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discarded": dropped.ID})
}

func (s *HTTPServer) handleListChanges(w http.ResponseWriter, r *http.Request) {
	changes, counts, err := s.service.ListChanges(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes, "counts": counts})
}

func (s *HTTPServer) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if !s.readBody(w, r, &body) {
		return
	}
	rec, err := s.service.Transition(
		r.Context(),
		chi.URLParam(r, "policyID"),
		chi.URLParam(r, "changeID"),
		chi.URLParam(r, "action"),
		body.Text,
		actor(r),
	)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *HTTPServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Preview(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleFinalize(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Finalize(r.Context(), chi.URLParam(r, "policyID"), actor(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := s.service.History(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *HTTPServer) handleCompare(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from, err := strconv.Atoi(query.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "from must be a version number", nil)
		return
	}
	to, err := strconv.Atoi(query.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "to must be a version number", nil)
		return
	}
	out, err := s.service.CompareVersions(r.Context(), chi.URLParam(r, "policyID"), from, to, query.Get("mode"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleArchive(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	items, err := s.service.ArchiveHistory(r.Context(), chi.URLParam(r, "policyID"), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// require rejects callers whose X-Review-Role may not perform action.
func (s *HTTPServer) require(action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := rbac.Normalize(r.Header.Get(roleHeader))
			if !rbac.Can(role, action) {
				s.forbid(w, r, role, action)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, role rbac.Role, action rbac.Action) {
	s.log.Warn().
		Str("request_id", requestID(r.Context())).
		Str("role", string(role)).
		Str("action", string(action)).
		Str("path", r.URL.Path).
		Msg("permission denied")
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().
			Err(err).
			Str("request_id", requestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", reqID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		elapsed := time.Since(started)
		s.log.LogRequest(reqID, r.Method, r.URL.Path, writer.status, elapsed)
		s.service.Metrics().RecordHTTPRequest(r.Method, writer.status, elapsed)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Review-Role, X-Actor")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func actor(r *http.Request) string {
	if name := strings.TrimSpace(r.Header.Get(actorHeader)); name != "" {
		return name
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// readBody caps the request body at the configured size and writes the
// error response itself when decoding fails.
func (s *HTTPServer) readBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if limit := s.service.cfg.MaxBodyBytes; limit > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	err := decodeBody(r, target)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE",
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), nil)
		return false
	}
	writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
	return false
}

// decodeBody treats a missing or empty body as an empty object.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
