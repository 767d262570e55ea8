// Package api exposes the voice turn pipeline and the session over HTTP.
//
// Routes:
//
//	POST /chat               multipart field "audio"; runs one turn
//	GET  /audio/{filename}   serves a synthesized reply
//	GET  /analytics          session analytics ({} before the first turn)
//	GET  /export?format=     json (default) or csv export of the session log;
//	     &session_id=        exports an archived session instead
//	POST /reset              archives and resets the session
//	GET  /healthz, /readyz   liveness and readiness
//	GET  /metrics            Prometheus exposition
//
// Errors are JSON objects of the form {"error": message, "code": kind}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/murmur/internal/archive"
	"github.com/MrWong99/murmur/internal/asset"
	"github.com/MrWong99/murmur/internal/health"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/pipeline"
	"github.com/MrWong99/murmur/internal/session"
)

// DefaultMaxUploadBytes caps the size of a /chat request body.
const DefaultMaxUploadBytes = 32 << 20

// Error codes that are not turn error kinds.
const (
	codeNotFound         = "not_found"
	codeInvalidFormat    = "invalid_format"
	codeInvalidSessionID = "invalid_session_id"
)

// Turner runs one voice turn for an uploaded recording.
type Turner interface {
	RunTurn(ctx context.Context, sess *session.Session, data []byte) (*pipeline.Result, error)
}

// Resetter archives the session, resets it, and clears transient assets. It
// returns the new session id.
type Resetter interface {
	ResetSession(ctx context.Context) (string, error)
}

// Loader reads archived session documents. [archive.Store] satisfies it.
type Loader interface {
	Load(ctx context.Context, sessionID string) ([]byte, error)
}

// Config wires a [Server].
type Config struct {
	Pipeline Turner
	Session  *session.Session
	Assets   *asset.Manager
	Reset    Resetter

	// Archive serves /export for sessions other than the active one. Without
	// it only the active session can be exported.
	Archive Loader

	// Health serves /healthz and /readyz. Default: no readiness checks.
	Health *health.Handler

	// Metrics instruments every request. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Default: [promhttp.Handler].
	MetricsHandler http.Handler

	// MaxUploadBytes caps the /chat body. Default: [DefaultMaxUploadBytes].
	MaxUploadBytes int64
}

// Server is the HTTP front end of the single active session.
type Server struct {
	cfg Config
}

// New returns a [Server] for cfg.
func New(cfg Config) *Server {
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Server{cfg: cfg}
}

// Router builds the chi router for all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.cfg.Metrics))

	s.cfg.Health.Register(r)
	r.Method(http.MethodGet, "/metrics", s.cfg.MetricsHandler)

	r.Post("/chat", s.handleChat)
	r.Get("/audio/{filename}", s.handleAudio)
	r.Get("/analytics", s.handleAnalytics)
	r.Get("/export", s.handleExport)
	r.Post("/reset", s.handleReset)
	return r
}

type chatResponse struct {
	UserText  string            `json:"user_text"`
	ReplyText string            `json:"reply_text"`
	AudioURL  string            `json:"audio_url"`
	AudioRef  string            `json:"audio_ref"`
	Analytics session.Analytics `json:"analytics"`
}

type resetResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, _, err := r.FormFile("audio")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, pipeline.KindMalformedUpload,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		respondError(w, http.StatusBadRequest, pipeline.KindMalformedUpload, `missing multipart field "audio"`)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondTurnError(w, fmt.Errorf("%w: %w", pipeline.ErrAudioRead, err))
		return
	}

	res, err := s.cfg.Pipeline.RunTurn(r.Context(), s.cfg.Session, data)
	if err != nil {
		respondTurnError(w, err)
		return
	}

	var audioURL string
	if res.AudioRef != "" {
		audioURL = "/audio/" + res.AudioRef
	}
	respondJSON(w, http.StatusOK, chatResponse{
		UserText:  res.UserText,
		ReplyText: res.ReplyText,
		AudioURL:  audioURL,
		AudioRef:  res.AudioRef,
		Analytics: res.Analytics,
	})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	f, err := s.cfg.Assets.OpenReply(name)
	if err != nil {
		if errors.Is(err, asset.ErrNotFound) || errors.Is(err, asset.ErrInvalidName) {
			respondError(w, http.StatusNotFound, codeNotFound, "audio not found")
			return
		}
		respondError(w, http.StatusInternalServerError, pipeline.KindInternal, err.Error())
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, pipeline.KindInternal, err.Error())
		return
	}
	mt, err := mimetype.DetectReader(f)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, pipeline.KindInternal, err.Error())
		return
	}
	w.Header().Set("Content-Type", mt.String())
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.cfg.Session.Analytics())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	var contentType string
	switch format {
	case "json":
		contentType = "application/json"
	case "csv":
		contentType = "text/csv; charset=utf-8"
	default:
		respondError(w, http.StatusBadRequest, codeInvalidFormat,
			fmt.Sprintf("unsupported export format %q (want json or csv)", format))
		return
	}

	id := r.URL.Query().Get("session_id")
	if id != "" && !session.ValidID(id) {
		respondError(w, http.StatusBadRequest, codeInvalidSessionID, fmt.Sprintf("invalid session id %q", id))
		return
	}

	data, id, err := s.exportLive(format, id)
	if errors.Is(err, errNotLive) {
		data, err = s.exportArchived(r.Context(), format, id)
	}
	switch {
	case errors.Is(err, archive.ErrNotFound):
		respondError(w, http.StatusNotFound, codeNotFound, fmt.Sprintf("session %s not found", id))
		return
	case err != nil:
		observe.Logger(r.Context()).Error("export failed", "format", format, "session_id", id, "err", err)
		respondError(w, http.StatusInternalServerError, pipeline.KindInternal, err.Error())
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="session_%s.%s"`, id, format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// errNotLive reports that the requested session is not the active one.
var errNotLive = errors.New("api: session is not active")

// exportLive exports the active session when id is empty or names it, and
// returns the exported id. Any other id yields errNotLive.
func (s *Server) exportLive(format, id string) ([]byte, string, error) {
	var data []byte
	err := s.cfg.Session.WithLock(func(_ *session.Conversation, log *session.Log) error {
		if id != "" && id != log.ID() {
			return errNotLive
		}
		id = log.ID()
		var err error
		if format == "csv" {
			data, err = log.ExportCSV()
		} else {
			data, err = log.ExportJSON()
		}
		return err
	})
	return data, id, err
}

// exportArchived loads an archived session. JSON is served as stored; CSV is
// derived from the stored document.
func (s *Server) exportArchived(ctx context.Context, format, id string) ([]byte, error) {
	if s.cfg.Archive == nil {
		return nil, archive.ErrNotFound
	}
	data, err := s.cfg.Archive.Load(ctx, id)
	if err != nil || format == "json" {
		return data, err
	}
	doc, err := session.ParseJSON(data)
	if err != nil {
		return nil, err
	}
	return doc.CSV()
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id, err := s.cfg.Reset.ResetSession(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Error("session reset failed", "err", err)
		respondError(w, http.StatusInternalServerError, pipeline.KindInternal, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resetResponse{Status: "reset", SessionID: id})
}

// statusForKind maps a turn error kind to its HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case pipeline.KindTranscriptionEmpty:
		return http.StatusUnprocessableEntity
	case pipeline.KindBackendUnavailable:
		return http.StatusBadGateway
	case pipeline.KindMalformedUpload:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondTurnError(w http.ResponseWriter, err error) {
	kind := pipeline.Kind(err)
	respondError(w, statusForKind(kind), kind, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
