package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Only-tech/agglo-transcribe/internal/audio"
	"github.com/Only-tech/agglo-transcribe/internal/config"
	"github.com/Only-tech/agglo-transcribe/internal/metrics"
	"github.com/Only-tech/agglo-transcribe/internal/session"
	"github.com/Only-tech/agglo-transcribe/internal/transcript"
	"github.com/Only-tech/agglo-transcribe/internal/transcription"
)

const serviceVersion = "1.0.0"

// Options carries the pluggable collaborators of the HTTP server
type Options struct {
	Identity   IdentityResolver     // defaults to HeaderIdentity
	Membership MembershipChecker    // defaults to AllowAll
	Feed       transcript.Publisher // nil disables /entries/ws
	Gatherer   prometheus.Gatherer  // defaults to prometheus.DefaultGatherer
}

// HTTPServer exposes the transcript API, the push feed and monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	router   *mux.Router
	logger   *slog.Logger
	config   *config.Config
	pipeline *Pipeline
	store    transcript.Store
	sessions *session.Manager
	metrics  *metrics.Metrics

	identity   IdentityResolver
	membership MembershipChecker
	feed       transcript.Publisher
	gatherer   prometheus.Gatherer
	upgrader   websocket.Upgrader
	exportLoc  *time.Location

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, pipeline *Pipeline,
	store transcript.Store, sessions *session.Manager, m *metrics.Metrics, opts Options) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     cfg,
		pipeline:   pipeline,
		store:      store,
		sessions:   sessions,
		metrics:    m,
		identity:   opts.Identity,
		membership: opts.Membership,
		feed:       opts.Feed,
		gatherer:   opts.Gatherer,
		startTime:  time.Now(),
	}
	if h.identity == nil {
		h.identity = HeaderIdentity{}
	}
	if h.membership == nil {
		h.membership = AllowAll{}
	}
	if h.gatherer == nil {
		h.gatherer = prometheus.DefaultGatherer
	}

	loc, err := cfg.Store.GetExportLocation()
	if err != nil {
		loc = time.Local
	}
	h.exportLoc = loc

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.HTTP.AllowedOrigins),
	}

	h.router = mux.NewRouter()
	h.setupRoutes(h.router)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
		Handler:     h.router,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	return h
}

// originChecker returns nil for the upgrader's same-host default
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		return set["*"] || set[r.Header.Get("Origin")]
	}
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(r *mux.Router) {
	// Audio ingest
	r.HandleFunc("/chunk", h.withMetrics("/chunk", h.handleChunk)).Methods(http.MethodPost)
	r.HandleFunc("/file", h.withMetrics("/file", h.handleFile)).Methods(http.MethodPost)

	// Transcript log
	r.HandleFunc("/entries", h.withMetrics("/entries", h.handleListEntries)).Methods(http.MethodGet)
	r.HandleFunc("/entries/ws", h.withMetrics("/entries/ws", h.handleEntriesWS)).Methods(http.MethodGet)
	r.HandleFunc("/entries/export", h.withMetrics("/entries/export", h.handleExport)).Methods(http.MethodGet)
	r.HandleFunc("/entries/{id}", h.withMetrics("/entries/{id}", h.handleEditEntry)).Methods(http.MethodPut)

	// Chunk session monitoring
	r.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions)).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail)).Methods(http.MethodGet)

	r.HandleFunc("/health", h.withMetrics("/health", h.handleHealth)).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats)).Methods(http.MethodGet)

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// authorize resolves the caller and checks meeting membership, writing the
// error response itself when the request cannot proceed
func (h *HTTPServer) authorize(w http.ResponseWriter, r *http.Request, meetingID string) (Identity, bool) {
	identity, err := h.identity.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return Identity{}, false
	}

	if meetingID != "" && !h.checkMember(w, r, meetingID, identity.UserID) {
		return Identity{}, false
	}

	return identity, true
}

// checkMember writes 403 or 500 and returns false unless userID belongs to
// the meeting
func (h *HTTPServer) checkMember(w http.ResponseWriter, r *http.Request, meetingID, userID string) bool {
	member, err := h.membership.IsMember(r.Context(), meetingID, userID)
	if err != nil {
		h.logger.Error("Membership check failed",
			slog.String("meeting_id", meetingID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return false
	}
	if !member {
		writeError(w, http.StatusForbidden, "Forbidden")
		return false
	}
	return true
}

// handleChunk implements POST /chunk
func (h *HTTPServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	h.handleUpload(w, r, "chunk", true)
}

// handleFile implements POST /file
func (h *HTTPServer) handleFile(w http.ResponseWriter, r *http.Request) {
	h.handleUpload(w, r, "file", false)
}

func (h *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, kind string, needSession bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.HTTP.GetMaxUploadBytes())
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	meetingID := r.FormValue("meetingId")
	sessionID := r.FormValue("sessionId")
	file, header, err := r.FormFile("audio")
	if err != nil || meetingID == "" || (needSession && sessionID == "") {
		writeError(w, http.StatusBadRequest, "Missing data")
		return
	}
	defer file.Close()

	identity, ok := h.authorize(w, r, meetingID)
	if !ok {
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read audio")
		return
	}

	result, err := h.pipeline.Ingest(r.Context(), IngestRequest{
		Kind:       kind,
		MeetingID:  meetingID,
		AuthorID:   identity.UserID,
		AuthorName: identity.UserName,
		SessionID:  sessionID,
		Audio: audio.Input{
			Data:     data,
			MimeType: header.Header.Get("Content-Type"),
			Filename: header.Filename,
		},
	})
	if err != nil {
		status, message := ingestStatus(err)
		writeError(w, status, message)
		return
	}

	if result.Entry == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"transcription": nil})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":   result.Entry.ID,
		"text": result.Entry.Text,
	})
}

// ingestStatus maps pipeline errors to HTTP responses
func ingestStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrOwnerMismatch):
		return http.StatusForbidden, "Session belongs to another participant"
	case errors.Is(err, transcript.ErrInvalidInput):
		return http.StatusBadRequest, "Missing data"
	case errors.Is(err, transcription.ErrEngineUnavailable),
		errors.Is(err, audio.ErrConverterUnavailable):
		return http.StatusServiceUnavailable, "Transcription engine unavailable"
	case errors.Is(err, transcription.ErrEngineError):
		return http.StatusBadGateway, "Transcription engine error"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// handleListEntries implements GET /entries
func (h *HTTPServer) handleListEntries(w http.ResponseWriter, r *http.Request) {
	meetingID := r.URL.Query().Get("meetingId")
	if meetingID == "" {
		writeError(w, http.StatusBadRequest, "meetingId is required")
		return
	}

	if _, ok := h.authorize(w, r, meetingID); !ok {
		return
	}

	entries, err := h.store.ListOrdered(r.Context(), meetingID)
	if err != nil {
		h.logger.Error("Failed to list entries",
			slog.String("meeting_id", meetingID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// handleEditEntry implements PUT /entries/{id}
func (h *HTTPServer) handleEditEntry(w http.ResponseWriter, r *http.Request) {
	entryID := mux.Vars(r)["id"]

	identity, ok := h.authorize(w, r, "")
	if !ok {
		return
	}

	var body struct {
		NewText *string `json:"newText"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NewText == nil {
		writeError(w, http.StatusBadRequest, "newText is required")
		return
	}

	entry, err := h.store.Edit(r.Context(), entryID, identity.UserID, *body.NewText)
	switch {
	case err == nil:
	case errors.Is(err, transcript.ErrForbidden):
		h.metrics.RecordEditRejected("forbidden")
		writeError(w, http.StatusForbidden, "Only the author can edit this entry")
		return
	case errors.Is(err, transcript.ErrNotFound):
		h.metrics.RecordEditRejected("not_found")
		writeError(w, http.StatusNotFound, "Entry not found")
		return
	case errors.Is(err, transcript.ErrInvalidInput):
		h.metrics.RecordEditRejected("invalid")
		writeError(w, http.StatusBadRequest, "newText cannot be empty")
		return
	default:
		h.logger.Error("Failed to edit entry",
			slog.String("entry_id", entryID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.metrics.RecordEntryEdited()
	writeJSON(w, http.StatusOK, map[string]interface{}{"entry": entry})
}

// handleExport implements GET /entries/export
func (h *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	meetingID := query.Get("meetingId")
	if meetingID == "" {
		writeError(w, http.StatusBadRequest, "meetingId is required")
		return
	}

	if _, ok := h.authorize(w, r, meetingID); !ok {
		return
	}

	entries, err := h.store.ListOrdered(r.Context(), meetingID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	includeNames := query.Get("names") != "false"
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "transcript-"+meetingID+".txt"))
	io.WriteString(w, transcript.FormatText(entries, includeNames, h.exportLoc))
}

// handleSessions implements GET /sessions
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	meetingID := r.URL.Query().Get("meetingId")
	if meetingID == "" {
		writeError(w, http.StatusBadRequest, "meetingId is required")
		return
	}

	if _, ok := h.authorize(w, r, meetingID); !ok {
		return
	}

	sessions := h.sessions.GetAllSessions(meetingID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements GET /sessions/{id}
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authorize(w, r, "")
	if !ok {
		return
	}

	s, exists := h.sessions.GetSession(mux.Vars(r)["id"])
	if !exists {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	info := s.GetSessionInfo()
	if !h.checkMember(w, r, info.MeetingID, identity.UserID) {
		return
	}

	writeJSON(w, http.StatusOK, info)
}

type storeStatsProvider interface {
	GetStats() transcript.StoreStats
}

// handleHealth implements GET /health
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{
		"sessions": map[string]interface{}{
			"status":          "running",
			"active_sessions": h.sessions.GetActiveSessionCount(),
		},
		"transcription": map[string]interface{}{
			"status":  "running",
			"backend": h.config.Transcription.Backend,
		},
	}
	if sp, ok := h.store.(storeStatsProvider); ok {
		stats := sp.GetStats()
		components["store"] = map[string]interface{}{
			"status":   "running",
			"meetings": stats.Meetings,
			"entries":  stats.Entries,
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "agglo-transcribe",
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleStats implements GET /stats
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"ingest":    h.pipeline.GetStats(),
		"sessions": map[string]interface{}{
			"active_count": h.sessions.GetActiveSessionCount(),
		},
	}
	if engine := h.pipeline.EngineStats(); engine != nil {
		stats["transcription"] = engine
	}
	if sp, ok := h.store.(storeStatsProvider); ok {
		stats["store"] = sp.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}
