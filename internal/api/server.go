// Package api serves the assistant over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fernfax/foracle-v2-self-sub004/internal/audit"
	"github.com/fernfax/foracle-v2-self-sub004/internal/auth"
	"github.com/fernfax/foracle-v2-self-sub004/internal/buildinfo"
	"github.com/fernfax/foracle-v2-self-sub004/internal/chat"
	"github.com/fernfax/foracle-v2-self-sub004/internal/health"
	"github.com/fernfax/foracle-v2-self-sub004/internal/retrieval"
	"github.com/fernfax/foracle-v2-self-sub004/internal/vectorstore"
)

// maxBodyBytes bounds request bodies. Documents are the largest.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// DocumentIndex is the document side of retrieval.
type DocumentIndex interface {
	Ingest(ctx context.Context, corpus vectorstore.Corpus, ownerID string, doc retrieval.Document) (retrieval.IngestResult, error)
	DeleteDocument(ctx context.Context, corpus vectorstore.Corpus, ownerID, docID string) (int, error)
	ListDocuments(ctx context.Context, corpus vectorstore.Corpus, ownerID string) ([]vectorstore.DocumentInfo, error)
}

// Option configures a Server.
type Option func(*Server)

// WithDocuments enables the document endpoints.
func WithDocuments(idx DocumentIndex) Option {
	return func(s *Server) { s.docs = idx }
}

// WithAuditLog enables the audit endpoint.
func WithAuditLog(log audit.Log) Option {
	return func(s *Server) { s.audit = log }
}

// WithHealth reports dependency status on /health.
func WithHealth(m *health.Monitor) Option {
	return func(s *Server) { s.health = m }
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	chat     *chat.Service
	resolver auth.Resolver
	docs     DocumentIndex
	audit    audit.Log
	health   *health.Monitor
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, svc *chat.Service, resolver auth.Resolver, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address:  address,
		port:     port,
		chat:     svc,
		resolver: resolver,
		logger:   logger.With("component", "api"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed handler with logging and identity
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)

	mux.HandleFunc("GET /api/threads", s.handleThreadsGet)
	mux.HandleFunc("DELETE /api/threads", s.handleThreadDelete)
	mux.HandleFunc("PATCH /api/threads", s.handleThreadRename)

	mux.HandleFunc("GET /api/quota", s.handleQuota)

	mux.HandleFunc("GET /api/documents", s.handleDocumentList)
	mux.HandleFunc("POST /api/documents", s.handleDocumentIngest)
	mux.HandleFunc("DELETE /api/documents", s.handleDocumentDelete)

	mux.HandleFunc("GET /api/audit", s.handleAudit)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(auth.Middleware(s.resolver, mux))
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // turns may run several provider calls
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"user_id", auth.UserFrom(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"}, s.logger)
		return
	}
	deps, ok := s.health.Report()
	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "dependencies": deps}, s.logger)
}

// statusFor maps a failure code to its HTTP status.
func statusFor(code chat.Code) int {
	switch code {
	case chat.CodeUnauthorized:
		return http.StatusUnauthorized
	case chat.CodeInvalidRequest:
		return http.StatusBadRequest
	case chat.CodeNotFound:
		return http.StatusNotFound
	case chat.CodeRateLimited:
		return http.StatusTooManyRequests
	case chat.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case chat.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the failure envelope shared by every endpoint.
type errorBody struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	ErrorCode chat.Code `json:"errorCode"`
}

func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	ce, ok := chat.AsError(err)
	if !ok {
		ce = &chat.Error{Code: chat.CodeProcessingError, Message: chat.UserMessage(err), Err: err}
	}
	if ce.Code == chat.CodeProcessingError && ce.Err != nil {
		s.logger.Error("request failed", "error", ce.Err)
	}
	writeJSON(w, statusFor(ce.Code), errorBody{Error: ce.Message, ErrorCode: ce.Code}, s.logger)
}

func invalid(message string) error {
	return &chat.Error{Code: chat.CodeInvalidRequest, Message: message}
}

func unauthorized() error {
	return &chat.Error{Code: chat.CodeUnauthorized, Message: "Please sign in to use the assistant."}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return invalid("Request body is too large.")
		}
		return invalid("Request body must be valid JSON.")
	}
	return nil
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFrom(r.Context())
	if userID == "" {
		s.errorResponse(w, unauthorized())
		return
	}
	if s.audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"records": []audit.Record{}}, s.logger)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.errorResponse(w, invalid("limit must be between 1 and 500."))
			return
		}
		limit = n
	}

	records, err := s.audit.List(r.Context(), audit.Filter{
		UserID:   userID,
		ToolName: r.URL.Query().Get("tool"),
		Limit:    limit,
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records}, s.logger)
}
