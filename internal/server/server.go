// Package server provides the HTTP front end of the B2 S/MIME service.
//
// Endpoints:
//   - GET  /health                  - Liveness probe (no auth)
//   - POST /encrypt                 - Envelope a message for one organisation
//   - POST /prepare-and-encrypt     - Compose and encrypt a full B2 interchange message
//   - GET  /certificates            - Inventory of the cached certificates
//   - GET  /metrics                 - Prometheus metrics (when enabled, no auth)
//
// All endpoints except /health and /metrics require the X-API-Key header.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Aikoze/b2-smime-service/internal/config"
	"github.com/Aikoze/b2-smime-service/internal/metrics"
	"github.com/Aikoze/b2-smime-service/pkg/b2"
	"github.com/Aikoze/b2-smime-service/pkg/certificate"
	"github.com/Aikoze/b2-smime-service/pkg/certstore"
	"github.com/Aikoze/b2-smime-service/pkg/organisme"
)

// Service identification reported by /health
const (
	ServiceName = "b2-smime-service"
	Version     = "1.0.0"
)

// TimestampLayout formats response timestamps in UTC with milliseconds
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// APIKeyHeader carries the shared secret of authenticated endpoints
const APIKeyHeader = "X-API-Key"

// Composer builds encrypted messages. *b2.Composer implements it.
type Composer interface {
	Direct(ctx context.Context, code string, body []byte) (*b2.Message, error)
	Compose(ctx context.Context, req b2.Request) (*b2.Message, error)
}

// Inventory lists cached certificates. *certstore.Store implements it.
type Inventory interface {
	Codes() []string
	Certificates() []certificate.Certificate
}

// Options holds the server collaborators
type Options struct {
	Composer  Composer
	Inventory Inventory

	// Metrics is optional. When set, message outcomes are recorded and the
	// registry is served if enabled in the configuration.
	Metrics *metrics.Metrics

	// Logger defaults to a no-op logger
	Logger *zerolog.Logger

	// Now defaults to time.Now
	Now func() time.Time
}

// Server is the HTTP front end
type Server struct {
	config    *config.Config
	composer  Composer
	inventory Inventory
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
	router    chi.Router
	httpSrv   *http.Server
}

// New creates a new server
func New(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Composer == nil {
		return nil, errors.New("server: composer is required")
	}
	if opts.Inventory == nil {
		return nil, errors.New("server: certificate inventory is required")
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		config:    cfg,
		composer:  opts.Composer,
		inventory: opts.Inventory,
		metrics:   opts.Metrics,
		logger:    logger.With().Str("component", "server").Logger(),
		now:       now,
	}

	if cfg.Server.APIKey == "" {
		s.logger.Warn().Msg("no API key configured, authenticated endpoints will reject every request")
	}

	s.router = s.routes()
	s.httpSrv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info().Str("addr", addr).Bool("tls", s.config.Server.TLS.Enabled).Msg("starting server")

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.httpSrv.ListenAndServeTLS(s.config.Server.TLS.CertFile, s.config.Server.TLS.KeyFile)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)

	if s.metrics != nil && s.config.Metrics.Metrics.Enabled {
		r.Method(http.MethodGet, s.config.Metrics.Metrics.Path, s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.withAPIKey)
		r.Post("/encrypt", s.handleEncrypt)
		r.Post("/prepare-and-encrypt", s.handlePrepareAndEncrypt)
		r.Get("/certificates", s.handleCertificates)
	})

	return r
}

// Middleware

func (s *Server) withAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.config.Server.APIKey)) != 1 {
			s.logger.Debug().Str("path", r.URL.Path).Msg("rejected request with invalid API key")
			s.jsonResponse(w, map[string]string{"error": "Unauthorized"}, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{
		"status":    "ok",
		"service":   ServiceName,
		"version":   Version,
		"timestamp": s.timestamp(),
	}, http.StatusOK)
}

type encryptRequest struct {
	Message   string `json:"message"`
	Organisme string `json:"organisme"`
}

type encryptResponse struct {
	Success   bool   `json:"success"`
	Organisme string `json:"organisme"`
	Encrypted bool   `json:"encrypted"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	var req encryptRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.Message == "" {
		s.jsonError(w, "Message requis", http.StatusBadRequest)
		return
	}
	if req.Organisme == "" {
		s.jsonError(w, "Code organisme requis", http.StatusBadRequest)
		return
	}
	if _, err := organisme.Parse(req.Organisme); err != nil {
		s.handleComposeError(w, r, req.Organisme, err, true)
		return
	}

	msg, err := s.composer.Direct(r.Context(), req.Organisme, []byte(req.Message))
	s.recordMessage("direct", err)
	if err != nil {
		s.handleComposeError(w, r, req.Organisme, err, true)
		return
	}

	s.jsonResponse(w, encryptResponse{
		Success:   true,
		Organisme: req.Organisme,
		Encrypted: true,
		Message:   msg.Text,
		Timestamp: s.timestamp(),
	}, http.StatusOK)
}

type prepareRequest struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Subject     string `json:"subject"`
	FileContent string `json:"fileContent"`
	FileName    string `json:"fileName"`
	Organisme   string `json:"organisme"`
	Boundary    string `json:"boundary"`
	MessageID   string `json:"messageId"`
}

type prepareResponse struct {
	Success     bool   `json:"success"`
	Organisme   string `json:"organisme"`
	Encrypted   bool   `json:"encrypted"`
	MessageID   string `json:"message_id"`
	MIMEMessage string `json:"mime_message"`
	Timestamp   string `json:"timestamp"`
}

func (s *Server) handlePrepareAndEncrypt(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if !s.decode(w, r, &req) {
		return
	}

	breq := b2.Request{
		From:        req.From,
		To:          req.To,
		Subject:     req.Subject,
		FileContent: req.FileContent,
		FileName:    req.FileName,
		Organisme:   req.Organisme,
		MessageID:   req.MessageID,
		Boundary:    req.Boundary,
	}
	if err := breq.Validate(); err != nil {
		s.handleComposeError(w, r, req.Organisme, err, false)
		return
	}
	if _, err := organisme.Parse(req.Organisme); err != nil {
		s.handleComposeError(w, r, req.Organisme, err, false)
		return
	}

	msg, err := s.composer.Compose(r.Context(), breq)
	s.recordMessage("full", err)
	if err != nil {
		s.handleComposeError(w, r, req.Organisme, err, false)
		return
	}

	s.jsonResponse(w, prepareResponse{
		Success:     true,
		Organisme:   req.Organisme,
		Encrypted:   true,
		MessageID:   msg.ID,
		MIMEMessage: msg.Text,
		Timestamp:   s.timestamp(),
	}, http.StatusOK)
}

type certificateEntry struct {
	Organisme string `json:"organisme"`
	Subject   string `json:"subject,omitempty"`
	Issuer    string `json:"issuer,omitempty"`
	ValidFrom string `json:"validFrom,omitempty"`
	ValidTo   string `json:"validTo,omitempty"`
	IsValid   *bool  `json:"isValid,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (s *Server) handleCertificates(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	certs := s.inventory.Certificates()
	entries := make([]certificateEntry, 0, len(certs))

	for _, cert := range certs {
		meta, err := cert.Metadata()
		if err != nil {
			entries = append(entries, certificateEntry{
				Organisme: cert.Code,
				Error:     "Certificat invalide",
				Message:   err.Error(),
			})
			continue
		}
		valid := meta.ValidAt(now)
		entries = append(entries, certificateEntry{
			Organisme: cert.Code,
			Subject:   orUnknown(meta.SubjectCN),
			Issuer:    orUnknown(meta.IssuerCN),
			ValidFrom: meta.NotBefore.UTC().Format(TimestampLayout),
			ValidTo:   meta.NotAfter.UTC().Format(TimestampLayout),
			IsValid:   &valid,
		})
	}

	s.jsonResponse(w, map[string]any{
		"total":        len(entries),
		"certificates": entries,
		"timestamp":    s.timestamp(),
	}, http.StatusOK)
}

// handleComposeError maps composition failures to responses. withCodes adds
// the cached organisation codes to certificate lookup failures.
func (s *Server) handleComposeError(w http.ResponseWriter, r *http.Request, code string, err error, withCodes bool) {
	log := s.logger.With().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("organisme", code).
		Logger()

	var (
		unavailable *certstore.UnavailableError
		invalid     *b2.InvalidParameterError
	)
	switch {
	case errors.Is(err, b2.ErrMissingParameter):
		s.jsonResponse(w, map[string]any{
			"error":    "Paramètres manquants",
			"required": b2.RequiredFields,
		}, http.StatusBadRequest)

	case errors.As(err, &invalid):
		s.jsonResponse(w, map[string]any{
			"error": "Paramètre invalide",
			"field": invalid.Field,
		}, http.StatusBadRequest)

	case errors.Is(err, organisme.ErrInvalidIdentifier):
		log.Debug().Err(err).Msg("invalid organisation code")
		s.jsonError(w, "Code organisme invalide", http.StatusBadRequest)

	case errors.As(err, &unavailable):
		log.Warn().Err(err).Msg("certificate unavailable")
		body := map[string]any{
			"error":       fmt.Sprintf("Certificat non trouvé pour l'organisme %s", code),
			"fetch_error": unavailable.Err.Error(),
		}
		if withCodes {
			body["available_organisms"] = s.inventory.Codes()
		}
		s.jsonResponse(w, body, http.StatusNotFound)

	default:
		log.Error().Err(err).Msg("message encryption failed")
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) recordMessage(mode string, err error) {
	if s.metrics != nil {
		s.metrics.RecordMessage(mode, err)
	}
}

// Helper methods

// decode reads a JSON body bounded by the configured size limit. It writes
// the error response and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		s.jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(TimestampLayout)
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	body := map[string]string{"error": message}
	if status >= http.StatusInternalServerError {
		body["timestamp"] = s.timestamp()
	}
	s.jsonResponse(w, body, status)
}

func orUnknown(v string) string {
	if v == "" {
		return "Unknown"
	}
	return v
}
