package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dharsanguruparan/capsulenote/internal/delivery"
	"github.com/dharsanguruparan/capsulenote/internal/encryption"
	"github.com/dharsanguruparan/capsulenote/internal/faults"
	"github.com/dharsanguruparan/capsulenote/internal/letters"
	"github.com/dharsanguruparan/capsulenote/internal/logging"
	"github.com/dharsanguruparan/capsulenote/internal/model"
	"github.com/dharsanguruparan/capsulenote/internal/webhook"
)

const (
	// UserHeader carries the authenticated user id, set by the fronting proxy.
	UserHeader = "X-User-ID"
	// SignatureHeader carries the webhook signature.
	SignatureHeader = "Stripe-Signature"

	maxBodyBytes = 1 << 20
)

// Letters is the letter API.
type Letters interface {
	Create(ctx context.Context, userID, title string, content encryption.LetterContent) (*model.Letter, error)
	Update(ctx context.Context, userID, letterID, title string, content encryption.LetterContent) (*model.Letter, error)
	Open(ctx context.Context, userID, letterID string) (*model.Letter, encryption.LetterContent, error)
}

// Deliveries is the delivery API.
type Deliveries interface {
	ScheduleDelivery(ctx context.Context, req delivery.Request) (string, error)
	Cancel(ctx context.Context, userID, deliveryID string) error
	Reschedule(ctx context.Context, userID, deliveryID string, deliverAt time.Time) error
	Get(ctx context.Context, userID, deliveryID string) (*model.Delivery, error)
	ListForLetter(ctx context.Context, userID, letterID string) ([]model.Delivery, error)
}

// Webhooks accepts signed provider events.
type Webhooks interface {
	Ingest(ctx context.Context, raw []byte, signatureHeader string) (string, error)
}

// Server exposes HTTP endpoints for letters, deliveries and provider webhooks.
type Server struct {
	addr       string
	letters    Letters
	deliveries Deliveries
	webhooks   Webhooks
	log        logging.Logger
	handler    http.Handler
	server     *http.Server
	once       sync.Once
}

// New constructs a Server.
func New(addr string, l Letters, d Deliveries, wh Webhooks, log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		addr:       addr,
		letters:    l,
		deliveries: d,
		webhooks:   wh,
		log:        log,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealth)
		mux.HandleFunc("/letters", s.handleLetters)
		mux.HandleFunc("/letters/", s.handleLetterRoute)
		mux.HandleFunc("/deliveries", s.handleDeliveries)
		mux.HandleFunc("/deliveries/", s.handleDeliveryRoute)
		mux.HandleFunc("/webhooks/billing", s.handleWebhook)
		s.handler = corsMiddleware(s.loggingMiddleware(mux))
	})
	return s.handler
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info(ctx, "api listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type letterRequest struct {
	Title    string          `json:"title"`
	BodyHTML string          `json:"bodyHtml"`
	BodyRich json.RawMessage `json:"bodyRich,omitempty"`
}

func (lr letterRequest) content() encryption.LetterContent {
	return encryption.LetterContent{BodyHTML: lr.BodyHTML, BodyRich: lr.BodyRich}
}

type letterResponse struct {
	*model.Letter
	BodyHTML string          `json:"bodyHtml,omitempty"`
	BodyRich json.RawMessage `json:"bodyRich,omitempty"`
}

func (s *Server) handleLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req letterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	l, err := s.letters.Create(r.Context(), userID, req.Title, req.content())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, letterResponse{Letter: l})
}

func (s *Server) handleLetterRoute(w http.ResponseWriter, r *http.Request) {
	id, sub, ok := splitPath(r.URL.Path, "/letters/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	switch {
	case sub == "" && r.Method == http.MethodGet:
		l, content, err := s.letters.Open(r.Context(), userID, id)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, letterResponse{Letter: l, BodyHTML: content.BodyHTML, BodyRich: content.BodyRich})
	case sub == "" && r.Method == http.MethodPut:
		var req letterRequest
		if !decodeBody(w, r, &req) {
			return
		}
		l, err := s.letters.Update(r.Context(), userID, id, req.Title, req.content())
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, letterResponse{Letter: l})
	case sub == "deliveries" && r.Method == http.MethodGet:
		list, err := s.deliveries.ListForLetter(r.Context(), userID, id)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if list == nil {
			list = []model.Delivery{}
		}
		respondJSON(w, http.StatusOK, list)
	case sub == "" || sub == "deliveries":
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

type deliveryRequest struct {
	LetterID  string             `json:"letterId"`
	Channel   model.Channel      `json:"channel"`
	DeliverAt time.Time          `json:"deliverAt"`
	Timezone  string             `json:"timezone"`
	Email     *model.EmailTarget `json:"email,omitempty"`
	Mail      *model.MailTarget  `json:"mail,omitempty"`
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req deliveryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.deliveries.ScheduleDelivery(r.Context(), delivery.Request{
		UserID:    userID,
		LetterID:  req.LetterID,
		Channel:   req.Channel,
		DeliverAt: req.DeliverAt,
		Timezone:  req.Timezone,
		Email:     req.Email,
		Mail:      req.Mail,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{
		"id":     id,
		"status": string(model.DeliveryScheduled),
	})
}

func (s *Server) handleDeliveryRoute(w http.ResponseWriter, r *http.Request) {
	id, sub, ok := splitPath(r.URL.Path, "/deliveries/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	switch sub {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		d, err := s.deliveries.Get(r.Context(), userID, id)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, d)
	case "cancel":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.deliveries.Cancel(r.Context(), userID, id); err != nil {
			s.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(model.DeliveryCanceled)})
	case "reschedule":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			DeliverAt time.Time `json:"deliverAt"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.deliveries.Reschedule(r.Context(), userID, id, req.DeliverAt); err != nil {
			s.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"id": id, "deliverAt": req.DeliverAt})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	id, err := s.webhooks.Ingest(r.Context(), raw, r.Header.Get(SignatureHeader))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"received": true, "id": id})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if userID == "" {
		respondJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + UserHeader})
		return "", false
	}
	return userID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid JSON body: %v", err)})
		return false
	}
	return true
}

// splitPath turns "/prefix/<id>[/<sub>]" into its parts.
func splitPath(path, prefix string) (id, sub string, ok bool) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, prefix), "/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		return "", "", false
	}
	if len(parts) == 2 {
		sub = parts[1]
	}
	return parts[0], sub, true
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondJSON(w, status, errorBody{Error: http.StatusText(status), Code: code})
		return
	}
	respondJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, delivery.ErrValidation), errors.Is(err, letters.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case errors.Is(err, webhook.ErrInvalidSignature), errors.Is(err, webhook.ErrMalformedEvent):
		return http.StatusBadRequest, "INVALID_WEBHOOK"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, model.ErrConflict), errors.Is(err, delivery.ErrNotScheduled):
		return http.StatusConflict, "CONFLICT"
	}
	var fe *faults.Error
	if errors.As(err, &fe) {
		switch {
		case fe.Kind == faults.KindConfiguration, fe.Kind == faults.KindDecryption:
			return http.StatusInternalServerError, string(fe.Kind)
		case fe.Retryable():
			return http.StatusServiceUnavailable, string(fe.Kind)
		default:
			return http.StatusUnprocessableEntity, string(fe.Kind)
		}
	}
	return http.StatusInternalServerError, ""
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,"+UserHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
