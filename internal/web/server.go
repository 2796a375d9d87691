// Package web exposes the keeper over HTTP: order lookup, creation and
// cancellation, plus the lifecycle event stream as SSE and websocket.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/internal/storage/events"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

const (
	eventPollInterval = 2 * time.Second
	heartbeatInterval = 30 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsPongWait        = 60 * time.Second
	shutdownTimeout   = 5 * time.Second
)

type eventLog interface {
	EventsAfter(index uint64) ([]events.Record, error)
}

type eventHub interface {
	Subscribe() chan domain.OrderEvent
	Unsubscribe(ch chan domain.OrderEvent)
}

type orderStore interface {
	Create(ctx context.Context, order domain.DCAOrder) error
	Get(ctx context.Context, id string) (domain.DCAOrder, error)
}

// orderRouter knows which pairs are scheduled and cancels through the
// scheduler owning the order.
type orderRouter interface {
	Serves(pair domain.Pair) bool
	Cancel(ctx context.Context, id string) (domain.DCAOrder, error)
}

// Server serves the HTTP API. Any dependency may be nil, the matching
// endpoints then answer 503.
type Server struct {
	l          *zap.Logger
	addr       string
	events     eventLog
	hub        eventHub
	orders     orderStore
	schedulers orderRouter
	upgrader   websocket.Upgrader
	now        func() time.Time
}

// NewServer creates a server listening on addr.
func NewServer(l *zap.Logger, addr string, log eventLog, hub eventHub, orders orderStore, schedulers orderRouter) *Server {
	return &Server{
		l:          l,
		addr:       addr,
		events:     log,
		hub:        hub,
		orders:     orders,
		schedulers: schedulers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		now: time.Now,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", s.handleCreateOrder)
		r.Get("/{orderID}", s.handleGetOrder)
		r.Post("/{orderID}/cancel", s.handleCancelOrder)
	})

	r.Get("/events/stream", s.handleEventStream)
	r.Get("/ws", s.handleWebsocket)

	return r
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("http server listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with certificates obtained via ACME.
// An HTTP server on port 80 answers the HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if len(domains) == 0 {
		return errors.New("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.l.Warn("acme server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil {
			s.l.Warn("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("acme server failed", zap.Error(err))
		}
	}()

	s.l.Info("https server listening", zap.String("addr", s.addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type createOrderRequest struct {
	OwnerID          string                  `json:"owner_id"`
	Direction        domain.Direction        `json:"direction"`
	FromToken        string                  `json:"from_token"`
	ToToken          string                  `json:"to_token"`
	FromAmount       string                  `json:"from_amount"`
	TriggerPrice     string                  `json:"trigger_price"`
	TriggerCondition domain.TriggerCondition `json:"trigger_condition"`
	MaxSlippageBps   int                     `json:"max_slippage_bps"`
	MaxRetries       int                     `json:"max_retries"`
	ExpiresAt        *time.Time              `json:"expires_at,omitempty"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil || s.schedulers == nil {
		writeError(w, http.StatusServiceUnavailable, "order store not available")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	params := domain.NewOrderParams{
		OwnerID:          req.OwnerID,
		Direction:        domain.Direction(strings.ToLower(string(req.Direction))),
		FromToken:        req.FromToken,
		ToToken:          req.ToToken,
		TriggerCondition: domain.TriggerCondition(strings.ToLower(string(req.TriggerCondition))),
		MaxSlippageBps:   req.MaxSlippageBps,
		MaxRetries:       req.MaxRetries,
		ExpiresAt:        req.ExpiresAt,
	}
	var err error
	if params.FromAmount, err = parseDecimal(req.FromAmount); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from_amount")
		return
	}
	if params.TriggerPrice, err = parseDecimal(req.TriggerPrice); err != nil {
		writeError(w, http.StatusBadRequest, "invalid trigger_price")
		return
	}

	order, err := domain.NewDCAOrder(params, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// nothing would ever trigger or expire it
	if !s.schedulers.Serves(order.Pair()) {
		writeError(w, http.StatusUnprocessableEntity, "pair "+order.Pair().String()+" is not scheduled")
		return
	}
	if err := s.orders.Create(r.Context(), order); err != nil {
		s.writeStoreError(w, err, "create order failed")
		return
	}

	s.l.Info("order created", zap.String("order_id", order.ID), zap.String("pair", order.Pair().String()))
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		writeError(w, http.StatusServiceUnavailable, "order store not available")
		return
	}

	order, err := s.orders.Get(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		s.writeStoreError(w, err, "get order failed")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if s.schedulers == nil {
		writeError(w, http.StatusServiceUnavailable, "cancellation not available")
		return
	}

	order, err := s.schedulers.Cancel(r.Context(), chi.URLParam(r, "orderID"))
	switch {
	case errors.Is(err, domain.ErrCancelDeferred):
		writeJSON(w, http.StatusAccepted, order)
	case err != nil:
		s.writeStoreError(w, err, "cancel order failed")
	default:
		writeJSON(w, http.StatusOK, order)
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		s.l.Error(msg, zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, msg)
	default:
		s.l.Error(msg, zap.Error(err))
		writeError(w, http.StatusInternalServerError, msg)
	}
}

// handleEventStream replays the event log after ?after= (or Last-Event-ID)
// and then follows it. Every SSE message carries its log index as id, so a
// reconnecting EventSource resumes where it stopped.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event log not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	lastIndex, err := resumeIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event index")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(eventPollInterval)
	defer pollTicker.Stop()

	sendEvents := func() error {
		records, err := s.events.EventsAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, record := range records {
			payload, err := json.Marshal(record.Event)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", record.Index)
			fmt.Fprintf(w, "event: %s\n", record.Event.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			lastIndex = record.Index
		}
		if len(records) > 0 {
			flusher.Flush()
		}
		return nil
	}

	if err := sendEvents(); err != nil {
		s.l.Error("event stream initial load", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	// headers go out even when there is nothing to replay
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendEvents(); err != nil {
				s.l.Warn("event stream poll", zap.Error(err))
			}
		}
	}
}

// handleWebsocket pushes live events as JSON text frames. There is no
// replay; clients that need one use the SSE stream.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event hub not available")
		return
	}

	// subscribe before the handshake completes so nothing published after
	// the client sees the upgrade is missed
	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.l.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPongWait * 9 / 10)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				s.l.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func resumeIndex(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, errors.New("empty")
	}
	return decimal.NewFromString(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
