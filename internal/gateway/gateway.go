// Package gateway is the thin transport shell: health and metrics
// endpoints plus the websocket stream that bridges connections onto the
// event router. Query execution itself lives in the embedding service;
// the gateway only opens and closes subscriptions.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sentinelops/threatgraph/internal/domain"
	"github.com/sentinelops/threatgraph/internal/logging"
)

// Config contains gateway configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Gateway serves the HTTP surface.
type Gateway struct {
	config   Config
	events   domain.EventRouter
	admitter domain.Admitter
	server   *http.Server
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// New creates a gateway over the event router, gated by the admitter.
func New(config Config, events domain.EventRouter, admitter domain.Admitter) *Gateway {
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}

	return &Gateway{
		config:   config,
		events:   events,
		admitter: admitter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logging.Component("gateway"),
	}
}

// Handler builds the router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.HTTPMiddleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/stream", g.handleStream)

	return r
}

// Start runs the HTTP server until the context is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:         g.config.Addr,
		Handler:      g.Handler(),
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
		IdleTimeout:  g.config.IdleTimeout,
	}

	g.logger.Info().Str("addr", g.config.Addr).Msg("Starting gateway")

	errCh := make(chan error, 1)
	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown drains the HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info().Msg("Shutting down gateway")
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

// authFromRequest extracts the caller identity. The embedding service
// terminates real authentication upstream and forwards identity headers.
func authFromRequest(r *http.Request) *domain.AuthContext {
	principal := r.Header.Get("X-Principal-ID")
	if principal == "" {
		return nil
	}
	auth := &domain.AuthContext{
		PrincipalID: principal,
		OrgID:       r.Header.Get("X-Org-ID"),
	}
	if roles := r.Header.Get("X-Roles"); roles != "" {
		auth.Roles = strings.Split(roles, ",")
	}
	return auth
}

// handleStream upgrades the connection and subscribes it to the requested
// topics. Events flow until the socket closes; then every subscription
// owned by the connection is torn down.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		http.Error(w, "missing topic parameter", http.StatusBadRequest)
		return
	}

	auth := authFromRequest(r)
	if err := g.admitter.Admit(r.Context(), auth, "subscription-open", nil); err != nil {
		var rle *domain.RateLimitedError
		if errors.As(err, &rle) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())))
		}
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	logger := g.logger.With().Str("conn_id", connID).Logger()
	logger.Debug().Strs("topics", topics).Msg("Stream opened")

	// Org-scoped visibility: events tagged with an org reach only that
	// org's subscribers.
	predicate := func(event *domain.ChangeEvent, subAuth *domain.AuthContext) bool {
		if event.OrgID == "" {
			return true
		}
		return subAuth != nil && subAuth.OrgID == event.OrgID
	}

	subs := make([]*domain.Subscription, 0, len(topics))
	for _, topic := range topics {
		subs = append(subs, g.events.Subscribe(topic, predicate, connID, auth))
	}

	done := make(chan struct{})

	// Reader: we expect no client frames, only close detection
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Writer: fan in every subscription owned by this connection
	merged := make(chan *domain.ChangeEvent, 16)
	for _, sub := range subs {
		go func(sub *domain.Subscription) {
			for event := range sub.Events {
				select {
				case merged <- event:
				case <-done:
					return
				}
			}
		}(sub)
	}

	for {
		select {
		case event := <-merged:
			conn.SetWriteDeadline(time.Now().Add(g.config.WriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug().Err(err).Msg("Stream write failed")
				g.closeStream(conn, connID)
				return
			}
		case <-done:
			g.closeStream(conn, connID)
			logger.Debug().Msg("Stream closed by client")
			return
		}
	}
}

func (g *Gateway) closeStream(conn *websocket.Conn, connID string) {
	g.events.CloseConnection(connID)
	conn.Close()
}
