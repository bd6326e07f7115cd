package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"

	"github.com/berstock227/demoE5/internal/coordinator"
	"github.com/berstock227/demoE5/internal/router"
	"github.com/berstock227/demoE5/internal/server/middleware"
	"github.com/berstock227/demoE5/internal/sweeper"
	"github.com/berstock227/demoE5/pkg/auth"
	"github.com/berstock227/demoE5/pkg/config"
	"github.com/berstock227/demoE5/pkg/metrics"
	"github.com/berstock227/demoE5/pkg/presence"
	"github.com/berstock227/demoE5/pkg/ratelimit"
	"github.com/berstock227/demoE5/pkg/registry"
	"github.com/berstock227/demoE5/pkg/store"
	"github.com/berstock227/demoE5/pkg/transport"
)

// App owns the full service graph: registry, presence, limiter,
// coordinator, sweeper, subscriber, and the http/websocket surface. It is
// constructed once per process and everything is injected from here; no
// ambient singletons.
type App struct {
	logger      *slog.Logger
	cfg         *config.Config
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	subscriber  *Subscriber
	sweeper     *sweeper.Sweeper
	router      *router.Router
	http        *http.Server
	wg          sync.WaitGroup
	ctx         context.Context

	localMu sync.RWMutex
	local   map[string]*transport.Connection
}

func NewApp(rootCtx context.Context, logger *slog.Logger, cfg *config.Config, st store.Store, messages coordinator.MessageStore) *App {
	clk := clock.New()

	reg := registry.New(cfg.Server.NodeID, st, clk, registry.Config{
		PersistTTL:          cfg.Registry.PersistTTL,
		InactivityThreshold: cfg.Registry.InactivityThreshold,
	}, logger)

	pres := presence.NewTracker(st, reg, clk, cfg.Presence.TTL, logger)

	lim := ratelimit.New(st, clk, policyFromConfig(cfg.RateLimit.Default), logger)
	for resource, pc := range cfg.RateLimit.Resources {
		lim.SetLimit(resource, policyFromConfig(pc))
	}

	verifier := auth.NewJWTVerifier(cfg.Server.Auth.JWTSecret)
	coord := coordinator.New(coordinator.Config{
		NodeID:        cfg.Server.NodeID,
		AutoJoinLimit: cfg.Server.AutoJoinLimit,
	}, reg, pres, lim, messages, verifier, clk, logger)

	app := &App{
		logger:      logger,
		cfg:         cfg,
		registry:    reg,
		coordinator: coord,
		sweeper:     sweeper.New(coord, clk, cfg.Sweep.Interval, logger),
		ctx:         rootCtx,
		local:       make(map[string]*transport.Connection),
	}
	app.subscriber = NewSubscriber(rootCtx, st, reg, app, logger)
	coord.SetInterest(app.subscriber)
	app.router = router.New(logger, coord, app)

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.Chain(
		http.HandlerFunc(app.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
		middleware.NewIdentityMiddleware(logger, verifier),
		middleware.NewConnectionLimiter(
			logger,
			func(r *http.Request, tenantID, userID string) int {
				return len(reg.GetUserConnections(r.Context(), tenantID, userID))
			},
			app.cycleConnection,
			cfg.Server.ConnectionLimit,
		),
	))
	mux.HandleFunc("/healthz", app.healthHandler)
	mux.Handle("/metrics", metrics.Handler())

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return rootCtx
		},
	}
	return app
}

func policyFromConfig(pc config.PolicyConfig) ratelimit.Policy {
	return ratelimit.Policy{
		Limit:      pc.Limit,
		Window:     pc.Window,
		BurstLimit: pc.BurstLimit,
		StrictMode: pc.StrictMode,
	}
}

func (a *App) Run() error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sweeper.Run(a.ctx)
	}()

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.Identity.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.Config{ReadTimeout: a.cfg.Transport.ReadTimeout},
		nil,
		nil,
		a.logger,
	)

	a.localMu.Lock()
	a.local[conn.ID()] = conn
	a.localMu.Unlock()

	if _, err := a.coordinator.Connect(a.ctx, conn.ID(), reqMeta.Token); err != nil {
		// Identity resolution failure is fatal to the session.
		connLogger.Error("Connection admission failed", slog.Any("error", err))
		a.dropLocal(conn.ID())
		conn.Close(err)
		return
	}

	conn.SetOnMessage(a.router.HandleMessage)
	conn.SetOnClose(func(connID string, err error) {
		connLogger.Info("Cleaning up closed connection", slog.String("connID", connID))
		a.dropLocal(connID)
		a.coordinator.Disconnect(a.ctx, connID)
	})

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

func (a *App) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.registry.GetHealth())
}

// Deliver pushes a fanout payload to a locally hosted connection. It is a
// no-op for connections owned by other nodes.
func (a *App) Deliver(connID string, payload []byte) {
	a.localMu.RLock()
	conn, ok := a.local[connID]
	a.localMu.RUnlock()
	if ok {
		conn.Send(payload)
	}
}

func (a *App) dropLocal(connID string) {
	a.localMu.Lock()
	delete(a.local, connID)
	a.localMu.Unlock()
}

// cycleConnection closes the user's oldest local connection to make room
// for a new one. Reports false when none of the user's connections are
// hosted here; the limiter then rejects instead of admitting past the cap.
func (a *App) cycleConnection(tenantID, userID string) bool {
	ids := a.registry.GetUserConnections(a.ctx, tenantID, userID)

	var oldest *transport.Connection
	var oldestAt time.Time
	a.localMu.RLock()
	for _, id := range ids {
		conn, ok := a.local[id]
		if !ok {
			continue
		}
		rec, found := a.registry.GetConnection(a.ctx, id)
		if !found {
			continue
		}
		if oldest == nil || rec.ConnectedAt.Before(oldestAt) {
			oldest = conn
			oldestAt = rec.ConnectedAt
		}
	}
	a.localMu.RUnlock()

	if oldest == nil {
		return false
	}
	a.logger.Info("Cycling connection: closing oldest",
		slog.String("userID", userID), slog.String("connID", oldest.ID()))
	oldest.Close(errors.New("connection cycled by new connection"))
	return true
}

// Shutdown runs the graceful shutdown sequence. Connections close before
// the http server: upgrade handlers block until their connection is done,
// so Shutdown would otherwise wait on them forever.
func (a *App) Shutdown() error {
	a.logger.Info("Closing all active connections...")
	a.localMu.RLock()
	conns := make([]*transport.Connection, 0, len(a.local))
	for _, conn := range a.local {
		conns = append(conns, conn)
	}
	a.localMu.RUnlock()
	for _, conn := range conns {
		conn.Close(errors.New("graceful shutdown"))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// wait for connection goroutines and the sweeper to finish cleanup.
	a.wg.Wait()
	a.subscriber.Close()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
