// Package server exposes the daemon's HTTP API and WebSocket event
// stream.
package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/mattnigh/PyFluff/bluetooth"
	"github.com/mattnigh/PyFluff/cache"
	"github.com/mattnigh/PyFluff/config"
	"github.com/mattnigh/PyFluff/protocol"
	"github.com/mattnigh/PyFluff/upload"
	"github.com/mattnigh/PyFluff/utils"
)

// Server wires the session manager, upload controller and device cache
// behind a REST API plus a WebSocket event feed.
type Server struct {
	cfg     *config.Config
	session *bluetooth.Manager
	uploads *upload.Controller
	store   *cache.Store
	hub     *utils.WebSocketHub
	log     zerolog.Logger
	router  chi.Router
}

// New builds the server and its routes.
func New(cfg *config.Config, session *bluetooth.Manager, uploads *upload.Controller, store *cache.Store, hub *utils.WebSocketHub, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		session: session,
		uploads: uploads,
		store:   store,
		hub:     hub,
		log:     log.With().Str("component", "http").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/scan", s.handleScan)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)

		r.Get("/devices", s.handleKnownDevices)
		r.Delete("/devices", s.handleClearDevices)
		r.Delete("/devices/{address}", s.handleForgetDevice)
		r.Get("/names", s.handleNames)

		r.Post("/antenna", s.handleAntenna)
		r.Post("/action", s.handleAction)
		r.Post("/actions/sequence", s.handleActionSequence)
		r.Post("/mood", s.handleMood)
		r.Post("/name", s.handleSetName)
		r.Post("/backlight", s.handleBacklight)
		r.Post("/debug", s.handleDebugMenu)

		r.Route("/slots", func(r chi.Router) {
			r.Post("/{slot}/upload", s.handleUpload)
			r.Post("/{slot}/load", s.handleLoad)
			r.Post("/{slot}/deactivate", s.handleDeactivate)
			r.Post("/{slot}/query", s.handleQuerySlot)
			r.Delete("/{slot}", s.handleDeleteSlot)
			r.Post("/activate", s.handleActivate)
		})
		r.Get("/upload", s.handleUploadProgress)
		r.Post("/upload/cancel", s.handleUploadCancel)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully. It also
// starts the pump that forwards session events to WebSocket clients.
func (s *Server) Run(ctx context.Context) error {
	go s.pumpEvents(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// pumpEvents relays session state changes and device notifications to
// the WebSocket hub for as long as the server runs.
func (s *Server) pumpEvents(ctx context.Context) {
	forward := func(ch protocol.Channel) func() {
		return s.session.Subscribe(ch, func(ev protocol.Event) {
			s.hub.Broadcast(utils.WebSocketEvent{
				Type: utils.EventTypeNotification,
				Payload: utils.NotificationPayload{
					Channel: string(ch),
					Type:    string(ev.Type),
					Raw:     hex.EncodeToString(ev.Raw),
				},
			})
		})
	}
	cancelCommand := forward(protocol.ChannelCommand)
	cancelControl := forward(protocol.ChannelControl)
	defer cancelCommand()
	defer cancelControl()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.session.Events():
			s.broadcastSession(ev)
		}
	}
}

func (s *Server) broadcastSession(ev bluetooth.SessionEvent) {
	payload := utils.SessionPayload{
		Address: ev.Address,
		State:   s.session.State().String(),
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	var typ string
	switch ev.Kind {
	case bluetooth.EventConnected:
		typ = utils.EventTypeConnected
		dev := s.session.Device()
		payload.Name = dev.Name
		if err := s.store.Remember(dev); err != nil {
			s.log.Warn().Err(err).Msg("cache write failed")
		}
	case bluetooth.EventDisconnected:
		typ = utils.EventTypeDisconnected
	case bluetooth.EventFailed:
		typ = utils.EventTypeFailed
	default:
		return
	}
	s.hub.Broadcast(utils.WebSocketEvent{Type: typ, Payload: payload})
}
