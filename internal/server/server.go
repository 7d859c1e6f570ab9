// Package server exposes the bridge over HTTP: a WebSocket chart stream and
// a small JSON API for status and binding management.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/efibridge/internal/bridge"
	"github.com/shaunagostinho/efibridge/internal/config"
	"github.com/shaunagostinho/efibridge/internal/ecu"
	"github.com/shaunagostinho/efibridge/internal/events"
	"github.com/shaunagostinho/efibridge/internal/plugin"
	"github.com/shaunagostinho/efibridge/internal/viz"
)

const maxBody = 1 << 20

// Options wires the server to the rest of the process. Hub, MQTT and Bus
// may be nil.
type Options struct {
	Config   *config.Config
	Log      zerolog.Logger
	Bridge   *bridge.Bridge
	Registry *plugin.Registry
	ECUs     []*ecu.Backend
	Hub      *viz.Hub
	MQTT     *viz.MQTTPublisher
	Bus      events.Bus
}

// Server serves /ws and /api/*.
type Server struct {
	cfg      *config.Config
	log      zerolog.Logger
	bridge   *bridge.Bridge
	registry *plugin.Registry
	ecus     map[string]*ecu.Backend
	order    []string
	hub      *viz.Hub
	mqtt     *viz.MQTTPublisher
	bus      events.Bus
}

func New(opts Options) *Server {
	if opts.Bus == nil {
		opts.Bus = events.Nop{}
	}
	s := &Server{
		cfg:      opts.Config,
		log:      opts.Log,
		bridge:   opts.Bridge,
		registry: opts.Registry,
		ecus:     make(map[string]*ecu.Backend, len(opts.ECUs)),
		hub:      opts.Hub,
		mqtt:     opts.MQTT,
		bus:      opts.Bus,
	}
	for _, b := range opts.ECUs {
		s.ecus[b.Name()] = b
		s.order = append(s.order, b.Name())
	}
	return s
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.hub != nil {
		mux.Handle("/ws", s.hub)
	}
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/connections", s.handleConnections)
	mux.HandleFunc("/api/connections/active", s.handleActive)
	mux.HandleFunc("/api/stats/reset", s.handleResetStats)
	mux.HandleFunc("/api/charts", s.handleCharts)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/ecu/connect", s.handleECUConnect)
	mux.HandleFunc("/api/ecu/disconnect", s.handleECUDisconnect)
	mux.HandleFunc("/api/ecu/parameter", s.handleParameter)
	mux.HandleFunc("/api/ecu/ports", s.handlePorts)
	return mux
}

// Run serves until ctx is done, forwarding bus events to WebSocket clients.
func (s *Server) Run(ctx context.Context) error {
	if s.hub != nil {
		sub := s.bus.Subscribe(events.TopicECUState, events.TopicBinding)
		go s.forwardEvents(ctx, sub)
	}

	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn().Err(err).Msg("shutdown")
		}
	}()

	s.log.Info().Str("addr", srv.Addr).Msg("listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) forwardEvents(ctx context.Context, sub events.Subscription) {
	defer s.bus.Unsubscribe(sub, events.TopicECUState, events.TopicBinding)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			s.hub.Event(msg)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}
