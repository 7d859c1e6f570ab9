package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shaunagostinho/efibridge/internal/bridge"
	"github.com/shaunagostinho/efibridge/internal/ecu"
	"github.com/shaunagostinho/efibridge/internal/plugin"
	"github.com/shaunagostinho/efibridge/internal/viz"
)

const parameterTimeout = 2 * time.Second

// ECUStatus is one ECU in the status response.
type ECUStatus struct {
	ecu.Stats
	Connected bool                 `json:"connected"`
	Stale     bool                 `json:"stale"`
	LastError *ecu.ErrorDescriptor `json:"lastError,omitempty"`
}

// Status is the /api/status response.
type Status struct {
	ECUs      []ECUStatus    `json:"ecus"`
	Bridge    bridge.Stats   `json:"bridge"`
	Bindings  int            `json:"bindings"`
	Plugins   []plugin.Info  `json:"plugins"`
	WebSocket *HubStatus     `json:"websocket,omitempty"`
	MQTT      *viz.MQTTStats `json:"mqtt,omitempty"`
	Stamp     int64          `json:"stamp"`
}

type HubStatus struct {
	Clients int    `json:"clients"`
	Dropped uint64 `json:"dropped"`
}

func (s *Server) status() Status {
	st := Status{
		ECUs:     make([]ECUStatus, 0, len(s.order)),
		Bridge:   s.bridge.Stats(),
		Bindings: len(s.bridge.Connections()),
		Plugins:  s.registry.List(),
		Stamp:    time.Now().UnixMilli(),
	}
	for _, name := range s.order {
		b := s.ecus[name]
		es := ECUStatus{Stats: b.Controller().Stats(), Connected: b.IsConnected()}
		if r, err := b.ReadRealtimeData(); err == nil {
			es.Stale = r.Stale
		} else {
			es.Stale = true
		}
		if d, ok := b.Controller().LastError(); ok {
			es.LastError = &d
		}
		st.ECUs = append(st.ECUs, es)
	}
	if s.hub != nil {
		st.WebSocket = &HubStatus{Clients: s.hub.Clients(), Dropped: s.hub.Dropped()}
	}
	if s.mqtt != nil {
		m := s.mqtt.Stats()
		st.MQTT = &m
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.bridge.Connections())

	case http.MethodPost:
		var spec bridge.Spec
		if err := decodeBody(r, &spec); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad request: %w", err))
			return
		}
		id, err := s.bridge.Bind(spec)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, bridge.ErrDuplicateID) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if !s.bridge.Unbind(id) {
			writeError(w, http.StatusNotFound, fmt.Errorf("connection %q not found", id))
			return
		}
		writeOK(w)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		ID     string `json:"id"`
		Active bool   `json:"active"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad request: %w", err))
		return
	}
	if !s.bridge.SetActive(req.ID, req.Active) {
		writeError(w, http.StatusNotFound, fmt.Errorf("connection %q not found", req.ID))
		return
	}
	writeOK(w)
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.bridge.ResetStats()
	writeOK(w)
}

func (s *Server) handleCharts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.hub == nil {
		writeJSON(w, http.StatusOK, []viz.ChartSnapshot{})
		return
	}
	if id := r.URL.Query().Get("id"); id != "" {
		c, ok := s.hub.Chart(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("chart %q not found", id))
			return
		}
		writeJSON(w, http.StatusOK, c)
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Snapshot())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad request: %w", err))
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.cfg.Validate(); err != nil {
			s.log.Warn().Err(err).Msg("config update has problems")
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn().Err(err).Msg("config save failed")
		}
		writeOK(w)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) backend(name string) (*ecu.Backend, error) {
	if name == "" && len(s.order) == 1 {
		name = s.order[0]
	}
	b, ok := s.ecus[name]
	if !ok {
		return nil, fmt.Errorf("ecu %q: %w", name, plugin.ErrNotFound)
	}
	return b, nil
}

func (s *Server) handleECUConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Name     string `json:"name"`
		Port     string `json:"port"`
		Baud     int    `json:"baud"`
		Protocol string `json:"protocol"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad request: %w", err))
		return
	}
	b, err := s.backend(req.Name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := b.Connect(req.Port, req.Baud, req.Protocol); err != nil {
		writeError(w, ecuErrorStatus(err), err)
		return
	}
	writeOK(w)
}

func (s *Server) handleECUDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad request: %w", err))
		return
	}
	b, err := s.backend(req.Name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := b.Disconnect(); err != nil {
		s.log.Debug().Err(err).Str("ecu", b.Name()).Msg("close transport")
	}
	writeOK(w)
}

func (s *Server) handleParameter(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), parameterTimeout)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		id, err := strconv.ParseUint(q.Get("id"), 10, 16)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("id: %w", err))
			return
		}
		b, err := s.backend(q.Get("name"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		v, err := b.ReadParameter(ctx, uint16(id))
		if err != nil {
			writeError(w, ecuErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "value": v})

	case http.MethodPost:
		var req struct {
			Name  string  `json:"name"`
			ID    uint16  `json:"id"`
			Value float32 `json:"value"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad request: %w", err))
			return
		}
		b, err := s.backend(req.Name)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err := b.WriteParameter(ctx, req.ID, req.Value); err != nil {
			writeError(w, ecuErrorStatus(err), err)
			return
		}
		writeOK(w)

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ports, err := ecu.ListPorts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"ports": ports})
}

func ecuErrorStatus(err error) int {
	var cerr *ecu.ConnectError
	switch {
	case errors.Is(err, ecu.ErrNotConnected), errors.Is(err, ecu.ErrAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ecu.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &cerr):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}
