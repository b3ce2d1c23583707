package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"pricefeed/internal/client"
	"pricefeed/internal/dispatch"
	"pricefeed/internal/stream"
)

// relayedEvents are forwarded to connected downstream clients.
var relayedEvents = []string{
	stream.EventUpdate,
	stream.EventChange,
	stream.EventSpike,
	stream.EventAlert,
	stream.EventError,
}

// Envelope wraps a relayed event for the wire.
type Envelope struct {
	Event     string `json:"event"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Server relays dispatcher events to WebSocket subscribers and exposes a
// small REST API for alert rules, prices, history and stats.
type Server struct {
	svc  *stream.Service
	cli  *client.Client
	bus  *dispatch.Dispatcher
	port string

	upgrader   websocket.Upgrader
	clientsMux sync.RWMutex
	clients    map[*websocket.Conn]bool
	broadcast  chan Envelope
}

// New builds a server over the stream service, protocol client and
// dispatcher.
func New(svc *stream.Service, cli *client.Client, bus *dispatch.Dispatcher, port string) *Server {
	return &Server{
		svc:       svc,
		cli:       cli,
		bus:       bus,
		port:      port,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Envelope, 256),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Start wires the event relay and serves HTTP until the listener fails.
func (s *Server) Start() error {
	for _, ev := range relayedEvents {
		s.bus.On(ev, s.relay)
	}

	go s.broadcastMessages()

	log.Printf("[server] listening on port %s", s.port)
	return http.ListenAndServe(":"+s.port, s.routes())
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/prices", s.handlePrices).Methods(http.MethodGet)
	api.HandleFunc("/history/{symbol}", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{symbol}", s.handleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{symbol}", s.handleAddAlert).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{symbol}", s.handleClearAlerts).Methods(http.MethodDelete)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	return r
}

func (s *Server) relay(ev dispatch.Event) {
	env := Envelope{Event: ev.Name, Payload: ev.Payload, Timestamp: ev.Time.UnixMilli()}
	select {
	case s.broadcast <- env:
	default:
		// Drop when saturated; the relay must never stall the stream loop.
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] upgrade error: %v", err)
		return
	}

	s.clientsMux.Lock()
	s.clients[conn] = true
	s.clientsMux.Unlock()
	log.Printf("[server] client connected from %s", r.RemoteAddr)

	defer func() {
		s.clientsMux.Lock()
		delete(s.clients, conn)
		s.clientsMux.Unlock()
		conn.Close()
		log.Printf("[server] client disconnected")
	}()

	// Downstream clients are listen-only; drain until they hang up.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcastMessages() {
	for env := range s.broadcast {
		s.clientsMux.RLock()
		conns := make([]*websocket.Conn, 0, len(s.clients))
		for conn := range s.clients {
			conns = append(conns, conn)
		}
		s.clientsMux.RUnlock()

		for _, conn := range conns {
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("[server] write error: %v", err)
				conn.Close()
				s.clientsMux.Lock()
				delete(s.clients, conn)
				s.clientsMux.Unlock()
			}
		}
	}
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.LastPrices())
}

type historyResponse struct {
	Symbol  string       `json:"symbol"`
	Records any          `json:"records"`
	Stats   historyStats `json:"stats"`
}

type historyStats struct {
	Count int    `json:"count"`
	High  string `json:"high"`
	Low   string `json:"low"`
	Mean  string `json:"mean"`
	VWAP  string `json:"vwap"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	stats := s.svc.HistoryStats(symbol)

	writeJSON(w, http.StatusOK, historyResponse{
		Symbol:  symbol,
		Records: s.svc.History(symbol),
		Stats: historyStats{
			Count: stats.Count,
			High:  stats.High.String(),
			Low:   stats.Low.String(),
			Mean:  stats.Mean.String(),
			VWAP:  stats.VWAP.String(),
		},
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Alerts(mux.Vars(r)["symbol"]))
}

func (s *Server) handleAddAlert(w http.ResponseWriter, r *http.Request) {
	var rule stream.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "invalid rule body", http.StatusBadRequest)
		return
	}
	if rule.Above == nil && rule.Below == nil && rule.ChangePercent == nil {
		http.Error(w, "rule needs at least one condition", http.StatusBadRequest)
		return
	}

	symbol := mux.Vars(r)["symbol"]
	s.svc.AddAlert(symbol, rule)
	log.Printf("[server] alert rule added for %s", symbol)
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	removed := s.svc.ClearAlerts(mux.Vars(r)["symbol"])
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running":       s.svc.Running(),
		"connection":    s.cli.Health(),
		"state":         s.cli.State().String(),
		"subscriptions": s.cli.Subscriptions(),
		"dispatcher":    s.bus.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}
