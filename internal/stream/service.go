package stream

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"pricefeed/internal/config"
	"pricefeed/internal/dispatch"
	"pricefeed/internal/history"
)

// Events published through the dispatcher.
const (
	EventUpdate = "price.update"
	EventChange = "price.change"
	EventSpike  = "price.spike"
	EventAlert  = "price.alert"
	EventError  = "price.error"
)

// Conn is the protocol-client surface the service drives.
type Conn interface {
	Connect() error
	Disconnect() error
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	Listen(timeout time.Duration) error
	Connected() bool
	OnMessage(fn func([]byte))
	OnError(fn func(error))
}

// Update is the payload carried by price.update, price.change and
// price.spike events.
type Update struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Volume        float64   `json:"volume,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	HasChange     bool      `json:"has_change"` // false on the first observation
}

// AlertRule is one threshold rule attached to a symbol. Conditions are
// checked in the order above, below, change percent; the first match fires.
type AlertRule struct {
	Above         *float64 `json:"above,omitempty"`
	Below         *float64 `json:"below,omitempty"`
	ChangePercent *float64 `json:"change_percent,omitempty"`
	Once          bool     `json:"once,omitempty"`
}

// Alert is the payload carried by price.alert events.
type Alert struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Reason string    `json:"reason"`
	Rule   AlertRule `json:"rule"`
}

// Options control a streaming session.
type Options struct {
	Timeout time.Duration // zero streams until Stop
}

// Service consumes decoded feed messages, tracks last-known prices,
// detects changes and spikes, evaluates alert rules and publishes
// semantic events through the dispatcher.
type Service struct {
	conn Conn
	bus  *dispatch.Dispatcher
	cfg  config.Stream
	hist config.History

	mu      sync.Mutex
	running bool
	wired   bool
	last    map[string]Update
	rings   map[string]*history.Ring
	rules   map[string][]AlertRule
}

// New builds a stream service over the given connection and dispatcher.
// Zero thresholds fall back to the stock defaults.
func New(conn Conn, bus *dispatch.Dispatcher, cfg config.Config) *Service {
	sc := cfg.Stream
	if sc.MinChangePercent <= 0 {
		sc.MinChangePercent = 0.01
	}
	if sc.SpikeThreshold <= 0 {
		sc.SpikeThreshold = 5.0
	}
	return &Service{
		conn:  conn,
		bus:   bus,
		cfg:   sc,
		hist:  cfg.History,
		last:  make(map[string]Update),
		rings: make(map[string]*history.Ring),
		rules: make(map[string][]AlertRule),
	}
}

// Start connects, subscribes to the symbols and blocks in the listen loop
// until Stop, disconnect or timeout. Starting an already-running service
// is a logged no-op.
func (s *Service) Start(symbols []string, opts Options) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Printf("[stream] already running, ignoring start")
		return nil
	}
	s.running = true
	wired := s.wired
	s.wired = true
	s.mu.Unlock()

	if !wired {
		s.conn.OnMessage(s.handleMessage)
		s.conn.OnError(s.handleError)
	}

	fail := func(err error) error {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	if !s.conn.Connected() {
		if err := s.conn.Connect(); err != nil {
			return fail(fmt.Errorf("connect: %w", err))
		}
	}
	if len(symbols) > 0 {
		if err := s.conn.Subscribe(symbols); err != nil {
			return fail(fmt.Errorf("subscribe: %w", err))
		}
	}

	log.Printf("[stream] streaming %d symbols", len(symbols))
	err := s.conn.Listen(opts.Timeout)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return err
}

// Stop ends the streaming session and disconnects the client.
func (s *Service) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.conn.Disconnect()
}

// Running reports whether a streaming session is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Subscribe adds symbols to the live stream.
func (s *Service) Subscribe(symbols []string) error {
	return s.conn.Subscribe(symbols)
}

// Unsubscribe removes symbols from the live stream and clears their alert
// rules.
func (s *Service) Unsubscribe(symbols []string) error {
	if err := s.conn.Unsubscribe(symbols); err != nil {
		return err
	}
	s.mu.Lock()
	for _, sym := range symbols {
		delete(s.rules, sym)
	}
	s.mu.Unlock()
	return nil
}

// AddAlert attaches a rule to a symbol. Rules are evaluated in the order
// they were added.
func (s *Service) AddAlert(symbol string, rule AlertRule) {
	s.mu.Lock()
	s.rules[symbol] = append(s.rules[symbol], rule)
	s.mu.Unlock()
}

// Alerts returns the rules currently attached to a symbol.
func (s *Service) Alerts(symbol string) []AlertRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AlertRule, len(s.rules[symbol]))
	copy(out, s.rules[symbol])
	return out
}

// ClearAlerts drops every rule for a symbol and returns how many were
// removed.
func (s *Service) ClearAlerts(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.rules[symbol])
	delete(s.rules, symbol)
	return n
}

// LastPrices returns the most recent update per symbol.
func (s *Service) LastPrices() map[string]Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Update, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}

// History returns the retained records for a symbol, oldest first.
func (s *Service) History(symbol string) []history.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.rings[symbol]
	if !ok {
		return nil
	}
	return ring.Records()
}

// HistoryStats summarizes the retained records for a symbol.
func (s *Service) HistoryStats(symbol string) history.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring, ok := s.rings[symbol]
	if !ok {
		return history.Stats{}
	}
	return ring.Stats()
}

func (s *Service) handleError(err error) {
	s.bus.Dispatch(EventError, err.Error())
}

// handleMessage processes one decoded feed message. Messages without both
// a symbol and a price are dropped silently.
func (s *Service) handleMessage(raw []byte) {
	symbol := gjson.GetBytes(raw, "symbol")
	price := gjson.GetBytes(raw, "price")
	if !symbol.Exists() || !price.Exists() {
		return
	}

	upd := Update{
		Symbol:    symbol.String(),
		Price:     price.Float(),
		Volume:    gjson.GetBytes(raw, "volume").Float(),
		Timestamp: time.Now(),
	}
	if ts := gjson.GetBytes(raw, "timestamp"); ts.Exists() {
		upd.Timestamp = time.UnixMilli(ts.Int())
	}

	s.mu.Lock()
	if prev, ok := s.last[upd.Symbol]; ok && prev.Price != 0 {
		upd.Change = upd.Price - prev.Price
		upd.ChangePercent = upd.Change / prev.Price * 100
		upd.HasChange = true
	}
	s.last[upd.Symbol] = upd

	var fired []Alert
	if rules := s.rules[upd.Symbol]; len(rules) > 0 {
		kept := rules[:0]
		for _, r := range rules {
			reason, hit := evaluate(r, upd)
			if hit {
				fired = append(fired, Alert{Symbol: upd.Symbol, Price: upd.Price, Reason: reason, Rule: r})
				if r.Once {
					continue // fired once, drop it
				}
			}
			kept = append(kept, r)
		}
		s.rules[upd.Symbol] = kept
	}

	if s.hist.Enabled {
		ring, ok := s.rings[upd.Symbol]
		if !ok {
			ring = history.NewRing(s.hist.MaxSize)
			s.rings[upd.Symbol] = ring
		}
		ring.Append(history.Record{
			Symbol:        upd.Symbol,
			Price:         upd.Price,
			Volume:        upd.Volume,
			Timestamp:     upd.Timestamp,
			Change:        upd.Change,
			ChangePercent: upd.ChangePercent,
		})
	}
	minChange, spike := s.cfg.MinChangePercent, s.cfg.SpikeThreshold
	s.mu.Unlock()

	s.bus.Dispatch(EventUpdate, upd)
	if upd.HasChange && math.Abs(upd.ChangePercent) >= minChange {
		s.bus.Dispatch(EventChange, upd)
	}
	if upd.HasChange && math.Abs(upd.ChangePercent) >= spike {
		s.bus.Dispatch(EventSpike, upd)
	}
	for _, a := range fired {
		log.Printf("[stream] alert %s: %s (%.4f)", a.Symbol, a.Reason, a.Price)
		s.bus.Dispatch(EventAlert, a)
	}
}

func evaluate(r AlertRule, upd Update) (string, bool) {
	switch {
	case r.Above != nil && upd.Price >= *r.Above:
		return fmt.Sprintf("price %.4f above %.4f", upd.Price, *r.Above), true
	case r.Below != nil && upd.Price <= *r.Below:
		return fmt.Sprintf("price %.4f below %.4f", upd.Price, *r.Below), true
	case r.ChangePercent != nil && upd.HasChange && math.Abs(upd.ChangePercent) >= math.Abs(*r.ChangePercent):
		return fmt.Sprintf("change %.2f%% beyond %.2f%%", upd.ChangePercent, *r.ChangePercent), true
	}
	return "", false
}
