// Package streaming owns the websocket connection to the trading venue's
// terminal feed. One manager holds at most one connection; every lifecycle
// transition is logged, persisted, and published on the event bus.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"copy-core/internal/decision"
	"copy-core/internal/events"
	"copy-core/pkg/db"
	"copy-core/pkg/retry"
)

// Connection states. Degraded is not a stored state: it is derived from the
// age of the last received event while nominally connected.
const (
	StateDisconnected  = "disconnected"
	StateConnecting    = "connecting"
	StateSynchronizing = "synchronizing"
	StateConnected     = "connected"
)

var (
	// ErrCircuitOpen is returned by Start while the reconnect circuit is
	// open. Wait for the cool-down or call ResetCircuit.
	ErrCircuitOpen = errors.New("streaming circuit open")
	// ErrAuthRejected is returned when the venue refuses the credentials.
	// Reconnecting with the same token is pointless.
	ErrAuthRejected = errors.New("streaming auth rejected")
)

// Config holds the streaming connection settings.
type Config struct {
	WSURL                string
	APIToken             string
	AccountID            string // master account whose terminal we mirror
	MaxReconnectAttempts int
	CircuitCooldown      time.Duration
	HealthWindow         time.Duration // max silence before the feed counts as degraded
	Backoff              retry.Backoff
}

// State is a point-in-time snapshot of the manager, safe to serve from a
// health endpoint without touching the connection.
type State struct {
	IsConnected       bool       `json:"isConnected"`
	Status            string     `json:"status"`
	AccountID         string     `json:"accountId"`
	StartTime         *time.Time `json:"startTime,omitempty"`
	LastEvent         *time.Time `json:"lastEvent,omitempty"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	IsCircuitOpen     bool       `json:"isCircuitOpen"`
	HealthScore       int        `json:"healthScore"`
	Healthy           bool       `json:"healthy"`
}

// Manager supervises the single terminal websocket connection.
type Manager struct {
	cfg   Config
	store *db.Store
	bus   *events.Bus

	mu                sync.RWMutex
	conn              *websocket.Conn
	state             string
	running           bool
	startTime         time.Time
	lastEvent         time.Time
	reconnectAttempts int
	circuitOpenedAt   time.Time
	cancel            context.CancelFunc
	done              chan struct{}

	terminal      decision.AccountStats
	terminalValid bool
}

// NewManager creates a streaming manager. Nothing connects until Start.
func NewManager(cfg Config, store *db.Store, bus *events.Bus) *Manager {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = 10 * time.Minute
	}
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = 2 * time.Minute
	}
	if cfg.Backoff == (retry.Backoff{}) {
		cfg.Backoff = retry.DefaultBackoff()
	}
	return &Manager{
		cfg:   cfg,
		store: store,
		bus:   bus,
		state: StateDisconnected,
	}
}

// Start brings the connection up. It is idempotent: a second call while a
// session is running or still connecting returns nil without spawning another
// connection. Start returns once the supervision loop is launched; connection
// progress is observable through Status.
//
// The session outlives the caller's context: ctx only gates the Start call
// itself (an API request context, for instance, must not tear the stream
// down when the response is written). Only Stop or an opened circuit ends
// the session.
func (m *Manager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	if m.circuitOpen(time.Now()) {
		m.mu.Unlock()
		return fmt.Errorf("%w: retry after %s or reset manually", ErrCircuitOpen, m.cfg.CircuitCooldown)
	}
	// An expired circuit closes implicitly; the new session starts with a
	// clean attempt counter.
	if !m.circuitOpenedAt.IsZero() {
		m.circuitOpenedAt = time.Time{}
		m.reconnectAttempts = 0
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.startTime = time.Now()
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		// Every exit path lands here: Stop, circuit open, or a fatal error.
		// The manager must be restartable afterwards.
		defer func() {
			m.mu.Lock()
			m.running = false
			m.conn = nil
			m.mu.Unlock()
			m.transition(StateDisconnected, "session supervisor exited")
		}()
		m.supervise(runCtx)
	}()
	return nil
}

// Stop tears the connection down deterministically: the supervision loop is
// cancelled, the socket closed, and the state is disconnected when Stop
// returns. Safe to call when already stopped.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	conn := m.conn
	m.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
}

// ResetCircuit closes the reconnect circuit and clears the failure count so
// the next Start connects immediately.
func (m *Manager) ResetCircuit() {
	m.mu.Lock()
	m.circuitOpenedAt = time.Time{}
	m.reconnectAttempts = 0
	m.mu.Unlock()
	log.Println("streaming: circuit reset")
}

// Status returns a snapshot without blocking on the connection.
func (m *Manager) Status() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	s := State{
		Status:            m.state,
		AccountID:         m.cfg.AccountID,
		ReconnectAttempts: m.reconnectAttempts,
		IsCircuitOpen:     m.circuitOpen(now),
		IsConnected:       m.state == StateConnected,
	}
	if !m.startTime.IsZero() && m.running {
		t := m.startTime
		s.StartTime = &t
	}
	if !m.lastEvent.IsZero() {
		t := m.lastEvent
		s.LastEvent = &t
	}
	s.HealthScore = m.healthScore(now)
	s.Healthy = s.IsConnected && s.HealthScore >= 50
	return s
}

// TerminalStats serves the latest cached terminal snapshot for read-only
// paths. The snapshot only qualifies while the feed is connected, covers the
// requested account, and is younger than the health window.
func (m *Manager) TerminalStats(accountID string) (decision.AccountStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.terminalValid || m.state != StateConnected || accountID != m.cfg.AccountID {
		return decision.AccountStats{}, false
	}
	if time.Since(m.lastEvent) > m.cfg.HealthWindow {
		return decision.AccountStats{}, false
	}
	return m.terminal, true
}

// circuitOpen must be called with the mutex held.
func (m *Manager) circuitOpen(now time.Time) bool {
	return !m.circuitOpenedAt.IsZero() && now.Sub(m.circuitOpenedAt) < m.cfg.CircuitCooldown
}

// healthScore must be called with the mutex held. 100 means a fresh feed,
// decaying with event silence and recent reconnects.
func (m *Manager) healthScore(now time.Time) int {
	if m.state != StateConnected {
		return 0
	}
	score := 100
	if !m.lastEvent.IsZero() {
		silence := now.Sub(m.lastEvent)
		if silence > m.cfg.HealthWindow {
			score -= 50
		} else if silence > m.cfg.HealthWindow/2 {
			score -= 20
		}
	}
	score -= m.reconnectAttempts * 10
	if score < 0 {
		score = 0
	}
	return score
}

// supervise runs the connect/read/reconnect loop until the context is
// cancelled or the circuit opens.
func (m *Manager) supervise(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := m.runSession(ctx)
		if err == nil || ctx.Err() != nil {
			// Clean shutdown.
			return
		}

		if errors.Is(err, ErrAuthRejected) {
			log.Printf("streaming: %v; opening circuit", err)
			m.openCircuit("authentication rejected")
			return
		}

		m.mu.Lock()
		m.reconnectAttempts++
		attempts := m.reconnectAttempts
		m.mu.Unlock()

		if attempts >= m.cfg.MaxReconnectAttempts {
			log.Printf("streaming: %d consecutive failures, opening circuit for %s", attempts, m.cfg.CircuitCooldown)
			m.openCircuit(fmt.Sprintf("%d consecutive connection failures", attempts))
			return
		}

		wait := m.cfg.Backoff.Next(attempts)
		log.Printf("streaming: session error: %v; reconnecting in %s (attempt %d/%d)", err, wait, attempts, m.cfg.MaxReconnectAttempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// openCircuit marks the circuit open; the supervisor exit path clears the
// running flag right after.
func (m *Manager) openCircuit(reason string) {
	m.mu.Lock()
	m.circuitOpenedAt = time.Now()
	m.mu.Unlock()
	m.transition(StateDisconnected, "circuit open: "+reason)
}

// runSession dials, synchronizes, and reads until the connection drops. A nil
// return means the context ended; any error asks the supervisor to reconnect.
func (m *Manager) runSession(ctx context.Context) error {
	m.transition(StateConnecting, "dialing terminal feed")

	header := http.Header{}
	if m.cfg.APIToken != "" {
		header.Set("auth-token", m.cfg.APIToken)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, res, err := dialer.DialContext(ctx, m.cfg.WSURL, header)
	if err != nil {
		if res != nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: status %d", ErrAuthRejected, res.StatusCode)
		}
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("ws dial: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	defer func() {
		conn.Close()
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()

	m.transition(StateSynchronizing, "connection established, awaiting terminal state")

	if err := m.subscribe(conn); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// Close the socket when the context ends so ReadMessage unblocks.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		m.handleMessage(msg)
	}
}

func (m *Manager) subscribe(conn *websocket.Conn) error {
	sub := map[string]any{
		"type":      "subscribe",
		"accountId": m.cfg.AccountID,
	}
	return conn.WriteJSON(sub)
}

// terminalMessage is the envelope of every feed message.
type terminalMessage struct {
	Type      string          `json:"type"`
	AccountID string          `json:"accountId"`
	Data      json.RawMessage `json:"data"`
}

type accountInformation struct {
	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
	MarginLevel   float64 `json:"marginLevel"`
	OpenPositions int     `json:"openPositions"`
}

type dealClosed struct {
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Volume   float64   `json:"volume"`
	Profit   float64   `json:"profit"`
	ClosedAt time.Time `json:"closedAt"`
}

func (m *Manager) handleMessage(msg []byte) {
	var env terminalMessage
	if err := json.Unmarshal(msg, &env); err != nil {
		log.Printf("streaming: unparsable message: %v", err)
		return
	}

	now := time.Now()
	m.mu.Lock()
	m.lastEvent = now
	m.mu.Unlock()

	switch env.Type {
	case "synchronized":
		m.mu.Lock()
		m.reconnectAttempts = 0
		m.mu.Unlock()
		m.transition(StateConnected, "terminal state synchronized")

	case "accountInformation":
		var info accountInformation
		if err := json.Unmarshal(env.Data, &info); err != nil {
			log.Printf("streaming: bad accountInformation payload: %v", err)
			return
		}
		m.mu.Lock()
		m.terminal = decision.AccountStats{
			Balance:       info.Balance,
			Equity:        info.Equity,
			ProfitLoss:    info.Equity - info.Balance,
			MarginLevel:   info.MarginLevel,
			OpenPositions: info.OpenPositions,
			FetchedAt:     now,
		}
		m.terminalValid = true
		m.mu.Unlock()

	case "dealClosed":
		var deal dealClosed
		if err := json.Unmarshal(env.Data, &deal); err != nil {
			log.Printf("streaming: bad dealClosed payload: %v", err)
			return
		}
		if deal.ClosedAt.IsZero() {
			deal.ClosedAt = now
		}
		m.bus.Publish(events.EventTradeClosed, events.TradeClosed{
			AccountID: env.AccountID,
			Symbol:    deal.Symbol,
			Side:      deal.Side,
			Volume:    deal.Volume,
			Profit:    deal.Profit,
			ClosedAt:  deal.ClosedAt,
		})

	case "ping":
		m.mu.RLock()
		conn := m.conn
		m.mu.RUnlock()
		if conn != nil {
			if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
				log.Printf("streaming: pong write error: %v", err)
			}
		}

	default:
		// Unknown message types keep the feed alive but carry nothing we act on.
	}
}

// transition records a state change in one place: in-memory state, the log,
// the persistent streaming log, and the event bus.
func (m *Manager) transition(to, reason string) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.mu.Unlock()

	log.Printf("streaming: %s -> %s (%s)", from, to, reason)
	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.store.AppendStreamingTransition(ctx, from, to, reason); err != nil {
			log.Printf("streaming: persist transition: %v", err)
		}
		cancel()
	}
	if m.bus != nil {
		m.bus.Publish(events.EventStreamingTransition, events.StreamingTransition{
			From:   from,
			To:     to,
			Reason: reason,
			At:     time.Now(),
		})
	}
}
