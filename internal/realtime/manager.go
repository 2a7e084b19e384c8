package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/ride-sync/internal/backoff"
	apperrors "github.com/alexjbarnes/ride-sync/internal/errors"
	"github.com/alexjbarnes/ride-sync/internal/pubsub"
	"github.com/coder/websocket"
)

const (
	defaultHeartbeatInterval    = 30 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultDialTimeout          = 15 * time.Second
	defaultWriteTimeout         = 10 * time.Second

	// inboundChanSize is the buffer between the reader goroutine and
	// the event loop.
	inboundChanSize = 64
)

// ManagerConfig holds the parameters of a Manager. Zero values take
// the defaults.
type ManagerConfig struct {
	URL                  string
	Dialer               Dialer
	HeartbeatInterval    time.Duration
	Backoff              backoff.Policy
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer{}
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}

	if c.Backoff.Initial <= 0 {
		c.Backoff = backoff.Reconnect
	}

	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}

	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}

	return c
}

// inboundMsg wraps a frame read by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// connection is one open channel. Its reader, event loop and heartbeat
// goroutines all stop when ctx is cancelled.
type connection struct {
	conn    Conn
	ctx     context.Context
	cancel  context.CancelFunc
	inbound chan inboundMsg

	// kick wakes the event loop to flush the pending queue.
	kick chan struct{}

	// ping asks the event loop to write a heartbeat.
	ping chan struct{}
}

// Status is a point-in-time view of the Manager.
type Status struct {
	State    ConnectionState `json:"state"`
	Pending  int             `json:"pending"`
	Attempts int             `json:"attempts"`
}

// Manager owns a single persistent channel to the realtime backend.
//
// Architecture: per connection, a reader goroutine feeds inbound frames
// to one event loop goroutine. The event loop is the only writer on the
// connection: it sends Authenticate, flushes the pending queue and
// writes heartbeat pings. Send never touches the connection; it appends
// to the pending queue and wakes the loop. A heartbeat goroutine and a
// reconnect timer run alongside and change state only under mu.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    ConnectionState
	active   *connection
	pending  []Message
	attempts int

	// queueGen changes whenever Disconnect discards the queue, so an
	// in-flight message that fails afterwards is not put back.
	queueGen uint64

	// session changes on every Connect and Disconnect. Dials and
	// reconnect timers from an older session are ignored.
	session uint64

	credential string
	role       string

	reconnectTimer *time.Timer

	events *pubsub.Broadcaster[Event]
	states *pubsub.Broadcaster[StateEvent]
}

// NewManager creates a Manager in StateDisconnected.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg.withDefaults(),
		logger: logger,
		state:  StateDisconnected,
		events: pubsub.New[Event](),
		states: pubsub.New[StateEvent](),
	}
}

// Connect opens the channel and authenticates with credential and role.
// It is a no-op while a connection is opening or open. It blocks until
// the dial completes or fails; dial failures are absorbed into state
// transitions and a scheduled reconnect, never returned.
func (m *Manager) Connect(ctx context.Context, credential, role string) error {
	if credential == "" || role == "" {
		return apperrors.ErrInvalidCredential
	}

	m.mu.Lock()

	switch m.state {
	case StateConnecting, StateConnected, StateAuthenticated:
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("connect ignored", slog.String("state", state.String()))

		return nil
	}

	m.credential = credential
	m.role = role
	m.stopReconnectLocked()
	m.attempts = 0
	m.session++
	sess := m.session
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	m.open(ctx, sess)

	return nil
}

// Disconnect closes the channel, cancels the heartbeat and any
// scheduled reconnect, and discards unsent messages.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.session++
	m.stopReconnectLocked()

	c := m.active
	m.active = nil

	if c != nil {
		c.cancel()
	}

	dropped := len(m.pending)
	m.pending = nil
	m.queueGen++
	m.attempts = 0
	m.setStateLocked(StateDisconnected, nil)
	m.mu.Unlock()

	if dropped > 0 {
		m.logger.Info("discarded unsent messages", slog.Int("count", dropped))
	}

	if c != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

// Reconnect drops the current channel and connects again with the last
// credential and role.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	credential, role := m.credential, m.role
	m.mu.Unlock()

	if credential == "" {
		return apperrors.ErrInvalidCredential
	}

	m.Disconnect()

	return m.Connect(ctx, credential, role)
}

// Close is Disconnect, for use with defer.
func (m *Manager) Close() error {
	m.Disconnect()
	return nil
}

// Send queues msg for delivery. While authenticated the event loop
// writes it right away; otherwise it waits in the pending queue until
// the next successful authentication. Send never blocks on the network
// and never fails.
func (m *Manager) Send(msg Message) {
	if msg == nil {
		return
	}

	m.mu.Lock()
	m.pending = append(m.pending, msg)
	c := m.active
	authenticated := m.state == StateAuthenticated
	m.mu.Unlock()

	if authenticated && c != nil {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// PendingCount returns the number of queued, unsent messages.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending)
}

// Attempts returns the consecutive reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.attempts
}

// Status returns state, queue depth and attempt counter together.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{State: m.state, Pending: len(m.pending), Attempts: m.attempts}
}

// Subscribe returns a channel of inbound messages. Messages are dropped
// for a subscriber whose buffer is full. Call cancel to unsubscribe.
func (m *Manager) Subscribe(buf int) (<-chan Event, func()) {
	return m.events.Subscribe(buf)
}

// StateChanges returns a channel of state transitions.
func (m *Manager) StateChanges(buf int) (<-chan StateEvent, func()) {
	return m.states.Subscribe(buf)
}

// open dials and, on success, starts the connection goroutines.
func (m *Manager) open(ctx context.Context, sess uint64) {
	m.logger.Debug("opening channel", slog.String("url", m.cfg.URL))

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.cfg.Dialer.Dial(dialCtx, m.cfg.URL)

	cancel()

	m.mu.Lock()

	if sess != m.session || m.state != StateConnecting {
		m.mu.Unlock()

		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		}

		return
	}

	if err != nil {
		m.logger.Warn("channel open failed", slog.String("error", err.Error()))
		m.failLocked(fmt.Errorf("opening channel: %w", err))
		m.mu.Unlock()

		return
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &connection{
		conn:    conn,
		ctx:     connCtx,
		cancel:  connCancel,
		inbound: make(chan inboundMsg, inboundChanSize),
		kick:    make(chan struct{}, 1),
		ping:    make(chan struct{}, 1),
	}
	m.active = c
	m.setStateLocked(StateConnected, nil)
	auth := Authenticate{Token: m.credential, UserType: m.role}
	m.mu.Unlock()

	m.startReader(c)

	go m.eventLoop(c, auth)
}

// startReader launches a goroutine that reads from the connection and
// feeds c.inbound. It exits when c.ctx is cancelled or after delivering
// a read error.
func (m *Manager) startReader(c *connection) {
	go func() {
		for {
			typ, data, err := c.conn.Read(c.ctx)
			select {
			case c.inbound <- inboundMsg{typ: typ, data: data, err: err}:
			case <-c.ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// eventLoop is the single writer for one connection. It returns when
// the connection is cancelled or fails.
func (m *Manager) eventLoop(c *connection, auth Authenticate) {
	if err := m.write(c, auth); err != nil {
		m.connectionLost(c, fmt.Errorf("sending authenticate: %w", err))
		return
	}

	for {
		select {
		case <-c.ctx.Done():
			return

		case in := <-c.inbound:
			if in.err != nil {
				m.connectionLost(c, fmt.Errorf("reading frame: %w", in.err))
				return
			}

			if in.typ == websocket.MessageBinary {
				m.logger.Debug("ignoring binary frame", slog.Int("bytes", len(in.data)))
				continue
			}

			if err := m.handleInbound(c, in.data); err != nil {
				m.connectionLost(c, err)
				return
			}

		case <-c.kick:
			if err := m.flush(c); err != nil {
				m.connectionLost(c, err)
				return
			}

		case <-c.ping:
			if err := m.write(c, Ping{Timestamp: time.Now().UnixMilli()}); err != nil {
				m.connectionLost(c, fmt.Errorf("sending ping: %w", err))
				return
			}
		}
	}
}

// handleInbound decodes one text frame. AuthenticationSuccess promotes
// the connection; everything else, including synthetic errors for
// undecodable frames, goes to subscribers.
func (m *Manager) handleInbound(c *connection, data []byte) error {
	msg := Decode(data)

	switch v := msg.(type) {
	case AuthenticationSuccess:
		m.mu.Lock()

		if m.active != c || m.state != StateConnected {
			state := m.state
			m.mu.Unlock()
			m.logger.Debug("ignoring authentication success", slog.String("state", state.String()))

			return nil
		}

		m.attempts = 0
		m.setStateLocked(StateAuthenticated, nil)
		pending := len(m.pending)
		m.mu.Unlock()

		m.logger.Info("channel authenticated",
			slog.String("user_id", v.UserID),
			slog.Int("pending", pending),
		)

		go m.heartbeat(c)

		return m.flush(c)

	case ErrorMessage:
		if v.Code == CodeUnknownType || v.Code == CodeMalformedFrame {
			m.logger.Warn("protocol error",
				slog.String("code", v.Code),
				slog.String("message", v.Message),
			)
		}
	}

	if dropped := m.events.Publish(Event{Message: msg, ReceivedAt: time.Now()}); dropped > 0 {
		m.logger.Debug("subscriber buffer full, event dropped",
			slog.String("type", msg.MessageType()),
			slog.Int("subscribers", dropped),
		)
	}

	return nil
}

// flush writes queued messages in FIFO order while the connection stays
// authenticated. A message whose write fails goes back to the head of
// the queue.
func (m *Manager) flush(c *connection) error {
	for {
		m.mu.Lock()

		if m.active != c || m.state != StateAuthenticated || len(m.pending) == 0 {
			m.mu.Unlock()
			return nil
		}

		msg := m.pending[0]
		m.pending[0] = nil
		m.pending = m.pending[1:]
		gen := m.queueGen
		m.mu.Unlock()

		data, err := Encode(msg)
		if err != nil {
			m.logger.Warn("dropping unencodable message",
				slog.String("type", msg.MessageType()),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := m.writeFrame(c, data); err != nil {
			m.mu.Lock()
			if m.queueGen == gen {
				m.pending = append([]Message{msg}, m.pending...)
			}
			m.mu.Unlock()

			return fmt.Errorf("sending %s: %w", msg.MessageType(), err)
		}
	}
}

// heartbeat asks the event loop for a Ping every interval. It checks the
// state on every tick and exits as soon as the connection is no longer
// the authenticated one.
func (m *Manager) heartbeat(c *connection) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		if !m.authenticatedOn(c) {
			return
		}

		select {
		case c.ping <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) authenticatedOn(c *connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.active == c && m.state == StateAuthenticated
}

// connectionLost tears down c after a transport failure and schedules a
// reconnect. Failures of a connection that is no longer active are
// ignored.
func (m *Manager) connectionLost(c *connection, err error) {
	m.mu.Lock()

	if m.active != c {
		m.mu.Unlock()
		return
	}

	m.active = nil
	c.cancel()
	m.logger.Warn("channel lost", slog.String("error", err.Error()))
	m.failLocked(err)
	m.mu.Unlock()

	_ = c.conn.Close(websocket.StatusGoingAway, "connection lost")
}

// failLocked moves to StateError and schedules a reconnect.
func (m *Manager) failLocked(err error) {
	m.setStateLocked(StateError, err)
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the reconnect timer with the next backoff
// delay. Once the attempt budget is spent the manager stays in
// StateError until the next Connect.
func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Error("reconnect attempts exhausted", slog.Int("attempts", m.attempts))
		return
	}

	delay := m.cfg.Backoff.Delay(m.attempts)
	m.attempts++
	m.setStateLocked(StateReconnecting, nil)

	m.logger.Warn("scheduling reconnect",
		slog.Int("attempt", m.attempts),
		slog.Duration("backoff", delay),
	)

	sess := m.session
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.reconnectAttempt(sess)
	})
}

func (m *Manager) reconnectAttempt(sess uint64) {
	m.mu.Lock()

	if sess != m.session || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}

	m.reconnectTimer = nil
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	m.open(context.Background(), sess)
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) setStateLocked(s ConnectionState, err error) {
	old := m.state
	if old == s && err == nil {
		return
	}

	m.state = s
	m.states.Publish(StateEvent{Old: old, New: s, Err: err})
}

// write encodes msg and writes it as a text frame.
func (m *Manager) write(c *connection, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	return m.writeFrame(c, data)
}

func (m *Manager) writeFrame(c *connection, data []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, m.cfg.WriteTimeout)
	defer cancel()

	return c.conn.Write(ctx, websocket.MessageText, data)
}
