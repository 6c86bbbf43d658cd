// Package conn maintains the client's channel to the authority: one attempt
// at a time, an init handshake per connection, a ping/pong heartbeat and a
// fixed-delay reconnect loop.
package conn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/roach88/lofi/internal/metrics"
	"github.com/roach88/lofi/internal/wire"
)

// Defaults for Config fields left zero.
const (
	DefaultReconnectDelay    = 500 * time.Millisecond
	DefaultHeartbeatInterval = 5 * time.Second / 3
	DefaultMaxMissedPongs    = 3
)

// ErrIncompatible is returned by Run when the authority closed the channel
// with wire.CloseIncompatible.
var ErrIncompatible = errors.New("conn: authority rejected the protocol version")

// ErrClosed is returned when sending on a channel that has closed.
var ErrClosed = errors.New("conn: channel closed")

// Config describes the endpoint and the timing policy.
type Config struct {
	URL     string
	Version string
	Session string

	// ReconnectDelay is the minimum interval between attempt starts.
	ReconnectDelay time.Duration

	HeartbeatInterval time.Duration
	MaxMissedPongs    int
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = DefaultMaxMissedPongs
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithCodec replaces the JSON codec.
func WithCodec(c wire.Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records attempts.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager runs the reconnect loop.
//
// Thread-safety: Run is called once. Events are reported one at a time.
type Manager struct {
	cfg     Config
	dialer  Dialer
	codec   wire.Codec
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	mu      sync.Mutex
	attempt uint64
	report  func(Event)
}

// New creates a manager for cfg.
func New(cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:     cfg,
		dialer:  WebsocketDialer{},
		codec:   wire.JSONCodec{},
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectDelay), 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("url", cfg.URL)
	return m
}

// Run connects and reconnects until ctx is cancelled or the authority
// rejects the protocol version. Attempt starts are at least ReconnectDelay
// apart however quickly attempts fail. Every event is passed to report;
// events of an attempt that is no longer current are dropped.
//
// Returns nil on cancellation and ErrIncompatible after a 4001 close.
func (m *Manager) Run(ctx context.Context, report func(Event)) error {
	m.mu.Lock()
	m.report = report
	m.mu.Unlock()

	for {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil
		}
		id := m.begin()
		code := m.connectOnce(ctx, id)
		if code == wire.CloseIncompatible {
			m.logger.Error("authority rejected protocol version; not reconnecting",
				"attempt", id, "version", m.cfg.Version)
			return ErrIncompatible
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Attempt returns the id of the current attempt, 0 before the first.
func (m *Manager) Attempt() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *Manager) begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt++
	m.metrics.ConnectionAttempt()
	return m.attempt
}

// emit reports ev unless id is stale.
func (m *Manager) emit(id uint64, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != m.attempt {
		m.logger.Debug("dropping event from stale attempt", "attempt", id, "current", m.attempt, "kind", ev.Kind.String())
		return
	}
	ev.Attempt = id
	if m.report != nil {
		m.report(ev)
	}
}

// connectOnce runs one attempt to completion and returns its close code.
func (m *Manager) connectOnce(ctx context.Context, id uint64) int {
	logger := m.logger.With("attempt", id)

	sock, err := m.dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		logger.Warn("connection attempt failed", "error", err)
		return 0
	}

	l := &link{sock: sock, codec: m.codec}
	stopClose := context.AfterFunc(ctx, func() {
		l.closeWith(websocket.CloseNormalClosure, "client shutting down")
	})
	defer stopClose()

	if err := l.Send(wire.Init{Version: m.cfg.Version, Session: m.cfg.Session}); err != nil {
		logger.Warn("handshake failed", "error", err)
		l.closeWith(websocket.CloseProtocolError, "handshake failed")
		return 0
	}
	logger.Info("connected")
	m.emit(id, Event{Kind: EventConnected, Sender: l})

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.heartbeat(hbCtx, id, l, logger)
	}()

	code, err := m.readLoop(id, l)
	stopHeartbeat()
	wg.Wait()
	l.closeWith(websocket.CloseNormalClosure, "")

	logger.Info("disconnected", "code", code, "error", err)
	m.emit(id, Event{Kind: EventDisconnected, Code: code, Err: err})
	return code
}

// readLoop forwards frames until the socket fails. Pongs are consumed here.
func (m *Manager) readLoop(id uint64, l *link) (int, error) {
	for {
		frame, err := l.sock.ReadMessage()
		if err != nil {
			return l.closeCode(err), err
		}
		if m.isPong(frame) {
			if l.pong() {
				m.emit(id, Event{Kind: EventStable})
			}
			continue
		}
		m.emit(id, Event{Kind: EventMessage, Frame: frame})
	}
}

func (m *Manager) isPong(frame []byte) bool {
	msg, err := m.codec.Decode(frame)
	return err == nil && msg.MessageType() == wire.TypePong
}

// heartbeat pings every interval and closes the socket with
// wire.CloseHeartbeatTimeout once MaxMissedPongs pings went unanswered.
func (m *Manager) heartbeat(ctx context.Context, id uint64, l *link, logger *slog.Logger) {
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		missed := int(l.missed.Load())
		if missed >= m.cfg.MaxMissedPongs {
			logger.Warn("heartbeat timed out", "missed", missed)
			l.closeWith(wire.CloseHeartbeatTimeout, "heartbeat timeout")
			return
		}
		if missed >= 1 && l.unstable.CompareAndSwap(false, true) {
			m.emit(id, Event{Kind: EventUnstable})
		}
		l.missed.Add(1)
		if err := l.Send(wire.Ping{}); err != nil {
			logger.Debug("ping failed", "error", err)
		}
	}
}

// link is the wire.Sender handed out for one connection.
type link struct {
	sock  Socket
	codec wire.Codec

	mu        sync.Mutex
	closed    bool
	localCode int

	missed   atomic.Int32
	unstable atomic.Bool
}

// Send implements wire.Sender.
func (l *link) Send(msg wire.Message) error {
	frame, err := l.codec.Encode(msg)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.sock.WriteMessage(frame)
}

// pong resets the heartbeat and reports whether the link was unstable.
func (l *link) pong() bool {
	l.missed.Store(0)
	return l.unstable.CompareAndSwap(true, false)
}

func (l *link) closeWith(code int, reason string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.localCode = code
	l.mu.Unlock()
	_ = l.sock.Close(code, reason)
}

// closeCode prefers the code this side closed with, then the peer's.
func (l *link) closeCode(err error) int {
	l.mu.Lock()
	local := l.localCode
	l.mu.Unlock()
	if local != 0 {
		return local
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
