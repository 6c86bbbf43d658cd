// Package authority is a reference authority: it accepts client channels
// on /sync, checks the protocol version in the init handshake, answers
// pings, and resolves or rejects transitions through a Decider.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/lofi/internal/conn"
	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/wire"
)

// shutdownGrace bounds how long ListenAndServe waits for handlers on exit.
const shutdownGrace = 5 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithDecider replaces AcceptAll.
func WithDecider(d Decider) Option {
	return func(s *Server) { s.decider = d }
}

// WithVersion sets the protocol version the authority speaks.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCodec replaces the JSON codec.
func WithCodec(c wire.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// Server is the reference authority.
//
// Thread-safety: all methods are safe for concurrent use.
type Server struct {
	version  string
	decider  Decider
	codec    wire.Codec
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router

	mu      sync.Mutex
	clients map[*client]struct{}

	answered atomic.Uint64
}

// New creates a server speaking ir.ProtocolVersion unless overridden.
func New(opts ...Option) *Server {
	s := &Server{
		version: ir.ProtocolVersion,
		decider: AcceptAll,
		codec:   wire.JSONCodec{},
		logger:  slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.sync)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	s.router = r
	return s
}

// Handler returns the HTTP handler serving /sync and /healthz.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("authority listening", "addr", addr, "version", s.version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.closeClients(websocket.CloseGoingAway, "authority shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Broadcast sends p to every connected client and returns how many
// received it.
func (s *Server) Broadcast(p wire.Patch) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.clients {
		if err := c.Send(p); err != nil {
			s.logger.Warn("broadcast failed", "session", c.session, "error", err)
			continue
		}
		n++
	}
	return n
}

// Clients returns the number of clients past the handshake.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info("handled", "method", r.Method, "url", r.URL.String(), "duration", m.Duration, "status", m.Code)
	})
}

type health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Clients  int    `json:"clients"`
	Answered uint64 `json:"answered"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health{
		Status:   "ok",
		Version:  s.version,
		Clients:  s.Clients(),
		Answered: s.answered.Load(),
	}); err != nil {
		s.logger.Error("failed to write health", "error", err)
	}
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "error", err)
		return
	}
	sock := conn.WrapConn(ws)
	defer sock.Close(websocket.CloseNormalClosure, "")

	init, err := s.handshake(sock)
	if err != nil {
		s.logger.Warn("handshake failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{sock: sock, codec: s.codec, session: init.Session}
	s.register(c)
	defer s.unregister(c)
	s.logger.Info("client connected", "session", c.session, "version", init.Version)

	if err := s.serve(r.Context(), c); err != nil {
		s.logger.Debug("client disconnected", "session", c.session, "error", err)
	}
}

// handshake reads the init frame and closes the socket when it is missing
// or names an incompatible version.
func (s *Server) handshake(sock conn.Socket) (wire.Init, error) {
	frame, err := sock.ReadMessage()
	if err != nil {
		return wire.Init{}, fmt.Errorf("read init: %w", err)
	}
	msg, err := s.codec.Decode(frame)
	if err != nil {
		sock.Close(websocket.ClosePolicyViolation, "expected init")
		return wire.Init{}, err
	}
	init, ok := msg.(wire.Init)
	if !ok {
		sock.Close(websocket.ClosePolicyViolation, "expected init")
		return wire.Init{}, fmt.Errorf("first frame was %s", msg.MessageType())
	}
	if !wire.Compatible(init.Version, s.version) {
		sock.Close(wire.CloseIncompatible, "incompatible protocol version")
		return wire.Init{}, fmt.Errorf("incompatible version %q (authority speaks %q)", init.Version, s.version)
	}
	return init, nil
}

func (s *Server) serve(ctx context.Context, c *client) error {
	for {
		frame, err := c.sock.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := s.codec.Decode(frame)
		if err != nil {
			s.logger.Warn("discarding malformed frame", "session", c.session, "error", err)
			continue
		}

		switch m := msg.(type) {
		case wire.Ping:
			err = c.Send(wire.Pong{})
		case wire.Transition:
			err = s.answer(ctx, c, m)
		default:
			s.logger.Debug("ignoring frame", "session", c.session, "type", string(msg.MessageType()))
		}
		if err != nil {
			return err
		}
	}
}

func (s *Server) answer(ctx context.Context, c *client, tr wire.Transition) error {
	d := s.decider.Decide(ctx, c.session, tr)
	s.answered.Add(1)

	var reply wire.Message = wire.Resolve{ID: tr.ID}
	if !d.Accept {
		reply = wire.Reject{ID: tr.ID, Reason: d.Reason}
	}
	s.logger.Debug("transition answered",
		"session", c.session,
		"runner_id", tr.ID,
		"action", tr.Action,
		"accepted", d.Accept,
	)
	if err := c.Send(reply); err != nil {
		return err
	}
	if len(d.Patch) > 0 {
		s.Broadcast(wire.Patch{Transformations: d.Patch})
	}
	return nil
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

func (s *Server) closeClients(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.sock.Close(code, reason)
	}
}

// client is one channel past the handshake. Writes are serialised.
type client struct {
	sock    conn.Socket
	codec   wire.Codec
	session string

	mu sync.Mutex
}

func (c *client) Send(m wire.Message) error {
	frame, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteMessage(frame)
}
