// ABOUTME: Real-time channel server: authenticates observers, joins them to rooms, pushes events
// ABOUTME: Owns the connection table; producers reach connections only through the event bus

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/counsel-coordinator/internal/auth"
	"github.com/2389/counsel-coordinator/internal/clock"
	"github.com/2389/counsel-coordinator/internal/coordinator"
	"github.com/2389/counsel-coordinator/internal/dedupe"
	"github.com/2389/counsel-coordinator/internal/events"
	"github.com/2389/counsel-coordinator/internal/health"
)

// ErrPermissionDenied is returned when a non-admin attempts an admin action.
var ErrPermissionDenied = errors.New("permission denied")

const (
	defaultAuthTimeout    = 10 * time.Second
	defaultPingInterval   = 25 * time.Second
	defaultReadTimeout    = 60 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultReplayWindow   = 5 * time.Minute
	defaultMaxReplays     = 4096
	defaultCommandRate    = 1.0
	defaultCommandBurst   = 5
	defaultMaxMessageSize = 64 << 10

	replyBufferSize = 16
	pushBufferSize  = 64
)

// Commander runs admin mutations on behalf of a connection.
type Commander interface {
	RestartAgent(ctx context.Context, name string) coordinator.Result
	RestartAllAgents(ctx context.Context) coordinator.Result
}

// StatusSource answers synchronous status queries and seeds new metrics
// subscribers with the last report.
type StatusSource interface {
	Publish() (*health.Report, error)
	Latest() *health.Report
}

// Bus is the broadcast capability connections subscribe to.
type Bus interface {
	Publish(topic string, event *events.Event, excludeSubID string)
	Subscribe(ctx context.Context, topic string) (<-chan *events.Event, string)
	Unsubscribe(topic, subID string)
}

// Observer receives channel measurements.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	BreakerTransition(from, to string)
	MessageDropped(reason string)
	CommandHandled(command, outcome string)
}

// Options configures a Server. Verifier, Commander, Status and Bus are required.
type Options struct {
	Verifier  auth.PrincipalVerifier
	Commander Commander
	Status    StatusSource
	Bus       Bus
	Auditor   coordinator.Auditor
	Observer  Observer

	Breaker      BreakerConfig
	SessionTTL   time.Duration
	MaxSessions  int
	ReplayWindow time.Duration
	CommandRate  float64
	CommandBurst int

	AuthTimeout    time.Duration
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string

	Clock  clock.Clock
	Logger *slog.Logger
}

// ConnectionInfo describes one live connection.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	PrincipalID  string    `json:"principalId,omitempty"`
	Rooms        []string  `json:"rooms"`
	Breaker      State     `json:"breaker"`
	LastActivity time.Time `json:"lastActivity"`
}

// Server accepts observer connections.
type Server struct {
	verifier  auth.PrincipalVerifier
	commander Commander
	status    StatusSource
	bus       Bus
	auditor   coordinator.Auditor
	observer  Observer

	breakerCfg   BreakerConfig
	sessions     *Sessions
	replays      *dedupe.Cache
	commandRate  rate.Limit
	commandBurst int

	authTimeout    time.Duration
	pingInterval   time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64
	upgrader       websocket.Upgrader

	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

// NewServer validates opts and builds a Server.
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Verifier == nil:
		return nil, errors.New("channel server requires a principal verifier")
	case opts.Commander == nil:
		return nil, errors.New("channel server requires a commander")
	case opts.Status == nil:
		return nil, errors.New("channel server requires a status source")
	case opts.Bus == nil:
		return nil, errors.New("channel server requires a bus")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	clk := clock.OrSystem(opts.Clock)

	s := &Server{
		verifier:       opts.Verifier,
		commander:      opts.Commander,
		status:         opts.Status,
		bus:            opts.Bus,
		auditor:        opts.Auditor,
		observer:       observer,
		breakerCfg:     opts.Breaker.withDefaults(),
		sessions:       NewSessions(opts.MaxSessions, opts.SessionTTL),
		replays:        dedupe.NewWithClock(orDuration(opts.ReplayWindow, defaultReplayWindow), defaultMaxReplays, clk),
		commandRate:    rate.Limit(orFloat(opts.CommandRate, defaultCommandRate)),
		commandBurst:   orInt(opts.CommandBurst, defaultCommandBurst),
		authTimeout:    orDuration(opts.AuthTimeout, defaultAuthTimeout),
		pingInterval:   orDuration(opts.PingInterval, defaultPingInterval),
		readTimeout:    orDuration(opts.ReadTimeout, defaultReadTimeout),
		writeTimeout:   orDuration(opts.WriteTimeout, defaultWriteTimeout),
		maxMessageSize: opts.MaxMessageSize,
		clock:          clk,
		logger:         logger.With("component", "channel"),
		conns:          make(map[string]*conn),
	}
	if s.maxMessageSize <= 0 {
		s.maxMessageSize = defaultMaxMessageSize
	}

	origins := slices.Clone(opts.AllowedOrigins)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			return slices.Contains(origins, r.Header.Get("Origin"))
		},
	}
	return s, nil
}

// ServeHTTP upgrades the request to a WebSocket and serves it until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	s.Serve(newWSTransport(ws, s.readTimeout, s.writeTimeout, s.maxMessageSize))
}

// Serve runs one connection over t and returns when it ends.
func (s *Server) Serve(t Transport) {
	c := newConn(s, t)
	if !s.add(c) {
		_ = t.Write(events.New(TypeDisconnected, DisconnectedPayload{Reason: ReasonShutdown}, s.clock.Now()))
		_ = t.Close()
		return
	}
	defer s.remove(c)

	s.observer.ConnectionOpened()
	s.logger.Info("connection opened", "connection_id", c.id)

	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	authTimer := time.AfterFunc(s.authTimeout, c.authExpired)
	defer authTimer.Stop()

	c.readPump()
}

func (s *Server) add(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	return true
}

func (s *Server) remove(c *conn) {
	c.close()

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	if token := c.sessionToken(); token != "" {
		s.sessions.SetRooms(token, c.roomList())
	}
	if c.breaker.State() != StateClosed {
		s.stateChanged()
	}
	s.observer.ConnectionClosed()
	s.logger.Info("connection closed", "connection_id", c.id)
}

// OpenBreakers counts connections whose breaker is not closed.
func (s *Server) OpenBreakers() int {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	n := 0
	for _, c := range conns {
		if c.breaker.State() != StateClosed {
			n++
		}
	}
	return n
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Connections returns a snapshot of every live connection, ordered by id.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	slices.SortFunc(out, func(a, b ConnectionInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Close tells every connection the server is shutting down and waits for
// their writers to finish or ctx to end.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.kickOff(ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer s.replays.Close()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			c.close()
		}
		return fmt.Errorf("closing channel server: %w", ctx.Err())
	}
}

func (s *Server) stateChanged() {
	s.bus.Publish(events.TopicStateChanged, events.New(events.TypeStateChanged, nil, s.clock.Now()), "")
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened()             {}
func (nopObserver) ConnectionClosed()             {}
func (nopObserver) BreakerTransition(_, _ string) {}
func (nopObserver) MessageDropped(string)         {}
func (nopObserver) CommandHandled(_, _ string)    {}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
