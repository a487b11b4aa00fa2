// ABOUTME: One observer connection: read pump handles requests, write pump owns every write
// ABOUTME: Pushes pass through the connection's circuit breaker; replies go straight out

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/counsel-coordinator/internal/auth"
	"github.com/2389/counsel-coordinator/internal/coordinator"
	"github.com/2389/counsel-coordinator/internal/events"
	"github.com/2389/counsel-coordinator/internal/store"
)

var errUnknownRoom = errors.New("unknown room")

type subscription struct {
	id     string
	cancel context.CancelFunc
}

type conn struct {
	id        string
	srv       *Server
	transport Transport
	breaker   *Breaker
	limiter   *rate.Limiter
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	replies chan *events.Event
	pushes  chan *events.Event
	kick    chan string

	mu           sync.Mutex
	auth         *auth.AuthContext
	session      string
	rooms        map[string]subscription
	lastActivity time.Time

	closeOnce sync.Once
}

func newConn(s *Server, t Transport) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	logger := s.logger.With("connection_id", id)

	c := &conn{
		id:           id,
		srv:          s,
		transport:    t,
		limiter:      rate.NewLimiter(s.commandRate, s.commandBurst),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		replies:      make(chan *events.Event, replyBufferSize),
		pushes:       make(chan *events.Event, pushBufferSize),
		kick:         make(chan string, 1),
		rooms:        make(map[string]subscription),
		lastActivity: s.clock.Now(),
	}
	c.breaker = NewBreaker(s.breakerCfg, s.clock, func(from, to State) {
		logger.Info("breaker transition", "from", from, "to", to)
		s.observer.BreakerTransition(string(from), string(to))
		if from == StateClosed || to == StateClosed {
			s.stateChanged()
		}
	})
	return c
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.transport.Close()
	})
}

// kickOff asks the write pump to send a disconnected frame and close.
func (c *conn) kickOff(reason string) {
	select {
	case c.kick <- reason:
	default:
	}
}

func (c *conn) authExpired() {
	if c.principal() == nil {
		c.logger.Warn("connection did not authenticate in time")
		c.kickOff(ReasonAuthTimeout)
	}
}

func (c *conn) principal() *auth.AuthContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

func (c *conn) sessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *conn) roomList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	slices.Sort(rooms)
	return rooms
}

func (c *conn) subID(room string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[room].id
}

func (c *conn) info() ConnectionInfo {
	c.mu.Lock()
	info := ConnectionInfo{ID: c.id, LastActivity: c.lastActivity}
	if c.auth != nil {
		info.PrincipalID = c.auth.PrincipalID
	}
	c.mu.Unlock()
	info.Rooms = c.roomList()
	info.Breaker = c.breaker.State()
	return info
}

func (c *conn) touch() {
	now := c.srv.clock.Now()
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// readPump handles inbound frames until the transport fails or closes.
func (c *conn) readPump() {
	for {
		msg, err := c.transport.Read()
		if err != nil {
			if errors.Is(err, errMalformed) {
				c.replyError(CodeBadRequest, "message is not valid JSON")
				continue
			}
			c.logger.Debug("read ended", "error", err)
			return
		}
		c.touch()
		c.handle(msg)
	}
}

func (c *conn) handle(msg *Message) {
	if msg.Type == TypeAuth {
		c.handleAuth(msg.Payload)
		return
	}
	if c.principal() == nil {
		c.replyError(CodeUnauthenticated, "authenticate first")
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		c.handleSubscribe(msg.Payload)
	case TypeUnsubscribe:
		c.handleUnsubscribe(msg.Payload)
	case TypeStatus:
		c.handleStatus()
	case TypeCommand:
		c.handleCommand(msg.Payload)
	default:
		c.replyError(CodeBadRequest, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (c *conn) handleAuth(raw json.RawMessage) {
	var p AuthPayload
	if err := decode(raw, &p); err != nil {
		c.replyError(CodeBadRequest, "invalid auth payload")
		return
	}
	if c.principal() != nil {
		c.replyError(CodeBadRequest, "already authenticated")
		return
	}

	if sess, ok := c.srv.sessions.Resume(p.Session); ok {
		c.setAuth(sess.Auth(), sess.Token)
		joined := make([]string, 0, len(sess.Rooms))
		for _, room := range sess.Rooms {
			if err := c.subscribe(room); err != nil {
				c.logger.Warn("dropping room on resume", "room", room, "error", err)
				continue
			}
			joined = append(joined, room)
		}
		c.srv.sessions.SetRooms(sess.Token, joined)
		c.logger.Info("session resumed", "principal", sess.PrincipalID, "rooms", joined)
		c.reply(TypeWelcome, WelcomePayload{
			ConnectionID: c.id,
			Session:      sess.Token,
			PrincipalID:  sess.PrincipalID,
			Resumed:      true,
			Rooms:        joined,
		})
		return
	}

	if p.Token == "" {
		msg := "token required"
		if p.Session != "" {
			msg = "session expired, token required"
		}
		c.replyError(CodeUnauthenticated, msg)
		return
	}

	ac, err := c.srv.verifier.VerifyPrincipal(c.ctx, p.Token)
	if err != nil {
		c.logger.Warn("authentication failed", "error", err)
		c.replyError(CodeUnauthenticated, "invalid token")
		return
	}

	sess := c.srv.sessions.Create(ac)
	c.setAuth(ac, sess.Token)
	c.logger.Info("connection authenticated", "principal", ac.PrincipalID, "admin", ac.IsAdmin())
	c.reply(TypeWelcome, WelcomePayload{
		ConnectionID: c.id,
		Session:      sess.Token,
		PrincipalID:  ac.PrincipalID,
		Rooms:        []string{},
	})
}

func (c *conn) setAuth(ac *auth.AuthContext, token string) {
	c.mu.Lock()
	c.auth = ac
	c.session = token
	c.mu.Unlock()
}

func (c *conn) handleSubscribe(raw json.RawMessage) {
	var p RoomsPayload
	if err := decode(raw, &p); err != nil || len(p.Rooms) == 0 {
		c.replyError(CodeBadRequest, "subscribe needs at least one room")
		return
	}

	for _, room := range p.Rooms {
		err := c.subscribe(room)
		switch {
		case err == nil:
		case errors.Is(err, ErrPermissionDenied):
			c.denied(store.AuditPermissionDenied, "room", room, err)
			c.replyError(CodePermissionDenied, err.Error())
		case errors.Is(err, errUnknownRoom):
			c.replyError(CodeUnknownRoom, err.Error())
		default:
			c.replyError(CodeInternal, err.Error())
		}
	}

	rooms := c.roomList()
	c.srv.sessions.SetRooms(c.sessionToken(), rooms)
	c.reply(TypeSubscribed, RoomsPayload{Rooms: rooms})
}

func (c *conn) subscribe(room string) error {
	if !events.IsRoom(room) {
		return fmt.Errorf("%w: %q", errUnknownRoom, room)
	}
	if room == events.TopicAdmin && !c.principal().IsAdmin() {
		return fmt.Errorf("%w: joining %s requires the admin role", ErrPermissionDenied, room)
	}

	c.mu.Lock()
	if _, joined := c.rooms[room]; joined {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(c.ctx)
	ch, subID := c.srv.bus.Subscribe(ctx, room)
	c.rooms[room] = subscription{id: subID, cancel: cancel}
	c.mu.Unlock()

	go c.forward(ch)

	if room == events.TopicMetrics {
		if r := c.srv.status.Latest(); r != nil {
			c.enqueue(events.New(events.TypeMetrics, r, c.srv.clock.Now()))
		}
	}
	return nil
}

func (c *conn) handleUnsubscribe(raw json.RawMessage) {
	var p RoomsPayload
	if err := decode(raw, &p); err != nil {
		c.replyError(CodeBadRequest, "invalid unsubscribe payload")
		return
	}

	for _, room := range p.Rooms {
		c.mu.Lock()
		sub, ok := c.rooms[room]
		delete(c.rooms, room)
		c.mu.Unlock()
		if ok {
			c.srv.bus.Unsubscribe(room, sub.id)
			sub.cancel()
		}
	}

	rooms := c.roomList()
	c.srv.sessions.SetRooms(c.sessionToken(), rooms)
	c.reply(TypeUnsubscribed, RoomsPayload{Rooms: rooms})
}

func (c *conn) handleStatus() {
	report, err := c.srv.status.Publish()
	if err != nil {
		c.logger.Warn("status query degraded", "error", err)
	}
	if report == nil {
		c.replyError(CodeInternal, "no health report available")
		return
	}
	c.reply(events.TypeMetrics, report)
}

func (c *conn) handleCommand(raw json.RawMessage) {
	var p CommandPayload
	if err := decode(raw, &p); err != nil || p.Command == "" {
		c.replyError(CodeBadRequest, "command payload needs a command")
		return
	}
	res := CommandResult{RequestID: p.RequestID, Command: p.Command}
	ac := c.principal()

	if !ac.IsAdmin() {
		err := fmt.Errorf("%w: %s requires the admin role", ErrPermissionDenied, p.Command)
		c.denied(store.AuditPermissionDenied, "command", p.Command, err)
		res.Message, res.Code = err.Error(), CodePermissionDenied
		c.srv.observer.CommandHandled(p.Command, "denied")
		c.reply(events.TypeCommandResult, res)
		return
	}

	key := ac.PrincipalID + "/" + p.RequestID
	if p.RequestID != "" {
		if prev, ok := c.srv.replays.Recall(key); ok {
			if prevRes, ok := prev.(CommandResult); ok {
				c.logger.Info("replaying command result", "request_id", p.RequestID)
				c.srv.observer.CommandHandled(p.Command, "replayed")
				c.reply(events.TypeCommandResult, prevRes)
				return
			}
		}
		if c.srv.replays.CheckAndMark(key) {
			res.Message, res.Code = "request already in progress", CodeBadRequest
			c.reply(events.TypeCommandResult, res)
			return
		}
	}

	if !c.limiter.Allow() {
		if p.RequestID != "" {
			c.srv.replays.Forget(key)
		}
		res.Message, res.Code = "too many commands, slow down", CodeRateLimited
		c.srv.observer.CommandHandled(p.Command, "rate_limited")
		c.reply(events.TypeCommandResult, res)
		return
	}

	ctx := auth.WithAuth(c.ctx, ac)
	var out coordinator.Result
	switch p.Command {
	case CommandRestartAgent:
		if p.Agent == "" {
			c.srv.replays.Forget(key)
			res.Message, res.Code = "restart-agent needs an agent", CodeBadRequest
			c.reply(events.TypeCommandResult, res)
			return
		}
		out = c.srv.commander.RestartAgent(ctx, p.Agent)
	case CommandRestartAll:
		out = c.srv.commander.RestartAllAgents(ctx)
	default:
		c.srv.replays.Forget(key)
		res.Message, res.Code = fmt.Sprintf("unknown command %q", p.Command), CodeUnknownCommand
		c.srv.observer.CommandHandled(p.Command, "unknown")
		c.reply(events.TypeCommandResult, res)
		return
	}

	res.Success, res.Message = out.Success, out.Message
	if p.RequestID != "" {
		c.srv.replays.Remember(key, res)
	}
	outcome := "ok"
	if !out.Success {
		outcome = "failed"
	}
	c.srv.observer.CommandHandled(p.Command, outcome)

	c.reply(events.TypeCommandResult, res)
	c.srv.bus.Publish(events.TopicAdmin, events.New(events.TypeCommandResult, res, c.srv.clock.Now()), c.subID(events.TopicAdmin))
}

// denied logs and audits a rejected admin action.
func (c *conn) denied(action store.AuditAction, targetType, targetID string, err error) {
	principal := c.principal()
	c.logger.Warn("admin action denied",
		"principal", principal.PrincipalID,
		"target", targetType+"/"+targetID,
		"error", err,
	)
	if c.srv.auditor == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	auditErr := c.srv.auditor.AppendAuditLog(actx, &store.AuditEntry{
		ActorPrincipalID: principal.PrincipalID,
		Action:           action,
		TargetType:       targetType,
		TargetID:         targetID,
		Timestamp:        c.srv.clock.Now().UTC(),
		Detail:           map[string]any{"connection_id": c.id},
	})
	if auditErr != nil {
		c.logger.Error("writing audit entry", "error", auditErr)
	}
}

func (c *conn) forward(ch <-chan *events.Event) {
	for ev := range ch {
		c.enqueue(ev)
	}
}

// enqueue hands a push to the write pump without blocking the bus.
func (c *conn) enqueue(ev *events.Event) {
	select {
	case c.pushes <- ev:
	case <-c.ctx.Done():
	default:
		c.srv.observer.MessageDropped("queue_full")
	}
}

func (c *conn) reply(msgType string, payload any) {
	select {
	case c.replies <- events.New(msgType, payload, c.srv.clock.Now()):
	case <-c.ctx.Done():
	}
}

func (c *conn) replyError(code, message string) {
	c.reply(TypeError, ErrorPayload{Code: code, Message: message})
}

// writePump is the only writer on the transport.
func (c *conn) writePump() {
	ping := time.NewTicker(c.srv.pingInterval)
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer func() {
		ping.Stop()
		retry.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case reason := <-c.kick:
			c.sendDisconnect(reason)
			return
		case ev := <-c.replies:
			if err := c.transport.Write(ev); err != nil {
				c.logger.Debug("reply failed", "type", ev.Type, "error", err)
				if c.breaker.Failure() {
					c.giveUp()
					return
				}
			}
		case ev := <-c.pushes:
			if c.deliver(ev) {
				return
			}
		case <-retry.C:
			if c.flushPending() {
				return
			}
		case <-ping.C:
			if err := c.transport.Ping(); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}

		if c.breaker.HasPending() {
			retry.Reset(c.breaker.RetryIn())
		}
	}
}

// deliver pushes ev through the breaker. It returns true when the
// connection should be dropped.
func (c *conn) deliver(ev *events.Event) bool {
	if !c.breaker.Allow() {
		if c.breaker.HasPending() {
			c.srv.observer.MessageDropped("superseded")
		}
		c.breaker.Hold(ev)
		return false
	}
	return c.push(ev)
}

func (c *conn) flushPending() bool {
	ev, ok := c.breaker.TakePending()
	if !ok {
		return false
	}
	if !c.breaker.Allow() {
		c.breaker.Hold(ev)
		return false
	}
	return c.push(ev)
}

func (c *conn) push(ev *events.Event) bool {
	if err := c.transport.Write(ev); err != nil {
		c.logger.Debug("push failed", "type", ev.Type, "error", err)
		if c.breaker.Failure() {
			c.giveUp()
			return true
		}
		if c.breaker.State() != StateClosed {
			c.breaker.Hold(ev)
		} else {
			c.srv.observer.MessageDropped("send_failed")
		}
		return false
	}
	c.breaker.Success()
	return false
}

func (c *conn) giveUp() {
	c.logger.Warn("breaker gave up on connection", "cooldown", c.breaker.Cooldown())
	c.sendDisconnect(ReasonCircuitOpen)
}

func (c *conn) sendDisconnect(reason string) {
	ev := events.New(TypeDisconnected, DisconnectedPayload{Reason: reason}, c.srv.clock.Now())
	if err := c.transport.Write(ev); err != nil {
		c.logger.Debug("disconnect frame not delivered", "reason", reason, "error", err)
	}
	c.logger.Info("disconnecting", "reason", reason)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
