// ABOUTME: Tests for the channel server over an in-memory transport and a real WebSocket
// ABOUTME: Covers auth, rooms, resume, admin gating, replay, rate limits and breaker behavior

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/counsel-coordinator/internal/auth"
	"github.com/2389/counsel-coordinator/internal/coordinator"
	"github.com/2389/counsel-coordinator/internal/events"
	"github.com/2389/counsel-coordinator/internal/health"
	"github.com/2389/counsel-coordinator/internal/store"
)

type fakeTransport struct {
	in     chan *Message
	out    chan *events.Event
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	failing bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan *Message, 16),
		out:    make(chan *events.Event, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read() (*Message, error) {
	select {
	case m := <-f.in:
		if m == nil {
			return nil, fmt.Errorf("%w: garbage", errMalformed)
		}
		return m, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) Write(ev *events.Event) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return errors.New("write: broken pipe")
	}
	select {
	case f.out <- ev:
	default:
	}
	return nil
}

func (f *fakeTransport) Ping() error { return nil }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeTransport) send(t *testing.T, msgType string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = data
	}
	f.in <- &Message{Type: msgType, Payload: raw, Timestamp: time.Now()}
}

func (f *fakeTransport) next(t *testing.T) *events.Event {
	t.Helper()
	select {
	case ev := <-f.out:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// expect reads frames until one of msgType arrives.
func (f *fakeTransport) expect(t *testing.T, msgType string) *events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.out:
			if ev.Type == msgType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
			return nil
		}
	}
}

type stubVerifier struct{}

func (stubVerifier) VerifyPrincipal(_ context.Context, token string) (*auth.AuthContext, error) {
	switch token {
	case "admin-token":
		return &auth.AuthContext{PrincipalID: "ops-1", Roles: []string{"admin"}}, nil
	case "member-token":
		return &auth.AuthContext{PrincipalID: "paralegal-7", Roles: []string{"member"}}, nil
	}
	return nil, auth.ErrInvalidToken
}

type stubCommander struct {
	mu     sync.Mutex
	calls  []string
	actors []string
}

func (s *stubCommander) record(ctx context.Context, call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	s.actors = append(s.actors, auth.PrincipalID(ctx))
}

func (s *stubCommander) RestartAgent(ctx context.Context, name string) coordinator.Result {
	s.record(ctx, "restart-agent:"+name)
	return coordinator.Result{Success: true, Message: "agent " + name + " restarted"}
}

func (s *stubCommander) RestartAllAgents(ctx context.Context) coordinator.Result {
	s.record(ctx, "restart-all")
	return coordinator.Result{Success: true, Message: "restarted 8 agents"}
}

func (s *stubCommander) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubStatus struct {
	report *health.Report
}

func (s *stubStatus) Publish() (*health.Report, error) { return s.report, nil }
func (s *stubStatus) Latest() *health.Report           { return s.report }

type recordingAuditor struct {
	mu      sync.Mutex
	entries []store.AuditEntry
}

func (r *recordingAuditor) AppendAuditLog(_ context.Context, e *store.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *e)
	return nil
}

func (r *recordingAuditor) all() []store.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.AuditEntry(nil), r.entries...)
}

type fixture struct {
	srv       *Server
	bus       *events.Broadcaster
	commander *stubCommander
	auditor   *recordingAuditor
	report    *health.Report
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		bus:       events.NewBroadcaster(nil),
		commander: &stubCommander{},
		auditor:   &recordingAuditor{},
		report: &health.Report{
			Status:       health.StatusHealthy,
			AgentSummary: health.AgentSummary{Total: 1, Running: 1},
		},
	}
	t.Cleanup(f.bus.Close)

	opts := Options{
		Verifier:     stubVerifier{},
		Commander:    f.commander,
		Status:       &stubStatus{report: f.report},
		Bus:          f.bus,
		Auditor:      f.auditor,
		PingInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(opts)
	require.NoError(t, err)
	f.srv = srv
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Close(ctx)
	})
	return f
}

// connect serves a fake transport and returns it with a channel closed when Serve returns.
func (f *fixture) connect() (*fakeTransport, <-chan struct{}) {
	ft := newFakeTransport()
	done := make(chan struct{})
	go func() {
		f.srv.Serve(ft)
		close(done)
	}()
	return ft, done
}

func (f *fixture) login(t *testing.T, token string) (*fakeTransport, WelcomePayload) {
	t.Helper()
	ft, _ := f.connect()
	ft.send(t, TypeAuth, AuthPayload{Token: token})
	ev := ft.expect(t, TypeWelcome)
	welcome, ok := ev.Payload.(WelcomePayload)
	require.True(t, ok)
	return ft, welcome
}

func errorCode(t *testing.T, ev *events.Event) string {
	t.Helper()
	p, ok := ev.Payload.(ErrorPayload)
	require.True(t, ok, "payload %T", ev.Payload)
	return p.Code
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

func TestServer_RequiresAuthFirst(t *testing.T) {
	f := newFixture(t, nil)
	ft, _ := f.connect()

	ft.send(t, TypeSubscribe, RoomsPayload{Rooms: []string{"metrics"}})
	ev := ft.next(t)
	assert.Equal(t, TypeError, ev.Type)
	assert.Equal(t, CodeUnauthenticated, errorCode(t, ev))
}

func TestServer_RejectsBadToken(t *testing.T) {
	f := newFixture(t, nil)
	ft, _ := f.connect()

	ft.send(t, TypeAuth, AuthPayload{Token: "forged"})
	ev := ft.next(t)
	assert.Equal(t, CodeUnauthenticated, errorCode(t, ev))

	ft.send(t, TypeAuth, AuthPayload{Token: "member-token"})
	assert.Equal(t, TypeWelcome, ft.next(t).Type, "a failed attempt can be retried")
}

func TestServer_WelcomeIssuesSession(t *testing.T) {
	f := newFixture(t, nil)
	_, welcome := f.login(t, "member-token")

	assert.NotEmpty(t, welcome.ConnectionID)
	assert.NotEmpty(t, welcome.Session)
	assert.Equal(t, "paralegal-7", welcome.PrincipalID)
	assert.False(t, welcome.Resumed)
	assert.Equal(t, 1, f.srv.ConnectionCount())
}

func TestServer_MalformedFrameKeepsConnection(t *testing.T) {
	f := newFixture(t, nil)
	ft, _ := f.login(t, "member-token")

	ft.in <- nil
	assert.Equal(t, CodeBadRequest, errorCode(t, ft.next(t)))

	ft.send(t, "dance", nil)
	assert.Equal(t, CodeBadRequest, errorCode(t, ft.next(t)))
}

func TestServer_SubscribeSeedsMetricsAndPushesEvents(t *testing.T) {
	f := newFixture(t, nil)
	ft, _ := f.login(t, "member-token")

	ft.send(t, TypeSubscribe, RoomsPayload{Rooms: []string{"metrics", "agent-updates"}})
	seen := map[string]*events.Event{}
	for range 2 {
		ev := ft.next(t)
		seen[ev.Type] = ev
	}
	require.Contains(t, seen, TypeSubscribed)
	assert.Equal(t, RoomsPayload{Rooms: []string{"agent-updates", "metrics"}}, seen[TypeSubscribed].Payload)
	require.Contains(t, seen, events.TypeMetrics)
	assert.Same(t, f.report, seen[events.TypeMetrics].Payload)

	f.bus.Publish(events.TopicAgentUpdates, events.New(events.TypeAgentRestarted, "crm-sync", time.Now()), "")
	ev := ft.expect(t, events.TypeAgentRestarted)
	assert.Equal(t, "crm-sync", ev.Payload)
}

func TestServer_UnknownRoom(t *testing.T) {
	f := newFixture(t, nil)
	ft, _ := f.login(t, "member-token")

	ft.send(t, TypeSubscribe, RoomsPayload{Rooms: []string{"gossip"}})
	assert.Equal(t, CodeUnknownRoom, errorCode(t, ft.next(t)))
	assert.Equal(t, TypeSubscribed, ft.next(t).Type)
}

func TestServer_AdminRoomRequiresAdmin(t *testing.T) {
	f := newFixture(t, nil)
	ft, _ := f.login(t, "member-token")

	ft.send(t, TypeSubscribe, RoomsPayload{Rooms: []string{"admin"}})
	assert.Equal(t, CodePermissionDenied, errorCode(t, ft.next(t)))

	entries := f.auditor.all()
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditPermissionDenied, entries[0].Action)
	assert.Equal(t, "paralegal-7", entries[0].ActorPrincipalID)
	assert.Equal(t, "room", entries[0].TargetType)
}

func TestServer_Unsubscribe(t *testing.T) {
	f := newFixture(t, nil)
	ft, _ := f.login(t, "member-token")

	ft.send(t, TypeSubscribe, RoomsPayload{Rooms: []string{"agent-updates"}})
	ft.expect(t, TypeSubscribed)
	require.Eventually(t, func() bool { return f.bus.SubscriberCount(events.TopicAgentUpdates) == 1 }, time.Second, time.Millisecond)

	ft.send(t, TypeUnsubscribe, RoomsPayload{Rooms: []string{"agent-updates"}})
	ev := ft.expect(t, TypeUnsubscribed)
	assert.Equal(t, RoomsPayload{Rooms: []string{}}, ev.Payload)
	assert.Equal(t, 0, f.bus.SubscriberCount(events.TopicAgentUpdates))
}

func TestServer_StatusQuery(t *testing.T) {
	f := newFixture(t, nil)
	ft, _ := f.login(t, "member-token")

	ft.send(t, TypeStatus, nil)
	ev := ft.next(t)
	assert.Equal(t, events.TypeMetrics, ev.Type)
	assert.Same(t, f.report, ev.Payload)
}

func TestServer_CommandDeniedForNonAdmin(t *testing.T) {
	f := newFixture(t, nil)
	ft, _ := f.login(t, "member-token")

	ft.send(t, TypeCommand, CommandPayload{RequestID: "r1", Command: CommandRestartAll})
	ev := ft.expect(t, events.TypeCommandResult)
	res, ok := ev.Payload.(CommandResult)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.Equal(t, CodePermissionDenied, res.Code)
	assert.Equal(t, "r1", res.RequestID)
	assert.Zero(t, f.commander.callCount())

	entries := f.auditor.all()
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditPermissionDenied, entries[0].Action)
	assert.Equal(t, "command", entries[0].TargetType)
	assert.Equal(t, CommandRestartAll, entries[0].TargetID)
}

func TestServer_AdminCommandRunsAsPrincipal(t *testing.T) {
	f := newFixture(t, nil)
	ft, _ := f.login(t, "admin-token")

	ft.send(t, TypeCommand, CommandPayload{RequestID: "r1", Command: CommandRestartAgent, Agent: "payments"})
	ev := ft.expect(t, events.TypeCommandResult)
	res := ev.Payload.(CommandResult)
	assert.True(t, res.Success)
	assert.Equal(t, "agent payments restarted", res.Message)

	assert.Equal(t, []string{"restart-agent:payments"}, f.commander.calls)
	assert.Equal(t, []string{"ops-1"}, f.commander.actors)
}

func TestServer_CommandReplayedByRequestID(t *testing.T) {
	f := newFixture(t, nil)
	ft, _ := f.login(t, "admin-token")

	ft.send(t, TypeCommand, CommandPayload{RequestID: "same", Command: CommandRestartAll})
	first := ft.expect(t, events.TypeCommandResult).Payload.(CommandResult)

	ft.send(t, TypeCommand, CommandPayload{RequestID: "same", Command: CommandRestartAll})
	second := ft.expect(t, events.TypeCommandResult).Payload.(CommandResult)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.commander.callCount())
}

func TestServer_CommandRateLimited(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.CommandRate = 0.001
		o.CommandBurst = 1
	})
	ft, _ := f.login(t, "admin-token")

	ft.send(t, TypeCommand, CommandPayload{RequestID: "a", Command: CommandRestartAll})
	assert.True(t, ft.expect(t, events.TypeCommandResult).Payload.(CommandResult).Success)

	ft.send(t, TypeCommand, CommandPayload{RequestID: "b", Command: CommandRestartAll})
	res := ft.expect(t, events.TypeCommandResult).Payload.(CommandResult)
	assert.False(t, res.Success)
	assert.Equal(t, CodeRateLimited, res.Code)
	assert.Equal(t, 1, f.commander.callCount())
}

func TestServer_UnknownCommand(t *testing.T) {
	f := newFixture(t, nil)
	ft, _ := f.login(t, "admin-token")

	ft.send(t, TypeCommand, CommandPayload{Command: "delete-everything"})
	res := ft.expect(t, events.TypeCommandResult).Payload.(CommandResult)
	assert.Equal(t, CodeUnknownCommand, res.Code)
	assert.Zero(t, f.commander.callCount())
}

func TestServer_CommandResultBroadcastToAdminRoom(t *testing.T) {
	f := newFixture(t, nil)
	watcher, _ := f.login(t, "admin-token")
	watcher.send(t, TypeSubscribe, RoomsPayload{Rooms: []string{"admin"}})
	watcher.expect(t, TypeSubscribed)

	actor, _ := f.login(t, "admin-token")
	actor.send(t, TypeCommand, CommandPayload{RequestID: "x", Command: CommandRestartAll})
	actor.expect(t, events.TypeCommandResult)

	ev := watcher.expect(t, events.TypeCommandResult)
	assert.Equal(t, "x", ev.Payload.(CommandResult).RequestID)
}

func TestServer_ResumeRestoresRooms(t *testing.T) {
	f := newFixture(t, nil)
	first, welcome := f.login(t, "member-token")
	first.send(t, TypeSubscribe, RoomsPayload{Rooms: []string{"agent-updates"}})
	first.expect(t, TypeSubscribed)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return f.srv.ConnectionCount() == 0 }, time.Second, time.Millisecond)

	second, done := f.connect()
	second.send(t, TypeAuth, AuthPayload{Session: welcome.Session})
	ev := second.expect(t, TypeWelcome)
	resumed := ev.Payload.(WelcomePayload)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, welcome.Session, resumed.Session)
	assert.Equal(t, "paralegal-7", resumed.PrincipalID)
	assert.Equal(t, []string{"agent-updates"}, resumed.Rooms)

	require.Eventually(t, func() bool { return f.bus.SubscriberCount(events.TopicAgentUpdates) == 1 }, time.Second, time.Millisecond)
	f.bus.Publish(events.TopicAgentUpdates, events.New(events.TypeWorkflowCompleted, "wf-1", time.Now()), "")
	assert.Equal(t, "wf-1", second.expect(t, events.TypeWorkflowCompleted).Payload)

	_ = second.Close()
	<-done
}

func TestServer_UnknownSessionNeedsToken(t *testing.T) {
	f := newFixture(t, nil)
	ft, _ := f.connect()

	ft.send(t, TypeAuth, AuthPayload{Session: "expired-or-forged"})
	ev := ft.next(t)
	assert.Equal(t, CodeUnauthenticated, errorCode(t, ev))
	assert.Contains(t, ev.Payload.(ErrorPayload).Message, "session expired")

	ft.send(t, TypeAuth, AuthPayload{Session: "expired-or-forged", Token: "member-token"})
	welcome := ft.expect(t, TypeWelcome).Payload.(WelcomePayload)
	assert.False(t, welcome.Resumed)
	assert.NotEqual(t, "expired-or-forged", welcome.Session)
}

func TestServer_AuthTimeoutDisconnects(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AuthTimeout = 20 * time.Millisecond })
	ft, done := f.connect()

	ev := ft.expect(t, TypeDisconnected)
	assert.Equal(t, DisconnectedPayload{Reason: ReasonAuthTimeout}, ev.Payload)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connection stayed open after auth timeout")
	}
}

func TestServer_BreakerOpensAndRecovers(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Breaker = BreakerConfig{Threshold: 3, Cooldown: 150 * time.Millisecond, MaxProbeFailures: 5}
	})
	ft, _ := f.login(t, "member-token")
	ft.send(t, TypeSubscribe, RoomsPayload{Rooms: []string{"agent-updates"}})
	ft.expect(t, TypeSubscribed)
	require.Eventually(t, func() bool { return f.bus.SubscriberCount(events.TopicAgentUpdates) == 1 }, time.Second, time.Millisecond)

	ft.setFailing(true)
	for i := range 3 {
		f.bus.Publish(events.TopicAgentUpdates, events.New(events.TypeAgentRestarted, i, time.Now()), "")
	}
	require.Eventually(t, func() bool { return f.srv.OpenBreakers() == 1 }, time.Second, time.Millisecond)

	ft.setFailing(false)
	f.bus.Publish(events.TopicAgentUpdates, events.New(events.TypeAgentRestarted, "latest", time.Now()), "")

	ev := ft.expect(t, events.TypeAgentRestarted)
	assert.Equal(t, "latest", ev.Payload, "the held event is delivered after the cooldown")
	assert.Eventually(t, func() bool { return f.srv.OpenBreakers() == 0 }, time.Second, time.Millisecond)
}

func TestServer_BreakerGivesUpAndDisconnects(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Breaker = BreakerConfig{Threshold: 1, Cooldown: 10 * time.Millisecond, MaxProbeFailures: 1}
	})
	ft, _ := f.connect()
	ft.send(t, TypeAuth, AuthPayload{Token: "member-token"})
	ft.expect(t, TypeWelcome)
	ft.send(t, TypeSubscribe, RoomsPayload{Rooms: []string{"agent-updates"}})
	ft.expect(t, TypeSubscribed)
	require.Eventually(t, func() bool { return f.bus.SubscriberCount(events.TopicAgentUpdates) == 1 }, time.Second, time.Millisecond)

	ft.setFailing(true)
	f.bus.Publish(events.TopicAgentUpdates, events.New(events.TypeAgentRestarted, "x", time.Now()), "")

	assert.Eventually(t, func() bool { return f.srv.ConnectionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_CloseDisconnectsClients(t *testing.T) {
	f := newFixture(t, nil)
	ft, _ := f.login(t, "member-token")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.srv.Close(ctx))

	ev := ft.expect(t, TypeDisconnected)
	assert.Equal(t, DisconnectedPayload{Reason: ReasonShutdown}, ev.Payload)

	late := newFakeTransport()
	f.srv.Serve(late)
	assert.Equal(t, TypeDisconnected, late.next(t).Type, "new connections are turned away")
}

func TestServer_Connections(t *testing.T) {
	f := newFixture(t, nil)
	ft, welcome := f.login(t, "member-token")
	ft.send(t, TypeSubscribe, RoomsPayload{Rooms: []string{"metrics"}})
	ft.expect(t, TypeSubscribed)

	conns := f.srv.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, welcome.ConnectionID, conns[0].ID)
	assert.Equal(t, "paralegal-7", conns[0].PrincipalID)
	assert.Equal(t, []string{"metrics"}, conns[0].Rooms)
	assert.Equal(t, StateClosed, conns[0].Breaker)
}

func TestServer_WebSocketEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	readFrame := func() map[string]any {
		t.Helper()
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		var frame map[string]any
		require.NoError(t, ws.ReadJSON(&frame))
		return frame
	}

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type":    "auth",
		"payload": map[string]any{"token": "admin-token"},
	}))
	welcome := readFrame()
	assert.Equal(t, "welcome", welcome["type"])
	payload := welcome["payload"].(map[string]any)
	assert.Equal(t, "ops-1", payload["principal_id"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "status"}))
	status := readFrame()
	assert.Equal(t, "metrics", status["type"])
	report := status["payload"].(map[string]any)
	assert.Equal(t, "healthy", report["status"])
	assert.Equal(t, float64(1), report["agentSummary"].(map[string]any)["total"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	bad := readFrame()
	assert.Equal(t, "error", bad["type"])
	assert.Equal(t, CodeBadRequest, bad["payload"].(map[string]any)["code"])
}
