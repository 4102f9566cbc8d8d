package channel

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConn struct {
	mu         sync.Mutex
	events     chan domain.ChannelEvent
	published  []string
	publishErr error
	closed     bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan domain.ChannelEvent, 8)}
}

func (c *fakeConn) Subscribe(context.Context, string) error { return nil }

func (c *fakeConn) Publish(_ context.Context, _, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, text)
	return nil
}

func (c *fakeConn) Events() <-chan domain.ChannelEvent { return c.events }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

type fakeProvider struct {
	mu         sync.Mutex
	connects   int
	connectErr error
	conns      []*fakeConn
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Connect(context.Context, string, string, string) (domain.ChannelConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	c := newFakeConn()
	p.conns = append(p.conns, c)
	return c, nil
}

func (p *fakeProvider) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

func TestReconnectDelay_Sequence(t *testing.T) {
	want := []time.Duration{
		5000 * time.Millisecond,
		7500 * time.Millisecond,
		11250 * time.Millisecond,
	}
	for i, expected := range want {
		if got := reconnectDelay(i + 1); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i+1, expected, got)
		}
	}

	if got := reconnectDelay(8); got != maxReconnectDelay {
		t.Errorf("attempt 8 should hit the cap, got %v", got)
	}
	if got := reconnectDelay(100); got != maxReconnectDelay {
		t.Errorf("large attempts must stay capped, got %v", got)
	}
}

func TestManager_GetOrCreateReusesSession(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, testLogger())
	defer m.Close()

	ctx := context.Background()
	s1, err := m.GetOrCreate(ctx, "app", "u1", "general", "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s2, err := m.GetOrCreate(ctx, "app", "u1", "general", "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s1 != s2 {
		t.Error("same key must return the same session")
	}
	if p.connectCount() != 1 {
		t.Errorf("expected a single connect, got %d", p.connectCount())
	}
}

func TestManager_GetOrCreateSeparateKeys(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, testLogger())
	defer m.Close()

	ctx := context.Background()
	if _, err := m.GetOrCreate(ctx, "app", "u1", "general", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetOrCreate(ctx, "app", "u2", "general", ""); err != nil {
		t.Fatal(err)
	}

	if p.connectCount() != 2 {
		t.Errorf("different keys need their own connections, got %d", p.connectCount())
	}
}

func TestManager_SendPublishes(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, testLogger())
	defer m.Close()

	if err := m.Send(context.Background(), "app", "u1", "general", "", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conn := p.conns[0]
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.published) != 1 || conn.published[0] != "hello" {
		t.Errorf("expected one published message, got %v", conn.published)
	}
}

func TestManager_SendFailureKeepsSession(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, testLogger())
	defer m.Close()

	ctx := context.Background()
	if _, err := m.GetOrCreate(ctx, "app", "u1", "general", ""); err != nil {
		t.Fatal(err)
	}
	p.conns[0].publishErr = errors.New("provider hiccup")

	if err := m.Send(ctx, "app", "u1", "general", "", "hello"); err == nil {
		t.Fatal("expected the publish error surfaced")
	}

	// The session survives; no fresh connection is opened.
	if _, err := m.GetOrCreate(ctx, "app", "u1", "general", ""); err != nil {
		t.Fatal(err)
	}
	if p.connectCount() != 1 {
		t.Errorf("send failure must not tear down the session, got %d connects", p.connectCount())
	}
}

func TestManager_DisconnectRemovesSession(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, testLogger())
	defer m.Close()

	ctx := context.Background()
	if _, err := m.GetOrCreate(ctx, "app", "u1", "general", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Disconnect("app", "u1", "general"); err != nil {
		t.Fatal(err)
	}

	p.conns[0].mu.Lock()
	closed := p.conns[0].closed
	p.conns[0].mu.Unlock()
	if !closed {
		t.Error("disconnect must close the underlying connection")
	}

	// Next use opens a fresh connection.
	if _, err := m.GetOrCreate(ctx, "app", "u1", "general", ""); err != nil {
		t.Fatal(err)
	}
	if p.connectCount() != 2 {
		t.Errorf("expected a new connection after disconnect, got %d", p.connectCount())
	}
}

func TestManager_ConnectFailureSurfaced(t *testing.T) {
	p := &fakeProvider{connectErr: errors.New("auth refused")}
	m := NewManager(p, testLogger())
	defer m.Close()

	if _, err := m.GetOrCreate(context.Background(), "app", "u1", "general", ""); err == nil {
		t.Fatal("expected connect error surfaced")
	}
}

func TestManager_InboundRefreshesAndDispatches(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, testLogger())
	defer m.Close()

	got := make(chan string, 1)
	m.OnInbound = func(appID, userID, channel, sender, text string) {
		got <- text
	}

	s, err := m.GetOrCreate(context.Background(), "app", "u1", "general", "")
	if err != nil {
		t.Fatal(err)
	}
	before := s.LastActive()

	time.Sleep(2 * time.Millisecond)
	p.conns[0].events <- domain.ChannelEvent{
		Type: domain.EventMessage, Channel: "general", Sender: "alice", Text: "ping",
	}

	select {
	case text := <-got:
		if text != "ping" {
			t.Errorf("expected ping, got %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound message never dispatched")
	}

	if !s.LastActive().After(before) {
		t.Error("inbound message must refresh last-active")
	}
}

func TestSession_ReconnectTimerYieldsToExternalUse(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, testLogger())
	defer m.Close()

	ctx := context.Background()
	s, err := m.GetOrCreate(ctx, "app", "u1", "general", "")
	if err != nil {
		t.Fatal(err)
	}

	// Connection lost with a reconnect timer armed.
	s.mu.Lock()
	s.conn.Close()
	s.conn = nil
	s.attempts = 1
	s.reconnecting = true
	s.mu.Unlock()

	// An external use re-establishes the session during the delay.
	if _, err := m.GetOrCreate(ctx, "app", "u1", "general", ""); err != nil {
		t.Fatal(err)
	}
	if p.connectCount() != 2 {
		t.Fatalf("expected re-establishing connect, got %d", p.connectCount())
	}

	// The pending timer fires; it must not open a third connection.
	s.reconnect()

	if p.connectCount() != 2 {
		t.Errorf("timer must yield to the live session, got %d connects", p.connectCount())
	}
	p.conns[1].mu.Lock()
	secondClosed := p.conns[1].closed
	p.conns[1].mu.Unlock()
	if secondClosed {
		t.Error("the live connection must not be replaced or closed")
	}
	s.mu.Lock()
	reconnecting := s.reconnecting
	s.mu.Unlock()
	if reconnecting {
		t.Error("the spent timer must clear the reconnecting flag")
	}
}

func TestSession_ReconnectAttemptsExhausted(t *testing.T) {
	p := &fakeProvider{}
	m := NewManager(p, testLogger())
	defer m.Close()

	s, err := m.GetOrCreate(context.Background(), "app", "u1", "general", "")
	if err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	s.attempts = maxReconnectAttempts
	s.mu.Unlock()

	s.scheduleReconnect()

	s.mu.Lock()
	inert, reconnecting := s.inert, s.reconnecting
	s.mu.Unlock()
	if !inert {
		t.Error("session must go inert once attempts are exhausted")
	}
	if reconnecting {
		t.Error("no further reconnect may be scheduled")
	}

	// The next external use starts fresh.
	if _, err := m.GetOrCreate(context.Background(), "app", "u1", "general", ""); err != nil {
		t.Fatal(err)
	}
	if p.connectCount() != 2 {
		t.Errorf("inert session should reconnect on next use, got %d connects", p.connectCount())
	}
}
