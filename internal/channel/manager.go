// Package channel maintains persistent sessions to the real-time messaging
// backend, one per (appID, userID, channel) key, with automatic reconnection.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

const (
	baseReconnectDelay   = 5 * time.Second
	reconnectMultiplier  = 1.5
	maxReconnectDelay    = 60 * time.Second
	maxReconnectAttempts = 10
	connectTimeout       = 30 * time.Second
)

// Manager owns every channel session. Sessions are created on first use and
// persist until an explicit Disconnect; no timer ever expires them.
type Manager struct {
	provider domain.ChannelProvider
	logger   *slog.Logger

	// OnInbound, when set, receives messages arriving from the channel.
	OnInbound func(appID, userID, channel, sender, text string)

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(provider domain.ChannelProvider, logger *slog.Logger) *Manager {
	return &Manager{
		provider: provider,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Session is one persistent connection for a session key. All fields behind mu.
type Session struct {
	appID   string
	userID  string
	channel string
	token   string

	mgr *Manager

	mu           sync.Mutex
	conn         domain.ChannelConn
	lastActive   time.Time
	attempts     int
	reconnecting bool
	inert        bool // retries exhausted; next GetOrCreate starts fresh
	removed      bool
}

func sessionKey(appID, userID, channel string) string {
	return fmt.Sprintf("%s:%s:%s", appID, userID, channel)
}

// GetOrCreate returns the live session for the key, refreshing its last-active
// timestamp. A missing or inert session is (re)connected first. Creation for a
// given key is serialized on the session's own lock, so two concurrent
// first-time requests cannot both open a connection.
func (m *Manager) GetOrCreate(ctx context.Context, appID, userID, channel, token string) (*Session, error) {
	key := sessionKey(appID, userID, channel)

	for {
		m.mu.Lock()
		s, ok := m.sessions[key]
		if !ok {
			s = &Session{appID: appID, userID: userID, channel: channel, token: token, mgr: m}
			m.sessions[key] = s
		}
		m.mu.Unlock()

		s.mu.Lock()
		if s.removed {
			// Lost a race with Disconnect; take another pass at the map.
			s.mu.Unlock()
			continue
		}

		if s.conn != nil && !s.inert {
			s.lastActive = time.Now()
			s.token = token
			s.mu.Unlock()
			return s, nil
		}

		// Fresh connect: first use, or an inert session re-triggered by use.
		s.token = token
		if err := s.connectLocked(ctx); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("channel connect %s: %w", key, err)
		}
		s.attempts = 0
		s.inert = false
		s.reconnecting = false
		s.lastActive = time.Now()
		s.mu.Unlock()
		metrics.ActiveSessions.Set(int64(m.count()))
		return s, nil
	}
}

// Send publishes text on the key's channel, creating the session if needed.
// Publish failures are logged and surfaced but never tear the session down;
// the status listener owns reconnection decisions, not the sender.
func (m *Manager) Send(ctx context.Context, appID, userID, channel, token, text string) error {
	s, err := m.GetOrCreate(ctx, appID, userID, channel, token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("channel session %s not connected", sessionKey(appID, userID, channel))
	}

	if err := conn.Publish(ctx, channel, text); err != nil {
		m.logger.Warn("channel publish failed",
			"channel", channel, "user", userID, "err", err)
		return err
	}

	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
	return nil
}

// Disconnect closes and removes a session. This is the only way a session
// leaves the map.
func (m *Manager) Disconnect(appID, userID, channel string) error {
	key := sessionKey(appID, userID, channel)

	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.removed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	metrics.ActiveSessions.Set(int64(m.count()))
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Close disconnects every session.
func (m *Manager) Close() {
	m.mu.Lock()
	keys := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		keys = append(keys, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range keys {
		s.mu.Lock()
		s.removed = true
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}
	metrics.ActiveSessions.Set(0)
}

func (m *Manager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// LastActive reports the session's last-active timestamp, for status surfaces.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// connectLocked dials, authenticates, subscribes, and starts the event
// consumer. Caller must hold s.mu. Login and subscribe are bounded by a fixed
// timeout that fails fast into the reconnection path.
func (s *Session) connectLocked(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := s.mgr.provider.Connect(cctx, s.appID, s.userID, s.token)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := conn.Subscribe(cctx, s.channel); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	s.conn = conn
	go s.consumeEvents(conn)
	s.mgr.logger.Info("channel session connected",
		"app", s.appID, "user", s.userID, "channel", s.channel)
	return nil
}

// consumeEvents drains one connection's event queue sequentially. Running the
// provider's callbacks through this single loop keeps them from re-entering
// shared state.
func (s *Session) consumeEvents(conn domain.ChannelConn) {
	for ev := range conn.Events() {
		switch ev.Type {
		case domain.EventMessage:
			s.mu.Lock()
			s.lastActive = time.Now()
			s.mu.Unlock()
			if s.mgr.OnInbound != nil {
				s.mgr.OnInbound(s.appID, s.userID, ev.Channel, ev.Sender, ev.Text)
			}
		case domain.EventStatus:
			if ev.Fatal() {
				s.mgr.logger.Warn("channel session lost",
					"user", s.userID, "channel", s.channel,
					"status", ev.Status, "reason", ev.Reason)
				s.scheduleReconnect()
				return
			}
			// Transient provider notice; log only.
			s.mgr.logger.Debug("channel status",
				"user", s.userID, "status", ev.Status, "reason", ev.Reason)
		}
	}
}

// scheduleReconnect arms a delayed reconnect attempt unless one is already in
// flight or the session has gone inert.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.reconnecting || s.removed {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.attempts++
	if s.attempts > maxReconnectAttempts {
		// Give up: the session stays inert until the next external use
		// triggers a fresh create.
		s.inert = true
		s.mu.Unlock()
		s.mgr.logger.Error("channel reconnect attempts exhausted",
			"user", s.userID, "channel", s.channel, "attempts", maxReconnectAttempts)
		return
	}
	s.reconnecting = true
	attempt := s.attempts
	s.mu.Unlock()

	delay := reconnectDelay(attempt)
	metrics.ReconnectAttempts.Inc()
	s.mgr.logger.Info("scheduling channel reconnect",
		"user", s.userID, "channel", s.channel, "attempt", attempt, "delay", delay)

	time.AfterFunc(delay, s.reconnect)
}

func (s *Session) reconnect() {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		// An external use re-established the session while the timer was
		// pending; opening another connection here would leak the live one.
		s.reconnecting = false
		s.mu.Unlock()
		return
	}
	err := s.connectLocked(context.Background())
	if err == nil {
		s.attempts = 0
		s.inert = false
	}
	s.reconnecting = false
	s.mu.Unlock()

	if err != nil {
		s.mgr.logger.Warn("channel reconnect failed",
			"user", s.userID, "channel", s.channel, "err", err)
		s.scheduleReconnect()
	}
}

// reconnectDelay computes the backoff before the given attempt:
// min(base × multiplier^(attempt-1), cap).
func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(baseReconnectDelay) * math.Pow(reconnectMultiplier, float64(attempt-1)))
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}
