package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"relaybot/internal/domain"
)

const (
	rtmWriteTimeout  = 10 * time.Second
	rtmEventQueueLen = 64
)

// RTMProvider connects to the websocket real-time messaging service. One
// dialed connection maps to one domain.ChannelConn.
type RTMProvider struct {
	url    string
	logger *slog.Logger
	dialer *websocket.Dialer
}

type RTMConfig struct {
	URL    string
	Logger *slog.Logger
}

func NewRTMProvider(cfg RTMConfig) *RTMProvider {
	return &RTMProvider{
		url:    cfg.URL,
		logger: cfg.Logger,
		dialer: &websocket.Dialer{HandshakeTimeout: connectTimeout},
	}
}

func (p *RTMProvider) Name() string { return "rtm" }

// rtmFrame is the JSON wire protocol spoken over the websocket.
type rtmFrame struct {
	Op      string `json:"op"`                // login | subscribe | publish | ack | status | message
	AppID   string `json:"app_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Token   string `json:"token,omitempty"`
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Status  string `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
	OK      bool   `json:"ok,omitempty"`
}

// Connect dials the service and authenticates with a login frame.
func (p *RTMProvider) Connect(ctx context.Context, appID, userID, token string) (domain.ChannelConn, error) {
	ws, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.url, err)
	}

	conn := &rtmConn{
		ws:     ws,
		logger: p.logger,
		events: make(chan domain.ChannelEvent, rtmEventQueueLen),
		acks:   make(chan rtmFrame, 1),
	}

	login := rtmFrame{Op: "login", AppID: appID, UserID: userID, Token: token}
	if err := conn.write(login); err != nil {
		ws.Close()
		return nil, fmt.Errorf("login: %w", err)
	}

	go conn.readLoop()

	if err := conn.awaitAck(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("login: %w", err)
	}
	return conn, nil
}

// rtmConn is one live websocket session.
type rtmConn struct {
	ws     *websocket.Conn
	logger *slog.Logger
	events chan domain.ChannelEvent
	acks   chan rtmFrame

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

func (c *rtmConn) write(f rtmFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(rtmWriteTimeout))
	return c.ws.WriteJSON(f)
}

// awaitAck waits for the service to acknowledge the last control frame.
func (c *rtmConn) awaitAck(ctx context.Context) error {
	select {
	case ack, ok := <-c.acks:
		if !ok {
			return fmt.Errorf("connection closed before ack")
		}
		if !ack.OK {
			return fmt.Errorf("rejected: %s", ack.Reason)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *rtmConn) Subscribe(ctx context.Context, channel string) error {
	if err := c.write(rtmFrame{Op: "subscribe", Channel: channel}); err != nil {
		return err
	}
	return c.awaitAck(ctx)
}

func (c *rtmConn) Publish(ctx context.Context, channel, text string) error {
	return c.write(rtmFrame{Op: "publish", Channel: channel, Text: text})
}

func (c *rtmConn) Events() <-chan domain.ChannelEvent {
	return c.events
}

func (c *rtmConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

// readLoop turns inbound frames into channel events. Events that would
// overflow the bounded queue are dropped with a log line rather than blocking
// the socket reader.
func (c *rtmConn) readLoop() {
	defer close(c.events)
	defer close(c.acks)

	for {
		var f rtmFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.closeMu.Lock()
			wasClosed := c.closed
			c.closeMu.Unlock()
			if !wasClosed {
				c.logger.Warn("rtm read error", "err", err)
				c.deliver(domain.ChannelEvent{
					Type:   domain.EventStatus,
					Status: domain.StatusDisconnected,
					Reason: err.Error(),
				})
			}
			return
		}

		switch f.Op {
		case "ack":
			select {
			case c.acks <- f:
			default:
			}
		case "status":
			ev := domain.ChannelEvent{Type: domain.EventStatus, Reason: f.Reason}
			switch f.Status {
			case "connected":
				ev.Status = domain.StatusConnected
			case "failed":
				ev.Status = domain.StatusFailed
			default:
				ev.Status = domain.StatusDisconnected
			}
			c.deliver(ev)
			if ev.Status == domain.StatusFailed {
				// Session-invalidating, e.g. kicked off elsewhere. The
				// manager reconnects; nothing more to read here.
				return
			}
		case "message":
			c.deliver(domain.ChannelEvent{
				Type:    domain.EventMessage,
				Channel: f.Channel,
				Sender:  f.Sender,
				Text:    f.Text,
			})
		default:
			if data, err := json.Marshal(f); err == nil {
				c.logger.Debug("unhandled rtm frame", "frame", string(data))
			}
		}
	}
}

func (c *rtmConn) deliver(ev domain.ChannelEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("rtm event queue full, dropping event", "type", ev.Type)
	}
}
