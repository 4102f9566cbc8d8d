package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"relaybot/internal/domain"
)

const slackMaxMsgLen = 4000

// SlackProvider backs the messaging channel with Slack Socket Mode. Channels
// map to Slack channel IDs.
type SlackProvider struct {
	botToken string
	appToken string
	logger   *slog.Logger
}

type SlackProviderConfig struct {
	BotToken string
	AppToken string
	Logger   *slog.Logger
}

func NewSlackProvider(cfg SlackProviderConfig) *SlackProvider {
	return &SlackProvider{botToken: cfg.BotToken, appToken: cfg.AppToken, logger: cfg.Logger}
}

func (p *SlackProvider) Name() string { return "slack" }

func (p *SlackProvider) Connect(ctx context.Context, appID, userID, _ string) (domain.ChannelConn, error) {
	api := slack.New(p.botToken, slack.OptionAppLevelToken(p.appToken))

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack auth: %w", err)
	}
	p.logger.Info("slack bot connected",
		"bot", authResp.User, "app", appID, "user", userID)

	runCtx, cancel := context.WithCancel(context.Background())
	conn := &slackConn{
		client: api,
		socket: socketmode.New(api),
		botUID: authResp.UserID,
		logger: p.logger,
		events: make(chan domain.ChannelEvent, rtmEventQueueLen),
		subs:   make(map[string]bool),
		cancel: cancel,
	}

	go conn.eventLoop()
	go func() {
		err := conn.socket.RunContext(runCtx)
		if err != nil && runCtx.Err() == nil {
			p.logger.Warn("slack socket mode stopped", "err", err)
			conn.deliver(domain.ChannelEvent{
				Type:   domain.EventStatus,
				Status: domain.StatusDisconnected,
				Reason: err.Error(),
			})
		}
		conn.closeEvents()
	}()

	return conn, nil
}

type slackConn struct {
	client *slack.Client
	socket *socketmode.Client
	botUID string
	logger *slog.Logger
	events chan domain.ChannelEvent
	cancel context.CancelFunc

	mu           sync.Mutex
	subs         map[string]bool
	closed       bool
	eventsClosed bool
}

func (c *slackConn) Subscribe(_ context.Context, channel string) error {
	c.mu.Lock()
	c.subs[channel] = true
	c.mu.Unlock()
	return nil
}

func (c *slackConn) Publish(ctx context.Context, channel, text string) error {
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		_, _, err := c.client.PostMessageContext(ctx, channel, slack.MsgOptionText(chunk, false))
		if err != nil {
			return fmt.Errorf("slack send: %w", err)
		}
	}
	return nil
}

func (c *slackConn) Events() <-chan domain.ChannelEvent {
	return c.events
}

func (c *slackConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return nil
}

func (c *slackConn) eventLoop() {
	for evt := range c.socket.Events {
		switch evt.Type {
		case socketmode.EventTypeEventsAPI:
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			c.socket.Ack(*evt.Request)
			c.handleEventsAPI(apiEvent)
		default:
			// Acknowledge everything else to keep Socket Mode alive.
			if evt.Request != nil {
				c.socket.Ack(*evt.Request)
			}
		}
	}
}

func (c *slackConn) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Ignore our own messages and edited-message subtypes.
	if ev.User == c.botUID || ev.User == "" || ev.SubType != "" {
		return
	}

	c.mu.Lock()
	subscribed := c.subs[ev.Channel]
	c.mu.Unlock()
	if !subscribed {
		return
	}

	c.deliver(domain.ChannelEvent{
		Type:    domain.EventMessage,
		Channel: ev.Channel,
		Sender:  ev.User,
		Text:    ev.Text,
	})
}

// deliver queues an event unless the channel is already closed. The send stays
// under c.mu so closeEvents cannot close the channel mid-send; the send is
// non-blocking, a full queue drops the event.
func (c *slackConn) deliver(ev domain.ChannelEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("slack event queue full, dropping event", "type", ev.Type)
	}
}

func (c *slackConn) closeEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.eventsClosed {
		c.eventsClosed = true
		close(c.events)
	}
}
