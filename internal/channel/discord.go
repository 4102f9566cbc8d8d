package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"relaybot/internal/domain"
)

const discordMaxMsgLen = 2000

// DiscordProvider backs the messaging channel with a Discord bot. Channels map
// to Discord channel IDs.
type DiscordProvider struct {
	token   string
	guildID string
	logger  *slog.Logger
}

type DiscordProviderConfig struct {
	Token   string
	GuildID string
	Logger  *slog.Logger
}

func NewDiscordProvider(cfg DiscordProviderConfig) *DiscordProvider {
	return &DiscordProvider{token: cfg.Token, guildID: cfg.GuildID, logger: cfg.Logger}
}

func (p *DiscordProvider) Name() string { return "discord" }

func (p *DiscordProvider) Connect(ctx context.Context, appID, userID, _ string) (domain.ChannelConn, error) {
	session, err := discordgo.New("Bot " + p.token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	conn := &discordConn{
		session: session,
		guildID: p.guildID,
		logger:  p.logger,
		events:  make(chan domain.ChannelEvent, rtmEventQueueLen),
		subs:    make(map[string]bool),
	}

	session.AddHandler(conn.onMessageCreate)
	session.AddHandler(conn.onDisconnect)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord connect: %w", err)
	}
	p.logger.Info("discord bot connected",
		"bot", session.State.User.Username, "app", appID, "user", userID)
	return conn, nil
}

type discordConn struct {
	session *discordgo.Session
	guildID string
	logger  *slog.Logger
	events  chan domain.ChannelEvent

	mu     sync.Mutex
	subs   map[string]bool
	closed bool
}

func (c *discordConn) Subscribe(_ context.Context, channel string) error {
	c.mu.Lock()
	c.subs[channel] = true
	c.mu.Unlock()
	return nil
}

func (c *discordConn) Publish(_ context.Context, channel, text string) error {
	for _, chunk := range splitMessage(text, discordMaxMsgLen) {
		if _, err := c.session.ChannelMessageSend(channel, chunk); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

func (c *discordConn) Events() <-chan domain.ChannelEvent {
	return c.events
}

func (c *discordConn) Close() error {
	err := c.session.Close()
	c.closeEvents()
	return err
}

// closeEvents marks the connection closed and closes the event channel. The
// closed flag and every send share c.mu, so no handler can be mid-send once
// the channel closes.
func (c *discordConn) closeEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}

// deliver queues an event unless the connection is closed. The send happens
// under c.mu; a full queue drops the event rather than blocking a handler.
func (c *discordConn) deliver(ev domain.ChannelEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("discord event queue full, dropping event", "type", ev.Type)
	}
}

func (c *discordConn) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID {
		return
	}
	if c.guildID != "" && m.GuildID != c.guildID {
		return
	}

	c.mu.Lock()
	subscribed := c.subs[m.ChannelID]
	c.mu.Unlock()
	if !subscribed {
		return
	}

	c.deliver(domain.ChannelEvent{
		Type:    domain.EventMessage,
		Channel: m.ChannelID,
		Sender:  m.Author.ID,
		Text:    m.Content,
	})
}

func (c *discordConn) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	c.deliver(domain.ChannelEvent{
		Type:   domain.EventStatus,
		Status: domain.StatusDisconnected,
		Reason: "gateway disconnect",
	})
}

// splitMessage splits text into chunks within maxLen, preferring newline
// boundaries in the upper half of the window.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
