package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/domain"
)

const telegramMaxMsgLen = 4000

// TelegramProvider backs the messaging channel with a Telegram bot. Channels
// map to Telegram chat IDs. The bot identity comes from the configured bot
// token; the per-session token is accepted for contract compatibility but
// carries no extra authentication here.
type TelegramProvider struct {
	token  string
	logger *slog.Logger
}

type TelegramProviderConfig struct {
	Token  string
	Logger *slog.Logger
}

func NewTelegramProvider(cfg TelegramProviderConfig) *TelegramProvider {
	return &TelegramProvider{token: cfg.Token, logger: cfg.Logger}
}

func (p *TelegramProvider) Name() string { return "telegram" }

func (p *TelegramProvider) Connect(ctx context.Context, appID, userID, _ string) (domain.ChannelConn, error) {
	bot, err := tgbotapi.NewBotAPI(p.token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	p.logger.Info("telegram bot connected", "username", bot.Self.UserName, "app", appID, "user", userID)

	conn := &telegramConn{
		bot:    bot,
		logger: p.logger,
		events: make(chan domain.ChannelEvent, rtmEventQueueLen),
		chats:  make(map[int64]bool),
	}
	go conn.pollUpdates()
	return conn, nil
}

type telegramConn struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
	events chan domain.ChannelEvent

	mu     sync.Mutex
	chats  map[int64]bool // subscribed chat IDs
	closed bool
}

func (c *telegramConn) Subscribe(_ context.Context, channel string) error {
	id, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", channel, err)
	}
	c.mu.Lock()
	c.chats[id] = true
	c.mu.Unlock()
	return nil
}

func (c *telegramConn) Publish(_ context.Context, channel, text string) error {
	id, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q: %w", channel, err)
	}

	// Telegram enforces a per-message length limit.
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if _, err := c.bot.Send(tgbotapi.NewMessage(id, chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (c *telegramConn) Events() <-chan domain.ChannelEvent {
	return c.events
}

func (c *telegramConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.bot.StopReceivingUpdates()
	return nil
}

func (c *telegramConn) pollUpdates() {
	defer close(c.events)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
			continue
		}
		chatID := update.Message.Chat.ID

		c.mu.Lock()
		subscribed := c.chats[chatID]
		c.mu.Unlock()
		if !subscribed {
			continue
		}

		ev := domain.ChannelEvent{
			Type:    domain.EventMessage,
			Channel: strconv.FormatInt(chatID, 10),
			Sender:  strconv.FormatInt(update.Message.From.ID, 10),
			Text:    update.Message.Text,
		}
		select {
		case c.events <- ev:
		default:
			c.logger.Warn("telegram event queue full, dropping update", "chat", chatID)
		}
	}
}
