// Package convstore holds the in-memory conversation histories. Conversations
// are keyed by (appID, userID, channel), created lazily, mutated only through
// Store methods, and bounded by a tiered trimming policy plus periodic cleanup.
package convstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

type Config struct {
	MaxMessages     int           // hard cap per conversation; exceeding it triggers a trim
	ChatWindow      int           // most recent chat-mode messages kept by trim
	MediaWindow     int           // most recent voice/video-mode messages kept by trim
	Floor           int           // minimum message count backfilled after trim
	MaxAge          time.Duration // conversations idle longer than this are evicted
	MemoryCap       int64         // approximate global byte budget; eviction targets 80%
	CleanupInterval time.Duration
}

// Defaults fills in zero fields.
func (c Config) withDefaults() Config {
	if c.MaxMessages <= 0 {
		c.MaxMessages = 100
	}
	if c.ChatWindow <= 0 {
		c.ChatWindow = 50
	}
	if c.MediaWindow <= 0 {
		c.MediaWindow = 30
	}
	if c.Floor <= 0 {
		c.Floor = 20
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.MemoryCap <= 0 {
		c.MemoryCap = 256 << 20
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	return c
}

// Conversation is one stored history. Owned exclusively by the Store; callers
// only ever see cloned snapshots.
type Conversation struct {
	AppID       string
	UserID      string
	Channel     string
	Messages    []domain.Message
	LastUpdated time.Time
	SystemHash  string
}

func (c *Conversation) key() string {
	return Key(c.AppID, c.UserID, c.Channel)
}

// approxSize estimates the conversation's memory footprint.
func (c *Conversation) approxSize() int64 {
	var n int64
	for _, m := range c.Messages {
		n += int64(len(m.Content)) + 128
	}
	return n
}

// Key builds the map key for a session triple.
func Key(appID, userID, channel string) string {
	return fmt.Sprintf("%s:%s:%s", appID, userID, channel)
}

type Store struct {
	mu      sync.Mutex
	convs   map[string]*Conversation
	cfg     Config
	logger  *slog.Logger
	archive *Archive // optional; evicted conversations are written here first
}

func New(cfg Config, logger *slog.Logger, archive *Archive) *Store {
	return &Store{
		convs:   make(map[string]*Conversation),
		cfg:     cfg.withDefaults(),
		logger:  logger,
		archive: archive,
	}
}

// getOrCreate returns the conversation for the key, creating an empty one with
// the current timestamp on first access. Caller must hold s.mu.
func (s *Store) getOrCreate(appID, userID, channel string) *Conversation {
	key := Key(appID, userID, channel)
	conv, ok := s.convs[key]
	if !ok {
		conv = &Conversation{
			AppID:       appID,
			UserID:      userID,
			Channel:     channel,
			LastUpdated: time.Now(),
		}
		s.convs[key] = conv
		metrics.Conversations.Set(int64(len(s.convs)))
		s.logger.Debug("conversation created", "key", key)
	}
	return conv
}

// SaveMessage appends a message to the conversation. A system message replaces
// any existing system message, but only when its content hash differs from the
// stored hash; the active system instruction is never lost to trimming because
// it is re-prepended at position zero. Other roles append with a timestamp and
// trigger a trim once the hard cap is exceeded.
func (s *Store) SaveMessage(appID, userID, channel string, msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.getOrCreate(appID, userID, channel)
	conv.LastUpdated = time.Now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if msg.Role == domain.RoleSystem {
		hash := hashContent(msg.Content)
		if hash == conv.SystemHash {
			return
		}
		kept := conv.Messages[:0]
		for _, m := range conv.Messages {
			if m.Role != domain.RoleSystem {
				kept = append(kept, m)
			}
		}
		conv.Messages = append([]domain.Message{msg}, kept...)
		conv.SystemHash = hash
		s.logger.Debug("system message replaced", "key", conv.key())
		return
	}

	conv.Messages = append(conv.Messages, msg)
	if len(conv.Messages) > s.cfg.MaxMessages {
		before := len(conv.Messages)
		conv.Messages = trimMessages(conv.Messages, s.cfg)
		s.logger.Info("conversation trimmed",
			"key", conv.key(), "before", before, "after", len(conv.Messages))
	}
}

// History returns a structural copy of the conversation's messages and
// refreshes its last-updated timestamp.
func (s *Store) History(appID, userID, channel string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.getOrCreate(appID, userID, channel)
	conv.LastUpdated = time.Now()
	return domain.CloneMessages(conv.Messages)
}

// Len reports how many conversations are held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// RunCleanup periodically evicts aged conversations and relieves memory
// pressure until ctx is cancelled.
func (s *Store) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup evicts conversations idle past MaxAge, re-trims any still over the
// hard cap, and under global memory pressure evicts the largest conversations
// first until usage drops under 80% of the configured cap.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.cfg.MaxAge)
	for key, conv := range s.convs {
		if conv.LastUpdated.Before(cutoff) {
			s.evict(key, conv, "age")
			continue
		}
		if len(conv.Messages) > s.cfg.MaxMessages {
			conv.Messages = trimMessages(conv.Messages, s.cfg)
		}
	}

	var usage int64
	for _, conv := range s.convs {
		usage += conv.approxSize()
	}
	if usage <= s.cfg.MemoryCap {
		return
	}

	target := s.cfg.MemoryCap * 8 / 10
	type sized struct {
		key  string
		conv *Conversation
		size int64
	}
	bydescending := make([]sized, 0, len(s.convs))
	for key, conv := range s.convs {
		bydescending = append(bydescending, sized{key, conv, conv.approxSize()})
	}
	sort.Slice(bydescending, func(i, j int) bool { return bydescending[i].size > bydescending[j].size })

	for _, entry := range bydescending {
		if usage <= target {
			break
		}
		s.evict(entry.key, entry.conv, "memory_pressure")
		usage -= entry.size
	}
}

// evict removes a conversation, archiving it first when an archive is
// configured. Caller must hold s.mu.
func (s *Store) evict(key string, conv *Conversation, reason string) {
	if s.archive != nil {
		if err := s.archive.Save(conv); err != nil {
			s.logger.Warn("failed to archive conversation", "key", key, "err", err)
		}
	}
	delete(s.convs, key)
	metrics.Evictions.Inc()
	metrics.Conversations.Set(int64(len(s.convs)))
	s.logger.Info("conversation evicted", "key", key, "reason", reason)
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
