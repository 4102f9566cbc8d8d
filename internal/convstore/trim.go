package convstore

import (
	"sort"

	"relaybot/internal/domain"
)

// trimMessages applies the tiered trimming policy:
//
//   - the latest system message is always kept
//   - chat-mode messages keep their most recent ChatWindow entries
//   - voice/video-mode messages keep their most recent MediaWindow entries
//   - tool messages survive only while a kept assistant message references
//     their tool-call ID
//
// The partitions are merged and sorted by timestamp. If the result falls below
// the floor while older history exists, the original tail backfills it.
func trimMessages(msgs []domain.Message, cfg Config) []domain.Message {
	type indexed struct {
		msg domain.Message
		pos int // original position, for stable ordering on equal timestamps
	}

	var system *indexed
	var chat, media, tools []indexed

	for i, m := range msgs {
		entry := indexed{msg: m, pos: i}
		switch {
		case m.Role == domain.RoleSystem:
			// At most one is retained by SaveMessage; keep the latest anyway.
			system = &indexed{msg: m, pos: i}
		case m.Role == domain.RoleTool:
			tools = append(tools, entry)
		case m.Mode == domain.ModeVoice || m.Mode == domain.ModeVideo:
			media = append(media, entry)
		default:
			chat = append(chat, entry)
		}
	}

	if len(chat) > cfg.ChatWindow {
		chat = chat[len(chat)-cfg.ChatWindow:]
	}
	if len(media) > cfg.MediaWindow {
		media = media[len(media)-cfg.MediaWindow:]
	}

	kept := make([]indexed, 0, len(chat)+len(media)+len(tools)+1)
	if system != nil {
		kept = append(kept, *system)
	}
	kept = append(kept, chat...)
	kept = append(kept, media...)

	// Tool results are only meaningful next to the assistant message that
	// requested them.
	referenced := make(map[string]bool)
	for _, e := range kept {
		if e.msg.Role == domain.RoleAssistant {
			for _, tc := range e.msg.ToolCalls {
				referenced[tc.ID] = true
			}
		}
	}
	for _, e := range tools {
		if e.msg.ToolCallID != "" && referenced[e.msg.ToolCallID] {
			kept = append(kept, e)
		}
	}

	sortByTime := func(entries []indexed) {
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].msg.Timestamp.Equal(entries[j].msg.Timestamp) {
				return entries[i].pos < entries[j].pos
			}
			return entries[i].msg.Timestamp.Before(entries[j].msg.Timestamp)
		})
	}
	sortByTime(kept)

	// Backfill from the original tail until the floor is met.
	if len(kept) < cfg.Floor && len(msgs) > len(kept) {
		inKept := make(map[int]bool, len(kept))
		for _, e := range kept {
			inKept[e.pos] = true
		}
		for i := len(msgs) - 1; i >= 0 && len(kept) < cfg.Floor; i-- {
			if !inKept[i] {
				kept = append(kept, indexed{msg: msgs[i], pos: i})
				inKept[i] = true
			}
		}
		sortByTime(kept)
	}

	out := make([]domain.Message, len(kept))
	for i, e := range kept {
		out[i] = e.msg
	}
	return out
}
