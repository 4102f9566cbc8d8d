// Package orchestrator drives one conversation turn end to end: load history,
// call the completion provider, reassemble streamed tool calls, extract inline
// channel commands, execute tools, and persist the result.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

const (
	// maxToolPasses bounds the non-streaming tool loop.
	maxToolPasses = 5

	streamQueueLen = 32
)

// ConversationStore is the slice of the store the orchestrator needs.
type ConversationStore interface {
	SaveMessage(appID, userID, channel string, msg domain.Message)
	History(appID, userID, channel string) []domain.Message
}

// CommandRelay forwards extracted inline commands to the messaging channel.
type CommandRelay interface {
	Send(ctx context.Context, appID, userID, channel, token, text string) error
}

// StreamSink receives incremental chunks during a streaming turn. A non-nil
// error tells the orchestrator the consumer is gone; no further writes are
// attempted.
type StreamSink func(domain.StreamChunk) error

// TurnRequest is one inbound conversation turn.
type TurnRequest struct {
	AppID   string      `json:"app_id"`
	UserID  string      `json:"user_id"`
	Channel string      `json:"channel"`
	Token   string      `json:"token,omitempty"`
	Mode    domain.Mode `json:"mode,omitempty"`
	System  string      `json:"system,omitempty"`
	Content string      `json:"content"`
	Stream  bool        `json:"stream,omitempty"`
}

// TurnResult is the outcome of a non-streaming turn.
type TurnResult struct {
	Text         string       `json:"text"`
	Commands     []string     `json:"commands,omitempty"`
	FinishReason string       `json:"finish_reason"`
	Usage        domain.Usage `json:"usage"`
}

type Config struct {
	Provider    domain.CompletionProvider
	Store       ConversationStore
	Relay       CommandRelay // optional; commands are logged and dropped when nil
	Tools       domain.ToolCatalog
	Model       string
	MaxTokens   int
	Temperature float64
	Logger      *slog.Logger
}

type Orchestrator struct {
	provider    domain.CompletionProvider
	store       ConversationStore
	relay       CommandRelay
	tools       domain.ToolCatalog
	model       string
	maxTokens   int
	temperature float64
	logger      *slog.Logger
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		provider:    cfg.Provider,
		store:       cfg.Store,
		relay:       cfg.Relay,
		tools:       cfg.Tools,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      cfg.Logger,
	}
}

// Respond runs a non-streaming turn: a bounded loop of completion passes where
// every returned tool call is executed and fed back, followed by a single
// command-extraction scan over the final text.
func (o *Orchestrator) Respond(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	metrics.TurnsTotal.Inc()
	mode := normalizeMode(req.Mode)
	history := o.loadHistory(req, mode)

	var resp *domain.ChatResponse
	for pass := 1; ; pass++ {
		var err error
		resp, err = o.chat(ctx, history)
		if err != nil {
			return nil, fmt.Errorf("completion pass %d: %w", pass, err)
		}
		if !resp.HasToolCalls() || pass >= maxToolPasses {
			if resp.HasToolCalls() {
				o.logger.Warn("tool pass limit reached, returning last response",
					"app", req.AppID, "user", req.UserID, "passes", pass)
			}
			break
		}
		history = o.executeTools(ctx, req, history, resp.ToolCalls, mode)
	}

	// The final text is scanned as one unit, not incrementally.
	clean, commands := ExtractCommands(resp.Content)
	o.relayCommands(ctx, req, commands)

	if clean != "" {
		o.store.SaveMessage(req.AppID, req.UserID, req.Channel, domain.Message{
			Role:    domain.RoleAssistant,
			Content: clean,
			Mode:    mode,
		})
	}

	return &TurnResult{
		Text:         clean,
		Commands:     commands,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
	}, nil
}

// RespondStream runs a streaming turn. Content chunks pass through the command
// scanner before reaching the sink; tool-call chunks are forwarded raw while
// their fragments accumulate. When the first stream finishes with a complete
// tool call, the call is executed exactly once and a second stream is issued
// with the tool result in history. The sink always receives a final chunk
// carrying the finish reason.
func (o *Orchestrator) RespondStream(ctx context.Context, req TurnRequest, sink StreamSink) error {
	metrics.TurnsTotal.Inc()
	mode := normalizeMode(req.Mode)
	history := o.loadHistory(req, mode)

	out := &guardedSink{sink: sink, logger: o.logger}
	scanner := NewCommandScanner()
	var visible strings.Builder

	assembler := NewToolCallAssembler(o.logger)
	finish, err := o.streamPass(ctx, req, history, out, scanner, assembler, &visible)
	if err != nil {
		return fmt.Errorf("completion stream: %w", err)
	}

	// Tool execution happens at most once per turn, regardless of how many
	// finish signals the stream carried; the follow-up stream feeds a separate
	// assembler whose calls are never executed.
	if !assembler.Empty() {
		if calls := assembler.Finish(); len(calls) > 0 {
			history = o.executeTools(ctx, req, history, calls, mode)

			second := NewToolCallAssembler(o.logger)
			finish2, err := o.streamPass(ctx, req, history, out, scanner, second, &visible)
			if err != nil {
				return fmt.Errorf("completion stream after tools: %w", err)
			}
			if finish2 != "" {
				finish = finish2
			}
			if !second.Empty() {
				o.logger.Warn("ignoring tool calls from follow-up stream",
					"app", req.AppID, "user", req.UserID)
			}
		}
	}

	// A tag left open at end of stream is force-closed and still relayed; it
	// never reaches the visible text.
	if cmd, ok := scanner.Flush(); ok {
		o.relayCommands(ctx, req, []string{cmd})
	}

	if finish == "" {
		finish = "stop"
	}
	out.write(domain.StreamChunk{FinishReason: finish})

	if text := visible.String(); text != "" {
		o.store.SaveMessage(req.AppID, req.UserID, req.Channel, domain.Message{
			Role:    domain.RoleAssistant,
			Content: text,
			Mode:    mode,
		})
	}
	return nil
}

// streamPass consumes one streaming completion. Chunks are handled strictly in
// order: tool-call deltas feed the assembler and pass through, content feeds
// the command scanner and only the cleaned remainder is forwarded. Returns the
// first finish reason the stream carried.
func (o *Orchestrator) streamPass(
	ctx context.Context,
	req TurnRequest,
	history []domain.Message,
	out *guardedSink,
	scanner *CommandScanner,
	assembler *ToolCallAssembler,
	visible *strings.Builder,
) (string, error) {
	chunks := make(chan domain.StreamChunk, streamQueueLen)
	errc := make(chan error, 1)
	start := time.Now()
	go func() {
		errc <- o.provider.ChatStream(ctx, o.chatRequest(history), chunks)
	}()

	var finish string
	for chunk := range chunks {
		if len(chunk.ToolDeltas) > 0 {
			for _, d := range chunk.ToolDeltas {
				assembler.Add(d)
			}
			// Forward the deltas alone; any content riding on the same chunk
			// goes through the scanner below and must not reach the sink twice.
			raw := chunk
			raw.Content = ""
			out.write(raw)
		}
		if chunk.Content != "" {
			clean, commands := scanner.Scan(chunk.Content)
			o.relayCommands(ctx, req, commands)
			visible.WriteString(clean)
			if clean != "" {
				out.write(domain.StreamChunk{Content: clean})
			}
		}
		if chunk.FinishReason != "" && finish == "" {
			finish = chunk.FinishReason
		}
	}

	err := <-errc
	metrics.LLMLatency.Observe(time.Since(start).Seconds())
	return finish, err
}

// executeTools runs each call in order, appending the assistant tool-call
// message and one tool-result message per call to both the working history and
// the store. A failing tool yields an error string as its result; it never
// aborts the remaining calls.
func (o *Orchestrator) executeTools(
	ctx context.Context,
	req TurnRequest,
	history []domain.Message,
	calls []domain.ToolCall,
	mode domain.Mode,
) []domain.Message {
	assistant := domain.Message{
		Role:      domain.RoleAssistant,
		ToolCalls: calls,
		Mode:      mode,
	}
	history = append(history, assistant)
	o.store.SaveMessage(req.AppID, req.UserID, req.Channel, assistant)

	for _, call := range calls {
		result := o.runTool(ctx, req, call)
		toolMsg := domain.Message{
			Role:       domain.RoleTool,
			Content:    result,
			Name:       call.Name,
			ToolCallID: call.ID,
			Mode:       mode,
		}
		history = append(history, toolMsg)
		o.store.SaveMessage(req.AppID, req.UserID, req.Channel, toolMsg)
	}
	return history
}

func (o *Orchestrator) runTool(ctx context.Context, req TurnRequest, call domain.ToolCall) string {
	fn, ok := o.tools.Lookup(call.Name)
	if !ok {
		o.logger.Warn("model requested unknown tool", "tool", call.Name, "app", req.AppID)
		return fmt.Sprintf("Error: tool %q is not available", call.Name)
	}

	metrics.ToolExecutions.Inc()
	o.logger.Info("executing tool", "tool", call.Name, "app", req.AppID, "user", req.UserID)
	result, err := fn(ctx, req.AppID, req.UserID, req.Channel, call.Arguments)
	if err != nil {
		o.logger.Error("tool execution failed", "tool", call.Name, "err", err)
		return fmt.Sprintf("Error executing tool %s: %v", call.Name, err)
	}
	return result
}

// relayCommands hands each extracted command to the channel relay. Relay
// failures are logged and swallowed; a broken channel must not abort the turn.
func (o *Orchestrator) relayCommands(ctx context.Context, req TurnRequest, commands []string) {
	for _, cmd := range commands {
		if o.relay == nil {
			o.logger.Debug("no command relay configured, dropping command", "command", cmd)
			continue
		}
		if err := o.relay.Send(ctx, req.AppID, req.UserID, req.Channel, req.Token, cmd); err != nil {
			o.logger.Warn("failed to relay command",
				"command", cmd, "channel", req.Channel, "err", err)
			continue
		}
		metrics.CommandsRelayed.Inc()
	}
}

// loadHistory persists the turn's system and user messages, then snapshots the
// conversation for the provider.
func (o *Orchestrator) loadHistory(req TurnRequest, mode domain.Mode) []domain.Message {
	if req.System != "" {
		o.store.SaveMessage(req.AppID, req.UserID, req.Channel, domain.Message{
			Role:    domain.RoleSystem,
			Content: req.System,
		})
	}
	o.store.SaveMessage(req.AppID, req.UserID, req.Channel, domain.Message{
		Role:    domain.RoleUser,
		Content: req.Content,
		Mode:    mode,
	})
	return o.store.History(req.AppID, req.UserID, req.Channel)
}

func (o *Orchestrator) chat(ctx context.Context, history []domain.Message) (*domain.ChatResponse, error) {
	start := time.Now()
	resp, err := o.provider.Chat(ctx, o.chatRequest(history))
	metrics.LLMLatency.Observe(time.Since(start).Seconds())
	return resp, err
}

func (o *Orchestrator) chatRequest(history []domain.Message) domain.ChatRequest {
	var schemas []domain.ToolSchema
	if o.tools != nil {
		schemas = o.tools.Schemas()
	}
	return domain.ChatRequest{
		Model:       o.model,
		Messages:    history,
		Tools:       schemas,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	}
}

// normalizeMode maps missing or unknown modes to chat.
func normalizeMode(m domain.Mode) domain.Mode {
	if m.Valid() {
		return m
	}
	return domain.ModeChat
}

// guardedSink wraps a StreamSink with a closed flag: the first write error
// marks the consumer gone and every later write is a no-op.
type guardedSink struct {
	sink   StreamSink
	closed bool
	logger *slog.Logger
}

func (g *guardedSink) write(chunk domain.StreamChunk) {
	if g.closed {
		return
	}
	if err := g.sink(chunk); err != nil {
		g.closed = true
		g.logger.Warn("output stream closed, dropping remaining chunks", "err", err)
	}
}
