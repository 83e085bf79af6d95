package pipeline

import (
	"context"
	"fmt"
	"slices"

	"chronicler/internal/archive"
	"chronicler/internal/frame"
)

// CommandHandler runs a bot command. Commands are answered upstream of
// storage and never archived.
type CommandHandler func(ctx context.Context, cmd *frame.CommandFrame) error

// CommandRouter hands command frames to their handler and drops them.
// Other frames pass through unchanged.
type CommandRouter struct {
	handlers map[string]CommandHandler
	logger   archive.Logger
}

// NewCommandRouter creates a router. Keys are commands with their leading
// slash, e.g. "/status".
func NewCommandRouter(handlers map[string]CommandHandler, logger archive.Logger) *CommandRouter {
	return &CommandRouter{handlers: handlers, logger: logger}
}

func (r *CommandRouter) Name() string { return "commands" }

func (r *CommandRouter) Process(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	cmd, ok := f.(*frame.CommandFrame)
	if !ok {
		return f, nil
	}
	h, ok := r.handlers[cmd.Command()]
	if !ok {
		return nil, Drop(fmt.Sprintf("unknown command %s", cmd.Command()))
	}
	if err := h(ctx, cmd); err != nil {
		return nil, fmt.Errorf("command %s: %w", cmd.Command(), err)
	}
	return nil, Drop(fmt.Sprintf("command %s handled", cmd.Command()))
}

// ChatFilter drops frames from chats outside an allow list. An empty list
// allows every chat.
type ChatFilter struct {
	allowed []int64
}

// NewChatFilter creates a filter for the given chat ids.
func NewChatFilter(allowed ...int64) *ChatFilter {
	return &ChatFilter{allowed: allowed}
}

func (c *ChatFilter) Name() string { return "chat-filter" }

func (c *ChatFilter) Process(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	if len(c.allowed) == 0 {
		return f, nil
	}
	id, ok, err := archive.MetadataInt(f.Metadata(), "chat_id")
	if err != nil {
		return nil, err
	}
	if !ok || !slices.Contains(c.allowed, id) {
		return nil, Drop(fmt.Sprintf("chat %d not archived", id))
	}
	return f, nil
}
