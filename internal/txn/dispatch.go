package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownAction is returned when no handler is registered for a command.
var ErrUnknownAction = errors.New("unknown undo action")

// Dispatcher executes undo commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) error
}

// HandlerFunc executes one undo action with its payload.
type HandlerFunc func(ctx context.Context, payload map[string]any) error

// Handlers is a Dispatcher backed by a registry of action handlers.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHandlers returns an empty registry.
func NewHandlers() *Handlers {
	return &Handlers{handlers: make(map[string]HandlerFunc)}
}

// Register binds action to fn, replacing any previous handler.
func (h *Handlers) Register(action string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[action] = fn
}

// Actions lists registered actions in sorted order.
func (h *Handlers) Actions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.handlers))
	for action := range h.handlers {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler registered for cmd.Action.
func (h *Handlers) Dispatch(ctx context.Context, cmd Command) error {
	h.mu.RLock()
	fn, ok := h.handlers[cmd.Action]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("dispatch %q: %w", cmd.Action, ErrUnknownAction)
	}
	return fn(ctx, cmd.Payload)
}

// PayloadString extracts a string field from an undo payload.
func PayloadString(payload map[string]any, key string) (string, error) {
	raw, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("payload missing %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("payload field %q is %T, want string", key, raw)
	}
	return s, nil
}
