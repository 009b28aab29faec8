package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dotside-studios/davi-pcsc-bridge/protocol"
)

// HandlerFunc handles one inbound observer request. It replies through obs
// and returns an error if processing failed.
type HandlerFunc func(ctx context.Context, obs *Observer, req protocol.WebSocketRequest) error

// HandlerRegistry routes inbound requests by message type.
type HandlerRegistry struct {
	handlers map[string]HandlerFunc
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers a handler for a message type.
// Returns an error if a handler for the same message type is already registered.
func (r *HandlerRegistry) Handle(messageType string, handler HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	if messageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[messageType]; exists {
		return fmt.Errorf("handler for message type '%s' already registered", messageType)
	}

	r.handlers[messageType] = handler
	return nil
}

// Get retrieves a handler by message type.
func (r *HandlerRegistry) Get(messageType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[messageType]
	return handler, ok
}

// Has checks if a handler exists for the given message type.
func (r *HandlerRegistry) Has(messageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[messageType]
	return ok
}

// MessageTypes returns all registered message types, sorted.
func (r *HandlerRegistry) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Dispatch routes req to its handler. Unknown types get an error reply.
func (r *HandlerRegistry) Dispatch(ctx context.Context, obs *Observer, req protocol.WebSocketRequest) error {
	handler, ok := r.Get(req.Type)
	if !ok {
		obs.SendError(req.ID, protocol.ErrCodeUnknownType, fmt.Sprintf("Unknown message type: %s", req.Type))
		return fmt.Errorf("unknown message type %q", req.Type)
	}
	return handler(ctx, obs, req)
}
