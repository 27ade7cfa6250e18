package routing

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sammck-go/logger"

	"github.com/age-rs/snocat/pkg/tunnel"
)

// ErrDuplicateService is returned by Register when the selector is
// already taken. The existing registration is untouched.
var ErrDuplicateService = errors.New("service selector already registered")

// ErrServiceNotFound is matched (via errors.Is) by lookup and connect
// failures for selectors with no registered handler.
var ErrServiceNotFound = errors.New("service not found")

// Handler serves one inbound stream that was routed to its selector. The
// handler owns the stream for the duration of the call; the router closes
// the stream when ServeStream returns. ctx is canceled when the owning
// daemon shuts down.
type Handler interface {
	ServeStream(ctx context.Context, stream *tunnel.Stream) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, stream *tunnel.Stream) error

// ServeStream calls f.
func (f HandlerFunc) ServeStream(ctx context.Context, stream *tunnel.Stream) error {
	return f(ctx, stream)
}

// Registry maps service selectors to handlers. All methods are safe for
// concurrent use; a registration is visible to routing decisions made
// after Register returns.
type Registry struct {
	logger   logger.Logger
	mu       sync.Mutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry(lg logger.Logger) *Registry {
	return &Registry{
		logger:   lg.ForkLogStr("registry"),
		handlers: make(map[string]Handler),
	}
}

// Register binds selector to handler. Selectors are exact-match keys with
// no pattern semantics. Registering a taken selector fails with
// ErrDuplicateService and changes nothing.
func (r *Registry) Register(selector string, handler Handler) error {
	if err := ValidateSelector(selector); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.handlers[selector]; taken {
		return ErrDuplicateService
	}
	r.handlers[selector] = handler
	r.logger.DLogf("Registered service %q", selector)
	return nil
}

// Deregister removes selector's registration. Deregistering an unknown
// selector is a no-op. Streams already matched keep running; only future
// lookups are affected.
func (r *Registry) Deregister(selector string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[selector]; ok {
		delete(r.handlers, selector)
		r.logger.DLogf("Deregistered service %q", selector)
	}
}

// Lookup returns the handler registered for selector, or
// ErrServiceNotFound.
func (r *Registry) Lookup(selector string) (Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handler, ok := r.handlers[selector]
	if !ok {
		return nil, ErrServiceNotFound
	}
	return handler, nil
}

// Selectors returns a sorted snapshot of the registered selectors.
func (r *Registry) Selectors() []string {
	r.mu.Lock()
	selectors := make([]string, 0, len(r.handlers))
	for selector := range r.handlers {
		selectors = append(selectors, selector)
	}
	r.mu.Unlock()
	sort.Strings(selectors)
	return selectors
}
