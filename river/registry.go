// Package river runs the engine's background work on the River job queue:
// notice delivery, deferred execution of approved requests and the periodic
// stale-request sweep.
package river

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/lirancohen/loupe/approval"
)

// ErrHandlerNotFound is returned when a notice handler is not registered.
var ErrHandlerNotFound = errors.New("notice handler not found")

// ErrNoExecutor is returned when execute jobs run before SetExecutor.
var ErrNoExecutor = errors.New("no executor registered")

// ErrNoExpirer is returned when expiry jobs run before SetExpirer.
var ErrNoExpirer = errors.New("no expirer registered")

// NamedHandler is a registered handler together with its name.
type NamedHandler struct {
	Name    string
	Handler NoticeHandler
}

// subscription is a handler and the notice kinds it receives.
// Empty kinds means every kind.
type subscription struct {
	handler NoticeHandler
	kinds   []approval.NoticeKind
}

func (s subscription) wants(kind approval.NoticeKind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

// Registry stores what jobs look up when they run: the notice handlers by
// name, and the executor and expirer targets. The targets are set after the
// engine exists, which lets the runner serve as the engine's Notifier.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]subscription
	executor Executor
	expirer  Expirer
}

// NewRegistry creates a new Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]subscription),
	}
}

// Subscribe registers h under name for the given notice kinds, or for every
// kind when none are given. Subscribing an existing name replaces it.
func (r *Registry) Subscribe(name string, h NoticeHandler, kinds ...approval.NoticeKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[name] = subscription{handler: h, kinds: slices.Clone(kinds)}
}

// Unsubscribe removes the handler registered under name. Queued jobs for it
// are dropped when they run.
func (r *Registry) Unsubscribe(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handlers, name)
}

// Handler retrieves a handler by name.
// Returns ErrHandlerNotFound if the name is not registered.
func (r *Registry) Handler(name string) (NoticeHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, name)
	}
	return s.handler, nil
}

// Handlers returns the handlers subscribed to kind, sorted by name.
func (r *Registry) Handlers(kind approval.NoticeKind) []NamedHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []NamedHandler
	for name, s := range r.handlers {
		if s.wants(kind) {
			result = append(result, NamedHandler{Name: name, Handler: s.handler})
		}
	}
	slices.SortFunc(result, func(a, b NamedHandler) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result
}

// Names returns the names of all registered handlers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handlers)
}

// SetExecutor sets the target of execute jobs.
func (r *Registry) SetExecutor(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.executor = e
}

// Executor returns the target of execute jobs.
// Returns ErrNoExecutor if none is set.
func (r *Registry) Executor() (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.executor == nil {
		return nil, ErrNoExecutor
	}
	return r.executor, nil
}

// SetExpirer sets the target of expiry jobs.
func (r *Registry) SetExpirer(x Expirer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expirer = x
}

// Expirer returns the target of expiry jobs.
// Returns ErrNoExpirer if none is set.
func (r *Registry) Expirer() (Expirer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.expirer == nil {
		return nil, ErrNoExpirer
	}
	return r.expirer, nil
}
