package job

import (
	"context"
	"sort"
	"sync"
)

// HandlerFunc is a type-erased task handler that accepts a raw JSON
// payload. Definition[T] is converted to a HandlerFunc at registration
// time by closing over [Decode] and the typed handler.
type HandlerFunc func(ctx context.Context, payload []byte) (Details, error)

// Entry is a registered task.
type Entry struct {
	Name    string
	Handler HandlerFunc
	Opts    Options
}

// Registry maps task names to handlers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
	}
}

// RegisterDefinition registers a typed task definition, replacing any
// earlier registration under the same name.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, payload []byte) (Details, error) {
		v, err := Decode[T](payload)
		if err != nil {
			return nil, err
		}
		return def.Handler(ctx, v)
	}
	r.Register(def.Name, handler, def.Opts)
}

// Register registers an untyped handler.
func (r *Registry) Register(name string, h HandlerFunc, opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = Entry{Name: name, Handler: h, Opts: opts}
}

// Get returns the entry for the given task name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns all registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
