package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"rdcp/pkg/models"
)

var (
	ErrDuplicateCategory   = errors.New("duplicate category")
	ErrInvalidCategoryName = errors.New("invalid category name")
)

// Registry holds the declared category names per scope. Registration is an
// administrative operation; request handling only reads.
type Registry struct {
	mu     sync.RWMutex
	scopes map[models.Scope]map[string]struct{}
}

func New() *Registry {
	return &Registry{scopes: map[models.Scope]map[string]struct{}{}}
}

func (r *Registry) Register(scope models.Scope, name string) error {
	if !models.ValidCategoryName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCategoryName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	names, ok := r.scopes[scope]
	if !ok {
		names = map[string]struct{}{}
		r.scopes[scope] = names
	}
	if _, exists := names[name]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateCategory, scope, name)
	}
	names[name] = struct{}{}
	return nil
}

// RegisterAll registers every name, stopping at the first failure.
func (r *Registry) RegisterAll(scope models.Scope, names ...string) error {
	for _, name := range names {
		if err := r.Register(scope, name); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Exists(scope models.Scope, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.scopes[scope][name]
	return ok
}

// List returns the categories of scope in lexical order.
func (r *Registry) List(scope models.Scope) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.scopes[scope]
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Scopes() []models.Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Scope, 0, len(r.scopes))
	for scope := range r.scopes {
		out = append(out, scope)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
