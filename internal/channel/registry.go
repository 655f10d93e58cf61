package channel

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kynetic-ai/kbot/internal/common/errors"
)

// Registry holds the registered channel adapters keyed by platform name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register validates and stores an adapter. All problems are reported in
// one error so a misconfigured adapter is diagnosed in a single pass.
func (r *Registry) Register(adapter Adapter) error {
	var problems []string

	if adapter == nil {
		return errors.Validation("adapter", "adapter is nil")
	}
	name := adapter.Platform()
	if name == "" {
		problems = append(problems, "platform name is empty")
	}
	if strings.ContainsAny(name, ": \t\n") {
		problems = append(problems, fmt.Sprintf("platform name %q contains reserved characters", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		problems = append(problems, fmt.Sprintf("platform %q already registered", name))
	}

	if len(problems) > 0 {
		return errors.Validation("adapter.platform", strings.Join(problems, "; "))
	}

	r.adapters[name] = adapter
	return nil
}

// Get returns the adapter for a platform.
func (r *Registry) Get(platform string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[platform]
	if !ok {
		return nil, errors.NotFound("channel adapter", platform)
	}
	return adapter, nil
}

// Platforms returns the registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
