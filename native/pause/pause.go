package pause

import (
	"fmt"
	"sync"
)

// Storage abstracts the persistence required by the registry.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Registry tracks the global pause switch and per-function pauses. The vault
// engine checks both before executing any entry point; admins bypass the
// global switch but never a per-function pause.
type Registry struct {
	mu    sync.Mutex
	store Storage
}

// NewRegistry constructs a registry bound to the provided storage backend.
func NewRegistry(store Storage) *Registry {
	return &Registry{store: store}
}

// SetPaused toggles the global pause switch.
func (r *Registry) SetPaused(paused bool) error {
	return r.put(globalKey(), paused)
}

// SetFunctionPaused toggles the pause switch for a single entry point.
func (r *Registry) SetFunctionPaused(selector string, paused bool) error {
	if selector == "" {
		return fmt.Errorf("pause: selector required")
	}
	return r.put(functionKey(selector), paused)
}

// IsPaused reports whether the global switch is engaged.
func (r *Registry) IsPaused() bool {
	return r.get(globalKey())
}

// IsFunctionPaused reports whether the entry point is individually paused.
func (r *Registry) IsFunctionPaused(selector string) bool {
	return r.get(functionKey(selector))
}

func (r *Registry) put(key []byte, value bool) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("pause: registry not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.KVPut(key, value)
}

func (r *Registry) get(key []byte) bool {
	if r == nil || r.store == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var paused bool
	ok, err := r.store.KVGet(key, &paused)
	if err != nil || !ok {
		return false
	}
	return paused
}

func globalKey() []byte {
	return []byte("pause/global")
}

func functionKey(selector string) []byte {
	return []byte("pause/fn/" + selector)
}
