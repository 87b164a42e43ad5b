package session

import (
	"sync"

	"github.com/agentworkforce/relaygroup/internal/store"
)

// DestinationRef is the in-memory copy of the configured destination,
// shared between the command surface and the reconciler.
type DestinationRef struct {
	mu   sync.RWMutex
	dest store.Destination
}

func (r *DestinationRef) Get() (store.Destination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dest, r.dest.Configured()
}

func (r *DestinationRef) Set(dest store.Destination) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dest = dest
}

func (r *DestinationRef) Clear() {
	r.Set(store.Destination{})
}
