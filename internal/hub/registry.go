package hub

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/aogate/aogate/internal/store"
)

// Registry hands out the UserHub for a user id, creating it on first use.
// Hubs live for the process lifetime; their durable rows are scoped by
// user_id so an idle hub holds no state worth evicting.
type Registry struct {
	mu    sync.Mutex
	store *store.Store
	log   zerolog.Logger
	hubs  map[string]*UserHub
}

// NewRegistry creates an empty hub registry.
func NewRegistry(st *store.Store, log zerolog.Logger) *Registry {
	return &Registry{
		store: st,
		log:   log,
		hubs:  make(map[string]*UserHub),
	}
}

// Get returns the hub owning userID's fleet.
func (r *Registry) Get(userID string) *UserHub {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[userID]
	if !ok {
		h = NewUserHub(userID, r.store, r.log)
		r.hubs[userID] = h
	}
	return h
}
