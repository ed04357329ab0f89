package clients

import (
	"context"
	"sync"
	"time"

	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"github.com/solanagram/backend/internal/telegram"
)

// Client is the slice of the Telegram wrapper the orchestrator drives.
// *telegram.Client satisfies it; tests plug in fakes.
type Client interface {
	Connect(ctx context.Context) error
	Connected() bool
	Close()
	Self(ctx context.Context) (*tg.User, error)
	Authorized(ctx context.Context) (bool, error)
	SendCode(ctx context.Context, phone string) (*telegram.SentCode, error)
	SignIn(ctx context.Context, phone, codeHash, code string) error
	SignInPassword(ctx context.Context, password string) error
	Logout(ctx context.Context) error
	GetChats(ctx context.Context) ([]telegram.Chat, error)
}

// Handle is one cached client with its lease metadata.
type Handle struct {
	Client     Client
	Phone      string
	UserID     int64
	CreatedAt  time.Time
	Authorized bool
}

// Registry caches connected clients per phone. A handle lives for a
// fixed TTL from its creation; hits do not extend the lease, so even a
// busy client gets rebuilt once its lifetime runs out. A handle is
// served only while its lease holds and the client still reports
// connected; anything else is evicted on sight. Mutations to one
// phone's entry happen under that phone's single-flight lock.
type Registry struct {
	ttl time.Duration
	log zerolog.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
	locks   map[string]*sync.Mutex
}

// NewRegistry builds an empty registry with the given lease TTL.
func NewRegistry(ttl time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		ttl:     ttl,
		log:     logger.With().Str("component", "registry").Logger(),
		handles: make(map[string]*Handle),
		locks:   make(map[string]*sync.Mutex),
	}
}

// LockPhone serializes all work for one phone. It returns the unlock
// func; callers hold the lock across the whole ensure/auth operation.
func (r *Registry) LockPhone(phone string) func() {
	r.mu.Lock()
	l, ok := r.locks[phone]
	if !ok {
		l = &sync.Mutex{}
		r.locks[phone] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Get returns the handle for phone if its lease holds and the client is
// still connected. A stale or dead handle is evicted and reported as a
// miss.
func (r *Registry) Get(phone string) (*Handle, bool) {
	r.mu.RLock()
	h, ok := r.handles[phone]
	if ok && r.fresh(h) {
		r.mu.RUnlock()
		return h, true
	}
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}
	r.log.Debug().Str("phone", phone).Msg("evicting stale client")
	r.remove(phone, h)
	return nil, false
}

// Put stores h, replacing (and closing) any previous handle for the
// same phone.
func (r *Registry) Put(h *Handle) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}

	r.mu.Lock()
	prev := r.handles[h.Phone]
	r.handles[h.Phone] = h
	r.mu.Unlock()

	if prev != nil && prev != h {
		go prev.Client.Close()
	}
}

// Evict removes the handle for phone, if any, and closes its client in
// the background. Idempotent.
func (r *Registry) Evict(phone string) bool {
	r.mu.Lock()
	h, ok := r.handles[phone]
	if ok {
		delete(r.handles, phone)
	}
	r.mu.Unlock()

	if ok {
		r.log.Debug().Str("phone", phone).Msg("client evicted")
		go h.Client.Close()
	}
	return ok
}

// Sweep evicts every expired or disconnected handle and returns how many
// went.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	var dead []*Handle
	for phone, h := range r.handles {
		if !r.fresh(h) {
			delete(r.handles, phone)
			dead = append(dead, h)
		}
	}
	r.mu.Unlock()

	for _, h := range dead {
		go h.Client.Close()
	}
	if len(dead) > 0 {
		r.log.Info().Int("evicted", len(dead)).Msg("registry sweep")
	}
	return len(dead)
}

// Len reports how many handles are cached, stale ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Shutdown closes every cached client and empties the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.Client.Close()
		}(h)
	}
	wg.Wait()
	r.log.Info().Int("closed", len(handles)).Msg("registry shut down")
}

func (r *Registry) fresh(h *Handle) bool {
	return time.Since(h.CreatedAt) <= r.ttl && h.Client.Connected()
}

// remove deletes phone only if it still maps to the same handle, so a
// concurrent Put is never clobbered.
func (r *Registry) remove(phone string, h *Handle) {
	r.mu.Lock()
	cur, ok := r.handles[phone]
	if ok && cur == h {
		delete(r.handles, phone)
	}
	r.mu.Unlock()

	if ok && cur == h {
		go h.Client.Close()
	}
}
