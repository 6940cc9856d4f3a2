package router

import (
	"context"
	"sync"
	"time"

	"github.com/meawoppl/claude-code-portal/internal/cache"
	"github.com/meawoppl/claude-code-portal/internal/logger"
	"github.com/meawoppl/claude-code-portal/internal/protocol"
	"github.com/meawoppl/claude-code-portal/internal/store"
)

// Registry maps session_id -> session actor mailbox. It is the only
// cross-session shared state besides the store's connection pool: a
// read-mostly lock, readers common, writers only on session spawn/park.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store  *store.Store
	cache  *cache.Cache
	config Config

	stopParker chan struct{}
}

func NewRegistry(st *store.Store, ch *cache.Cache, cfg Config) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		store:      st,
		cache:      ch,
		config:     cfg.withDefaults(),
		stopParker: make(chan struct{}),
	}
}

// RunStatusSubscriber relays SessionStatus transitions published by other
// backend replicas to this replica's locally resident viewers. A session
// this replica has never loaded is ignored — it has no local viewers to
// notify.
func (r *Registry) RunStatusSubscriber(ctx context.Context) {
	if r.cache == nil || !r.cache.IsEnabled() {
		return
	}
	for event := range r.cache.SubscribeStatus(ctx) {
		r.mu.RLock()
		s, ok := r.sessions[event.SessionID]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		s.applyRemoteStatus(event.Status)
	}
}

// Get returns the actor for sessionID, spawning one if it is not already
// resident. A freshly spawned actor has not loaded its row yet — the
// caller's first event (attach_proxy or subscribe_viewer) does that.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return s
	}
	s = newSession(sessionID, r, r.store, r.cache, r.config)
	r.sessions[sessionID] = s
	go s.run()
	return s
}

// park removes a session from the registry once its actor has decided to
// exit. A subsequent frame for the same session_id re-hydrates a fresh
// actor via Get.
func (r *Registry) park(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// RunIdleSweeper periodically nudges every resident session with a tick
// event, driving idle-park decisions and gap-buffer retransmit requests.
// It exits when stop is closed.
func (r *Registry) RunIdleSweeper(tick time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	log := logger.Router()

	for {
		select {
		case <-ticker.C:
			r.mu.RLock()
			sessions := make([]*Session, 0, len(r.sessions))
			for _, s := range r.sessions {
				sessions = append(sessions, s)
			}
			r.mu.RUnlock()

			for _, s := range sessions {
				s.tick()
			}
			log.Debug().Int("resident_sessions", len(sessions)).Msg("idle sweep")
		case <-stop:
			return
		}
	}
}

// Shutdown sends ServerShutdown to every live connection of every resident
// session. It does not close connections or park the actors.
func (r *Registry) Shutdown(reason string, reconnectDelayMs int) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	frame := &protocol.Frame{
		Type:             protocol.TypeServerShutdown,
		Reason:           reason,
		ReconnectDelayMs: reconnectDelayMs,
	}
	for _, s := range sessions {
		s.broadcastShutdown(frame)
	}
}

// SessionCount reports how many session actors are currently resident,
// for health/metrics reporting.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
