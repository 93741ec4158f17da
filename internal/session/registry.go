package session

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
)

const shardCount = 16

type shard struct {
	sessions map[string]*domain.Session
	mu       sync.RWMutex
}

// Registry holds the live sessions of this instance.
type Registry struct {
	shards [shardCount]*shard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*domain.Session)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	return r.shards[xxhash.Sum64String(id)%shardCount]
}

// Add registers s. Registering an id twice fails with domain.ErrSessionExists.
func (r *Registry) Add(s *domain.Session) error {
	sh := r.shardFor(s.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionExists, s.ID)
	}
	sh.sessions[s.ID] = s
	return nil
}

func (r *Registry) Get(id string) (*domain.Session, bool) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// Remove unregisters id and returns the removed session.
func (r *Registry) Remove(id string) (*domain.Session, bool) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	return s, ok
}

func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// IDs returns a snapshot of registered session ids.
func (r *Registry) IDs() []string {
	var ids []string
	for _, sh := range r.shards {
		sh.mu.RLock()
		ids = append(ids, lo.Keys(sh.sessions)...)
		sh.mu.RUnlock()
	}
	return ids
}
