package room

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/domain"
	"github.com/weiawesome/wes-io-live/livechat-service/internal/keylock"
	"github.com/weiawesome/wes-io-live/livechat-service/pkg/log"
)

// BusBinder attaches a room to the shared bus. Deliveries for the room are
// handed to deliver until Unsubscribe is called.
type BusBinder interface {
	Subscribe(roomID string, deliver func(domain.ChatMessage)) error
	Unsubscribe(roomID string)
}

// Config sizes the registry.
type Config struct {
	StreamBuffer int           `mapstructure:"stream_buffer"`
	BacklogSize  int           `mapstructure:"backlog_size"`
	Shards       int           `mapstructure:"shards"`
	IdleTTL      time.Duration `mapstructure:"idle_ttl"`
}

// DefaultConfig returns the default registry sizing.
func DefaultConfig() Config {
	return Config{
		StreamBuffer: 256,
		BacklogSize:  256,
		Shards:       32,
		IdleTTL:      time.Minute,
	}
}

type shard struct {
	topics map[string]*Topic
	mu     sync.Mutex
}

// Registry owns every room topic on this instance. Creation and reference
// counting of a room happen under the lock of the shard the room id hashes
// to. Bus binding happens outside it, serialized per room, so a slow bus
// never stalls other rooms.
type Registry struct {
	shards []*shard
	bus    BusBinder
	binds  *keylock.Map
	cfg    Config
}

// NewRegistry creates a registry. bus may be nil for a single instance setup.
func NewRegistry(cfg Config, bus BusBinder) *Registry {
	def := DefaultConfig()
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = def.StreamBuffer
	}
	if cfg.BacklogSize < 0 {
		cfg.BacklogSize = 0
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{topics: make(map[string]*Topic)}
	}
	return &Registry{shards: shards, bus: bus, binds: keylock.New(), cfg: cfg}
}

func (r *Registry) shardFor(roomID string) *shard {
	return r.shards[xxhash.Sum64String(roomID)%uint64(len(r.shards))]
}

// getOrCreate must be called with sh.mu held.
func (r *Registry) getOrCreate(sh *shard, roomID string) *Topic {
	t, ok := sh.topics[roomID]
	if !ok {
		t = newTopic(roomID, r.cfg.StreamBuffer, r.cfg.BacklogSize)
		sh.topics[roomID] = t
		l := log.L()
		l.Debug().Str(log.FieldRoomID, roomID).Msg("room topic created")
	}
	return t
}

// Subscribe takes a reference on roomID, creating the topic if needed. The
// first reference binds the room to the shared bus unless the room is
// local-only; Subscribe returns once the bind has been attempted. A bus
// failure leaves the room serving local subscribers.
func (r *Registry) Subscribe(roomID string) {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	t := r.getOrCreate(sh, roomID)
	t.refCount++
	first := t.refCount == 1
	sh.mu.Unlock()

	if first && r.bus != nil && !domain.IsLocalRoom(roomID) {
		r.bind(t)
	}
}

func (r *Registry) bind(t *Topic) {
	unlock := r.binds.Lock(t.RoomID)
	defer unlock()

	// Released before the bind lock was ours.
	if t.isClosed() {
		return
	}

	deliver := func(msg domain.ChatMessage) {
		if !t.emit(msg) {
			l := log.L()
			l.Debug().Str(log.FieldRoomID, t.RoomID).Msg("bus delivery for closed room dropped")
		}
	}
	if err := r.bus.Subscribe(t.RoomID, deliver); err != nil {
		l := log.L()
		l.Warn().Err(err).Str(log.FieldRoomID, t.RoomID).Str(log.FieldChannel, t.Channel).
			Msg("bus subscribe failed, room is local only")
		return
	}
	t.bound = true
}

// Unsubscribe releases a reference on roomID. The last release closes every
// stream of the room and unbinds the bus.
func (r *Registry) Unsubscribe(roomID string) {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	t, ok := sh.topics[roomID]
	if !ok || t.refCount == 0 {
		sh.mu.Unlock()
		return
	}
	t.refCount--
	last := t.refCount == 0
	if last {
		delete(sh.topics, roomID)
	}
	sh.mu.Unlock()

	if last {
		r.release(t)
	}
}

// release closes a topic already removed from its shard, then unbinds it.
// Closing first means no bus delivery reaches a stream once release starts.
func (r *Registry) release(t *Topic) {
	t.close()
	l := log.L()
	l.Debug().Str(log.FieldRoomID, t.RoomID).Msg("room topic released")

	if r.bus == nil {
		return
	}
	unlock := r.binds.Lock(t.RoomID)
	defer unlock()

	if !t.bound {
		return
	}
	t.bound = false
	// A newer topic for the same room has already rebound the bus and owns
	// the listener now.
	if cur := r.lookup(t.RoomID); cur != nil && cur.bound {
		return
	}
	r.bus.Unsubscribe(t.RoomID)
}

func (r *Registry) lookup(roomID string) *Topic {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.topics[roomID]
}

// Stream attaches a new subscriber stream to roomID. An absent room yields
// an already closed stream.
func (r *Registry) Stream(roomID string) *Stream {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	t, ok := sh.topics[roomID]
	sh.mu.Unlock()

	if !ok {
		return closedStream(roomID)
	}
	return t.attach()
}

// PublishLocal emits msg to the room's local subscribers, creating the topic
// if needed.
func (r *Registry) PublishLocal(roomID string, msg domain.ChatMessage) {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	t := r.getOrCreate(sh, roomID)
	sh.mu.Unlock()

	t.emit(msg)
}

// Deliver emits msg only into an existing topic. It reports whether the room
// was present.
func (r *Registry) Deliver(roomID string, msg domain.ChatMessage) bool {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	t, ok := sh.topics[roomID]
	sh.mu.Unlock()

	if !ok {
		return false
	}
	return t.emit(msg)
}

// RefCount returns the current reference count of roomID.
func (r *Registry) RefCount(roomID string) int {
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if t, ok := sh.topics[roomID]; ok {
		return t.refCount
	}
	return 0
}

// Rooms returns the ids of every live topic.
func (r *Registry) Rooms() []string {
	var rooms []string
	for _, sh := range r.shards {
		sh.mu.Lock()
		rooms = append(rooms, lo.Keys(sh.topics)...)
		sh.mu.Unlock()
	}
	return rooms
}

// UnsubscribeAll tears every room down regardless of its reference count.
func (r *Registry) UnsubscribeAll() {
	for _, t := range r.evict(func(*Topic) bool { return true }) {
		r.release(t)
	}
}

// Sweep removes unreferenced topics (created by a publish) that have been
// idle since before cutoff. It returns how many were removed.
func (r *Registry) Sweep(cutoff time.Time) int {
	evicted := r.evict(func(t *Topic) bool {
		return t.refCount == 0 && t.idleSince(cutoff)
	})
	for _, t := range evicted {
		r.release(t)
	}
	return len(evicted)
}

// evict removes the topics match selects from their shards and returns them
// for release outside the shard locks.
func (r *Registry) evict(match func(*Topic) bool) []*Topic {
	var evicted []*Topic
	for _, sh := range r.shards {
		sh.mu.Lock()
		for roomID, t := range sh.topics {
			if match(t) {
				delete(sh.topics, roomID)
				evicted = append(evicted, t)
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Run sweeps idle unreferenced topics until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.cfg.IdleTTL <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(r.cfg.IdleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.Sweep(now.Add(-r.cfg.IdleTTL)); n > 0 {
				l := log.L()
				l.Debug().Int("removed", n).Msg("swept idle room topics")
			}
		}
	}
}
