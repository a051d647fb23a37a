package usage

import (
	"hash/fnv"
	"sync"

	"github.com/gatemeter/gatemeter/internal/ledger"
	"github.com/gatemeter/gatemeter/internal/store"
)

const registryShards = 32

// Registry hands out the single live actor per resource key.
//
// Within one process this gives true per-key exclusivity: every operation on
// a key goes through the one actor the registry owns for it. Across multiple
// process instances sharing a store there is no global placement, so the
// guarantee degrades to best-effort per instance.
type Registry struct {
	store  store.Store
	ledger ledger.Client
	cfg    Config

	shards [registryShards]registryShard
}

type registryShard struct {
	mu     sync.Mutex
	actors map[string]*Actor
}

// NewRegistry creates an actor registry.
func NewRegistry(st store.Store, lc ledger.Client, cfg Config) *Registry {
	r := &Registry{
		store:  st,
		ledger: lc,
		cfg:    cfg,
	}
	for i := range r.shards {
		r.shards[i].actors = make(map[string]*Actor)
	}
	return r
}

// Actor returns the actor owning resourceID, creating it lazily.
// The returned actor hydrates its state on first operation.
func (r *Registry) Actor(resourceID string) *Actor {
	shard := &r.shards[shardIndex(resourceID)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if a, ok := shard.actors[resourceID]; ok {
		return a
	}

	a := NewActor(resourceID, r.store, r.ledger, r.cfg)
	shard.actors[resourceID] = a
	return a
}

// Len returns the number of actors across all shards.
func (r *Registry) Len() int {
	total := 0
	for i := range r.shards {
		r.shards[i].mu.Lock()
		total += len(r.shards[i].actors)
		r.shards[i].mu.Unlock()
	}
	return total
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % registryShards)
}
