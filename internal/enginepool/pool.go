// Package enginepool owns the live instrument engines of one jam session.
//
// The package splits the work across four pieces:
//
//   - [Pool] stores constructed engines: one local slot for the participant
//     on this host, a keyed map for everyone heard over the network.
//   - [Coordinator] serialises engine construction so concurrent requests
//     for the same [Key] share a single load, and walks the fallback catalog
//     when an instrument refuses to load.
//   - [Router] is the playback front door: local operations wait for their
//     engine, remote operations either hit a ready engine or are dropped
//     while a background load warms one up.
//   - [Adapter] follows voice-chat activity and flips pooled engines between
//     full and reduced rendering quality.
//
// All types are safe for concurrent use.
package enginepool

import (
	"sync"
	"time"

	"github.com/tonefield/jamroom/pkg/instrument"
)

// poolEntry pairs an engine with the key it is stored under and its last
// access time, which drives idle eviction of remote entries.
type poolEntry struct {
	key      Key
	engine   instrument.Engine
	lastUsed time.Time
}

// Removed is an engine taken out of the pool together with the key it was
// stored under. The caller owns disposal.
type Removed struct {
	Key    Key
	Engine instrument.Engine
}

// Pool holds the session's constructed engines. It is a plain data
// structure: it never constructs or disposes engines itself — that ordering
// belongs to the [Coordinator] and [Router].
type Pool struct {
	mu     sync.Mutex
	local  *poolEntry
	remote map[Key]*poolEntry
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{remote: make(map[Key]*poolEntry)}
}

// Local returns the local slot's key and engine.
func (p *Pool) Local() (Key, instrument.Engine, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil {
		return Key{}, nil, false
	}
	return p.local.key, p.local.engine, true
}

// TakeLocal removes and returns the local slot's engine.
func (p *Pool) TakeLocal() (Key, instrument.Engine, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil {
		return Key{}, nil, false
	}
	e := p.local
	p.local = nil
	return e.key, e.engine, true
}

// PutLocal stores engine in the local slot. The slot must be empty — the
// caller takes and disposes any previous engine first.
func (p *Pool) PutLocal(key Key, engine instrument.Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &poolEntry{key: key, engine: engine, lastUsed: time.Now()}
}

// Remote returns the engine stored under key and marks it used. Playback
// access counts as use so active engines survive idle eviction.
func (p *Pool) Remote(key Key) (instrument.Engine, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.remote[key]
	if !ok {
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.engine, true
}

// TakeRemote removes and returns the engine stored under key.
func (p *Pool) TakeRemote(key Key) (instrument.Engine, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.remote[key]
	if !ok {
		return nil, false
	}
	delete(p.remote, key)
	return e.engine, true
}

// PutRemote stores engine under key. The slot must be empty — the caller
// takes and disposes any previous engine first.
func (p *Pool) PutRemote(key Key, engine instrument.Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote[key] = &poolEntry{key: key, engine: engine, lastUsed: time.Now()}
}

// RemoveParticipant removes every entry belonging to participant, the local
// slot included, and returns them for disposal.
func (p *Pool) RemoveParticipant(participant string) []Removed {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed []Removed
	if p.local != nil && p.local.key.Participant == participant {
		removed = append(removed, Removed{Key: p.local.key, Engine: p.local.engine})
		p.local = nil
	}
	for key, e := range p.remote {
		if key.Participant == participant {
			removed = append(removed, Removed{Key: key, Engine: e.engine})
			delete(p.remote, key)
		}
	}
	return removed
}

// SweepIdle removes remote entries whose last use is older than ttl as of
// now and returns them for disposal. The local slot is never swept.
func (p *Pool) SweepIdle(now time.Time, ttl time.Duration) []Removed {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed []Removed
	for key, e := range p.remote {
		if now.Sub(e.lastUsed) > ttl {
			removed = append(removed, Removed{Key: key, Engine: e.engine})
			delete(p.remote, key)
		}
	}
	return removed
}

// Clear empties the pool and returns everything it held for disposal.
func (p *Pool) Clear() []Removed {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed []Removed
	if p.local != nil {
		removed = append(removed, Removed{Key: p.local.key, Engine: p.local.engine})
		p.local = nil
	}
	for key, e := range p.remote {
		removed = append(removed, Removed{Key: key, Engine: e.engine})
		delete(p.remote, key)
	}
	return removed
}

// Engines returns a snapshot of every pooled engine, local slot first.
func (p *Pool) Engines() []instrument.Engine {
	p.mu.Lock()
	defer p.mu.Unlock()
	engines := make([]instrument.Engine, 0, len(p.remote)+1)
	if p.local != nil {
		engines = append(engines, p.local.engine)
	}
	for _, e := range p.remote {
		engines = append(engines, e.engine)
	}
	return engines
}

// Keys returns a snapshot of every pooled key, local slot first.
func (p *Pool) Keys() []Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]Key, 0, len(p.remote)+1)
	if p.local != nil {
		keys = append(keys, p.local.key)
	}
	for key := range p.remote {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of pooled engines, local slot included.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.remote)
	if p.local != nil {
		n++
	}
	return n
}
