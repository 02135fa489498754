// Package kms holds distilled keys and tracks their lifecycle from
// distribution through consumption or compromise.
package kms

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrKeyNotActive   = errors.New("key not active")
	ErrKeyConsumed    = errors.New("key already consumed")
	ErrInvalidKeyBits = errors.New("invalid key bits")
)

// DefaultCapacity bounds the pool; adding beyond it evicts the oldest
// retired key, or the oldest key outright if every slot is active.
const DefaultCapacity = 50

// Status is a key's lifecycle state. Every key is in exactly one state
// and each transition happens at most once, except that marking an
// already-compromised key is a no-op.
type Status string

const (
	StatusActive      Status = "active"
	StatusUsed        Status = "used"
	StatusCompromised Status = "compromised"
)

// Key is one distilled key held by the pool. Material is the key packed
// MSB-first; BitLen is its true length in bits.
type Key struct {
	ID        string
	SessionID string
	Material  []byte
	BitLen    int
	Digest    string
	QBER      float64

	// RouteLinks are the link IDs the distribution traversed, used to
	// invalidate keys when a link is later found compromised.
	RouteLinks []string

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stats is a point-in-time census of the pool.
type Stats struct {
	Total       int
	Active      int
	Used        int
	Compromised int
}

// Pool is a bounded, thread-safe key store.
type Pool struct {
	mu       sync.RWMutex
	capacity int
	keys     map[string]*Key
	order    []string // insertion order, oldest first
}

// Option customizes a Pool.
type Option func(*Pool)

// WithCapacity overrides the pool bound.
func WithCapacity(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.capacity = n
		}
	}
}

func NewPool(opts ...Option) *Pool {
	p := &Pool{
		capacity: DefaultCapacity,
		keys:     make(map[string]*Key),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add stores a freshly distilled key and returns it. bits must be
// non-empty individual key bits.
func (p *Pool) Add(bits []int, sessionID, digest string, qber float64, routeLinks []string, at time.Time) (Key, error) {
	if len(bits) == 0 {
		return Key{}, fmt.Errorf("%w: empty key", ErrInvalidKeyBits)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.order) >= p.capacity {
		p.evictLocked()
	}

	k := &Key{
		ID:         "qkd-" + uuid.NewString(),
		SessionID:  sessionID,
		Material:   packBits(bits),
		BitLen:     len(bits),
		Digest:     digest,
		QBER:       qber,
		RouteLinks: append([]string(nil), routeLinks...),
		Status:     StatusActive,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	p.keys[k.ID] = k
	p.order = append(p.order, k.ID)
	return *k, nil
}

// Get returns a copy of the key.
func (p *Pool) Get(id string) (Key, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	k, ok := p.keys[id]
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrKeyNotFound, id)
	}
	return *k, nil
}

// Consume transitions an active key to used. Only active keys can be
// consumed, and only once.
func (p *Pool) Consume(id string, at time.Time) (Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.keys[id]
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrKeyNotFound, id)
	}
	if k.Status != StatusActive {
		return Key{}, fmt.Errorf("%w: %q is %s", ErrKeyNotActive, id, k.Status)
	}
	k.Status = StatusUsed
	k.UpdatedAt = at
	return *k, nil
}

// MarkCompromised moves a key to the compromised state. Re-marking a
// compromised key is a no-op; a consumed key cannot be compromised.
func (p *Pool) MarkCompromised(id string, at time.Time) (Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.keys[id]
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrKeyNotFound, id)
	}
	switch k.Status {
	case StatusCompromised:
		return *k, nil
	case StatusUsed:
		return Key{}, fmt.Errorf("%w: %q", ErrKeyConsumed, id)
	}
	k.Status = StatusCompromised
	k.UpdatedAt = at
	return *k, nil
}

// InvalidateByLink compromises every active key whose distribution
// route crossed the given link. Returns how many keys were invalidated.
func (p *Pool) InvalidateByLink(linkID string, at time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, id := range p.order {
		k := p.keys[id]
		if k.Status != StatusActive {
			continue
		}
		for _, l := range k.RouteLinks {
			if l == linkID {
				k.Status = StatusCompromised
				k.UpdatedAt = at
				n++
				break
			}
		}
	}
	return n
}

// LatestActive returns the most recently added active key.
func (p *Pool) LatestActive() (Key, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := len(p.order) - 1; i >= 0; i-- {
		if k := p.keys[p.order[i]]; k.Status == StatusActive {
			return *k, nil
		}
	}
	return Key{}, fmt.Errorf("%w: no active key", ErrKeyNotFound)
}

// List returns copies of all keys in insertion order, oldest first.
func (p *Pool) List() []Key {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Key, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.keys[id])
	}
	return out
}

// Stats returns the pool census. Total always equals the sum of the
// three state counts.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := Stats{Total: len(p.order)}
	for _, id := range p.order {
		switch p.keys[id].Status {
		case StatusActive:
			s.Active++
		case StatusUsed:
			s.Used++
		case StatusCompromised:
			s.Compromised++
		}
	}
	return s
}

// Clear drops every key.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = make(map[string]*Key)
	p.order = nil
}

// evictLocked removes the oldest retired key, falling back to the
// oldest key of any state when everything is still active.
func (p *Pool) evictLocked() {
	victim := -1
	for i, id := range p.order {
		if p.keys[id].Status != StatusActive {
			victim = i
			break
		}
	}
	if victim == -1 {
		victim = 0
	}
	delete(p.keys, p.order[victim])
	p.order = append(p.order[:victim], p.order[victim+1:]...)
}

func packBits(bits []int) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b != 0 {
			out[i/8] |= 1 << (7 - i%8)
		}
	}
	return out
}
