// Package resolver derives stable session identifiers from the stateless
// message histories that chat APIs resend on every call.
//
// The trick is that a continuation request's history, truncated to the
// previous turn, hashes to exactly the signature stored for the previous
// request. Resolution is therefore a single map lookup, with no linear
// scan or fuzzy matching on the hot path.
package resolver

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/argus/internal/models"
	"github.com/haasonsaas/argus/internal/observability"
)

const contentPrefixLen = 100

// Options configures a Resolver.
type Options struct {
	// MaxSessions caps the LRU; oldest entries are evicted beyond it.
	MaxSessions int

	// TTL evicts entries lazily on lookup once they go stale.
	TTL time.Duration

	// Metrics is optional; when set, lookup outcomes are counted.
	Metrics *observability.Metrics
}

// Stats are the resolver's internal counters.
type Stats struct {
	Created   int64 `json:"created"`
	Expired   int64 `json:"expired"`
	CacheHits int64 `json:"cache_hits"`
	CacheMiss int64 `json:"cache_misses"`
}

type record struct {
	id           string
	signature    string
	lastAccessed time.Time
	elem         *list.Element
}

// Resolver maps message histories to stable session ids. Safe for
// concurrent use. Construct one per proxy and inject it; there is no
// package-level instance.
type Resolver struct {
	mu          sync.Mutex
	maxSessions int
	ttl         time.Duration
	metrics     *observability.Metrics

	sessions    map[string]*record // session id -> record
	bySignature map[string]string  // rolling signature -> session id
	lru         *list.List         // front = most recently used, values are session ids

	stats   Stats
	nowFunc func() time.Time
}

// New creates a resolver. Zero options fall back to 10,000 sessions and
// a one hour TTL.
func New(opts Options) *Resolver {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 10000
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	return &Resolver{
		maxSessions: opts.MaxSessions,
		ttl:         opts.TTL,
		metrics:     opts.Metrics,
		sessions:    make(map[string]*record),
		bySignature: make(map[string]string),
		lru:         list.New(),
		nowFunc:     time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (r *Resolver) SetNowFunc(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowFunc = fn
}

// Resolve returns the session id for the given message history and
// whether the session is new. Given the same history twice against fresh
// state, the computed signatures are identical.
func (r *Resolver) Resolve(messages []models.Message, systemPrompt string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	full := Signature(messages, systemPrompt)

	if len(messages) <= 1 {
		return r.mint(full, now), true
	}

	truncated, ok := truncateToPreviousTurn(messages)
	if !ok {
		return r.mint(full, now), true
	}
	lookup := Signature(truncated, systemPrompt)

	id, found := r.bySignature[lookup]
	if !found {
		r.stats.CacheMiss++
		r.count("miss")
		return r.mint(full, now), true
	}

	rec := r.sessions[id]
	if rec == nil {
		// Signature index pointed at an evicted session.
		delete(r.bySignature, lookup)
		r.stats.CacheMiss++
		r.count("miss")
		return r.mint(full, now), true
	}

	if now.Sub(rec.lastAccessed) > r.ttl {
		r.evict(rec)
		r.stats.Expired++
		r.count("expired")
		return r.mint(full, now), true
	}

	// Re-point the stored signature at the current full history so the
	// next continuation's lookup matches.
	delete(r.bySignature, rec.signature)
	rec.signature = full
	r.bySignature[full] = id
	rec.lastAccessed = now
	r.lru.MoveToFront(rec.elem)

	r.stats.CacheHits++
	r.count("hit")
	return id, false
}

// Stats returns a snapshot of the resolver counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Len reports the number of tracked sessions.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Resolver) mint(signature string, now time.Time) string {
	id := uuid.NewString()
	rec := &record{id: id, signature: signature, lastAccessed: now}
	rec.elem = r.lru.PushFront(id)
	r.sessions[id] = rec
	r.bySignature[signature] = id
	r.stats.Created++
	r.count("created")

	for len(r.sessions) > r.maxSessions {
		oldest := r.lru.Back()
		if oldest == nil {
			break
		}
		r.evict(r.sessions[oldest.Value.(string)])
	}
	return id
}

func (r *Resolver) evict(rec *record) {
	if rec == nil {
		return
	}
	delete(r.sessions, rec.id)
	if r.bySignature[rec.signature] == rec.id {
		delete(r.bySignature, rec.signature)
	}
	r.lru.Remove(rec.elem)
}

func (r *Resolver) count(outcome string) {
	if r.metrics != nil {
		r.metrics.ResolverLookups.WithLabelValues(outcome).Inc()
	}
}

// Signature computes the SHA-256 rolling signature over normalized
// message prefixes. The system prompt participates so distinct agents
// never share sessions.
func Signature(messages []models.Message, systemPrompt string) string {
	var b strings.Builder
	b.WriteString("system:")
	b.WriteString(prefix(systemPrompt))
	for _, m := range messages {
		b.WriteByte('|')
		b.WriteString(m.Role)
		b.WriteByte(':')
		b.WriteString(prefix(m.Content))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// truncateToPreviousTurn cuts the history to everything up to and
// including the second-to-last client-sent message (user or tool
// result), which is exactly the state the previous request carried. Tool
// results count as turn boundaries so tool-call/result round-trips do not
// fragment sessions; they are not user messages. With a single client
// message the last client index is used, which keeps consecutive user
// messages deterministic.
func truncateToPreviousTurn(messages []models.Message) ([]models.Message, bool) {
	var clientIdx []int
	for i, m := range messages {
		if m.Role == "user" || m.Role == "tool" {
			clientIdx = append(clientIdx, i)
		}
	}
	if len(clientIdx) == 0 {
		return nil, false
	}
	cut := clientIdx[len(clientIdx)-1]
	if len(clientIdx) >= 2 {
		cut = clientIdx[len(clientIdx)-2]
	}
	return messages[:cut+1], true
}

func prefix(s string) string {
	if len(s) > contentPrefixLen {
		return s[:contentPrefixLen]
	}
	return s
}
