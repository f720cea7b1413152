// Package capability resolves which workflow operations a caller's roles
// grant, from a static role-to-capability policy with an in-memory cache.
package capability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/arbiter/model"
)

// Capability strings checked by the transport layer.
const (
	CapInstanceStart   = "workflow:instance:start"
	CapInstanceResolve = "workflow:instance:resolve"
	CapInstanceRead    = "workflow:instance:read"
	CapActionRetry     = "workflow:action:retry"
	CapActionSkip      = "workflow:action:skip"
	CapActionCancel    = "workflow:action:cancel"
	CapActionEscalate  = "workflow:action:escalate"
)

// PolicyEvaluator maps a caller's roles to a capability set.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error)
}

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache
// keyed by subject and role set.
type Resolver struct {
	evaluator PolicyEvaluator
	ttl       time.Duration
	mu        sync.RWMutex
	cache     map[string]cacheEntry
}

// NewResolver creates a Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator PolicyEvaluator, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
	}
}

// The role set is part of the key so a token with changed roles never hits
// a stale grant.
func cacheKey(rctx *model.RequestContext) string {
	roles := make([]string, len(rctx.Roles))
	copy(roles, rctx.Roles)
	sort.Strings(roles)
	return rctx.SubjectID + "|" + strings.Join(roles, ",")
}

// Resolve returns the full capability set for the given context. Results
// are cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.caps, nil
	}
	r.mu.RUnlock()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{caps: caps, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Invalidate clears cached capabilities for the given subject.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + "|"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}
