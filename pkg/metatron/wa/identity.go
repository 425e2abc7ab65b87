// Package wa – identity.go resolves privacy-preserving per-device
// identifiers (LIDs) to phone numbers. WhatsApp may address contacts by LID
// instead of phone JID; access control is keyed by phone digits, so every
// contact sender goes through this resolver. Group identifiers are stable
// and public within the group and are never resolved here.
package wa

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// IdentityResolver caches opaqueID → phone digit mappings. Entries never
// expire: the cache is bounded indirectly by the size of the contact list,
// and it stores only digits.
type IdentityResolver struct {
	transport Transport
	logger    *slog.Logger

	cache map[string]string
	mu    sync.RWMutex
}

// NewIdentityResolver creates a resolver that falls back to the transport's
// identity lookup on cache misses.
func NewIdentityResolver(transport Transport, logger *slog.Logger) *IdentityResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityResolver{
		transport: transport,
		logger:    logger.With("component", "identity"),
		cache:     make(map[string]string),
	}
}

// Record eagerly stores a mapping. Called on mapping-update and contact-sync
// events so live lookups stay rare.
func (r *IdentityResolver) Record(opaqueID, phoneDigits string) {
	opaqueID = strings.TrimSpace(opaqueID)
	phoneDigits = onlyDigits(phoneDigits)
	if opaqueID == "" || phoneDigits == "" {
		return
	}

	r.mu.Lock()
	r.cache[opaqueID] = phoneDigits
	r.mu.Unlock()
}

// ResolveCached returns the cached phone digits for an opaque id, or ""
// on a miss. Safe to call from the transport event path.
func (r *IdentityResolver) ResolveCached(opaqueID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[opaqueID]
}

// Resolve returns the phone digits for an opaque id, performing a live
// transport lookup on a cache miss. The lookup is best-effort: a failure is
// logged at debug level and "" is returned.
func (r *IdentityResolver) Resolve(ctx context.Context, opaqueID string) string {
	if digits := r.ResolveCached(opaqueID); digits != "" {
		return digits
	}

	if r.transport == nil {
		return ""
	}

	phone, err := r.transport.LookupPhone(ctx, opaqueID)
	if err != nil {
		r.logger.Debug("live identity lookup failed", "opaque_id", opaqueID, "error", err)
		return ""
	}

	digits := onlyDigits(phone)
	if digits == "" {
		return ""
	}

	r.Record(opaqueID, digits)
	return digits
}

// Len returns the number of cached mappings.
func (r *IdentityResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
