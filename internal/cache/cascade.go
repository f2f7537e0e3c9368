package cache

import (
	"context"
	"fmt"

	"github.com/sentinelops/threatgraph/internal/domain"
)

// dependentPatterns declares, per entity type, the derived cache keys that
// must die together with a changed entity: relationship lists, aggregate
// views and search pages computed from it. The list is hand-maintained;
// every new derived cache key format needs an entry here or a tag.
// Patterns containing %s are expanded with the entity id.
var dependentPatterns = map[domain.EntityType][]string{
	domain.EntityIndicator: {
		"indicator:%s:*",      // derived views of the indicator itself
		"campaign:*:indicators",
		"actor:*:indicators",
		"analytics:*",
		"search:*",
	},
	domain.EntityActor: {
		"actor:%s:*",
		"campaign:*:actors",
		"analytics:*",
		"search:*",
	},
	domain.EntityCampaign: {
		"campaign:%s:*",
		"actor:*:campaigns",
		"analytics:*",
		"search:*",
	},
	domain.EntityAlert: {
		"alert:%s:*",
		"indicator:*:alerts",
		"analytics:*",
	},
	domain.EntityEnrichment: {
		"enrichment:%s:*",
		"indicator:*:enrichment",
	},
	domain.EntityFeedStatus: {
		"feedstatus:%s:*",
	},
}

// tagKey is the shared-store set holding the members of a tag.
func tagKey(tag string) string {
	return "tag:" + tag
}

// Invalidate removes the entity's direct key plus every declared dependent
// pattern. Best-effort and eventually consistent: a failed pattern delete
// is logged and the remaining patterns still run, and until the sweep
// lands (or TTLs expire) stale dependent entries may be served. No
// distributed locking.
func (m *Manager) Invalidate(ctx context.Context, entityType domain.EntityType, id string) {
	m.metrics.CacheInvalidationsTotal.WithLabelValues("direct").Inc()
	m.Delete(ctx, domain.Key(entityType, id))

	for _, pattern := range dependentPatterns[entityType] {
		expanded := pattern
		if containsVerb(pattern) {
			expanded = fmt.Sprintf(pattern, id)
		}
		m.purgeL1Pattern(expanded)

		removed, err := m.store.DeletePattern(ctx, expanded)
		if err != nil {
			m.degrade("invalidate_pattern", err)
			continue
		}
		m.metrics.CacheCascadeKeysDeleted.Add(float64(removed))
	}
	m.metrics.CacheInvalidationsTotal.WithLabelValues("cascade").Inc()
}

// Tag associates the key with the given tags in the shared reverse index,
// enabling invalidation without enumerating dependent key patterns.
func (m *Manager) Tag(ctx context.Context, key domain.EntityKey, tags ...string) {
	ks := key.String()
	for _, tag := range tags {
		if err := m.store.SAdd(ctx, tagKey(tag), ks); err != nil {
			m.degrade("tag", err)
			return
		}
	}
}

// InvalidateByTag removes every key tagged with tag, plus the tag index
// itself. Returns the number of member keys removed.
func (m *Manager) InvalidateByTag(ctx context.Context, tag string) int {
	members, err := m.store.SMembers(ctx, tagKey(tag))
	if err != nil {
		m.degrade("invalidate_tag", err)
		return 0
	}
	if len(members) > 0 {
		for _, ks := range members {
			if m.l1 != nil {
				m.l1.Remove(ks)
			}
		}
		if err := m.store.Delete(ctx, members...); err != nil {
			m.degrade("invalidate_tag", err)
			return 0
		}
	}
	if err := m.store.Delete(ctx, tagKey(tag)); err != nil {
		m.degrade("invalidate_tag", err)
	}
	m.metrics.CacheInvalidationsTotal.WithLabelValues("tag").Inc()
	return len(members)
}

// containsVerb reports whether the pattern expects the entity id spliced
// in.
func containsVerb(pattern string) bool {
	for i := 0; i+1 < len(pattern); i++ {
		if pattern[i] == '%' && pattern[i+1] == 's' {
			return true
		}
	}
	return false
}
