// Package domain defines the shared vocabulary of the read-acceleration
// layer: entity identity, change events, caller identity, and the
// interfaces the subsystems are wired through.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EntityType names a cacheable entity family. Types partition the key
// space and select the default cache lifetime.
type EntityType string

const (
	EntityIndicator  EntityType = "indicator"
	EntityActor      EntityType = "actor"
	EntityCampaign   EntityType = "campaign"
	EntityAlert      EntityType = "alert"
	EntityEnrichment EntityType = "enrichment"
	EntityFeedStatus EntityType = "feedstatus"
	EntityAnalytics  EntityType = "analytics"
	EntitySearch     EntityType = "search"
)

// EntityKey identifies one cache entry. The optional suffix names a
// derived view of the entity, for example a relationship edge list.
type EntityKey struct {
	Type   EntityType
	ID     string
	Suffix string
}

// Key builds a plain entity key.
func Key(entityType EntityType, id string) EntityKey {
	return EntityKey{Type: entityType, ID: id}
}

// String renders the key as "type:id" or "type:id:suffix".
func (k EntityKey) String() string {
	if k.Suffix != "" {
		return string(k.Type) + ":" + k.ID + ":" + k.Suffix
	}
	return string(k.Type) + ":" + k.ID
}

// ParseKey parses the wire form produced by String.
func ParseKey(s string) (EntityKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return EntityKey{}, fmt.Errorf("malformed entity key: %q", s)
	}
	key := EntityKey{Type: EntityType(parts[0]), ID: parts[1]}
	if len(parts) == 3 {
		key.Suffix = parts[2]
	}
	return key, nil
}

// ChangeKind classifies what happened to an entity.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "CREATED"
	ChangeUpdated ChangeKind = "UPDATED"
	ChangeDeleted ChangeKind = "DELETED"
)

// Severity orders events for the backpressure policy. Critical events are
// never dropped.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the canonical upper-case name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ChangeEvent is one entity mutation as seen by subscribers. ID and
// Timestamp are stamped at publish time.
type ChangeEvent struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Kind       ChangeKind      `json:"kind"`
	Severity   Severity        `json:"severity"`
	OrgID      string          `json:"org_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// AuthContext carries the caller identity attached to a request or a
// subscription. A nil AuthContext is an anonymous caller.
type AuthContext struct {
	PrincipalID string
	OrgID       string
	Roles       []string
}

// HasRole reports whether the caller carries the given role. Safe on a
// nil receiver.
func (a *AuthContext) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// OperationShape is the pre-execution skeleton of one requested field:
// its name, declared list multiplicity (page size), and selected
// children. The admission scorer walks it without touching any data.
type OperationShape struct {
	Field      string
	Multiplier int
	Children   []OperationShape
}
