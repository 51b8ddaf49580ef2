// Package memory defines the provider contract and the router that selects
// between memory backends with two-tier fallback.
package memory

import (
	"fmt"
	"strings"
	"time"
)

// Type categorizes a stored memory.
type Type string

const (
	TypePersonal     Type = "personal"
	TypeRelationship Type = "relationship"
	TypePreference   Type = "preference"
	TypeEvent        Type = "event"

	// TypeSchema is accepted on input and folded into TypePersonal at the
	// storage layer; it never appears on stored records.
	TypeSchema Type = "schema"
)

// KnownTypes lists the types hosted providers accept.
var KnownTypes = []Type{TypePersonal, TypeRelationship, TypePreference, TypeEvent}

// NormalizeType maps a raw type string onto the closed enumeration.
// Schema variants fold into personal. The second return is false for
// unrecognized values; the local store still accepts those as-is, hosted
// providers reject them.
func NormalizeType(raw string) (Type, bool) {
	switch t := Type(strings.ToLower(strings.TrimSpace(raw))); t {
	case TypePersonal, TypeRelationship, TypePreference, TypeEvent:
		return t, true
	case TypeSchema, "schemat":
		return TypePersonal, true
	case "":
		return TypePersonal, true
	default:
		return t, false
	}
}

// Importance bounds. The scale is 1-10 everywhere; callers using narrower
// scales are clamped at the provider boundary.
const (
	ImportanceMin     = 1
	ImportanceMax     = 10
	ImportanceDefault = 5
)

// ClampImportance normalizes an importance value into [1,10], substituting
// the default for zero (unset).
func ClampImportance(n int) int {
	if n == 0 {
		return ImportanceDefault
	}
	if n < ImportanceMin {
		return ImportanceMin
	}
	if n > ImportanceMax {
		return ImportanceMax
	}
	return n
}

// Entities holds lightweight structured mentions extracted from content.
// Only the local provider populates and filters on these.
type Entities struct {
	People        []string `json:"people,omitempty"`
	Emotions      []string `json:"emotions,omitempty"`
	Relationships []string `json:"relationships,omitempty"`
}

// Memory is a stored fact about a user, retrievable by semantic relevance.
type Memory struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Content    string    `json:"content"`
	Summary    string    `json:"summary"`
	Importance int       `json:"importance"`
	Type       Type      `json:"memory_type"`
	Entities   Entities  `json:"entities,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Embedding is populated by the local provider only; hosted backends
	// index opaquely on their side.
	Embedding []float32 `json:"-"`

	// Similarity is the retrieval relevance score when returned from a
	// relevance search, zero otherwise.
	Similarity float64 `json:"similarity,omitempty"`
}

// Metadata carries caller-supplied attributes on a save.
type Metadata struct {
	Summary        string `json:"summary,omitempty"`
	Importance     int    `json:"importance,omitempty"`
	Type           string `json:"memory_type,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	Role           string `json:"role,omitempty"`
}

// Turn is one role/content pair of a conversation exchange.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SaveResult reports a successful save.
type SaveResult struct {
	MemoryID string  `json:"memory_id"`
	Memory   *Memory `json:"memory,omitempty"`
}

// SearchResult holds relevance-ranked memories. Context, when non-empty, is
// a provider-pre-rendered text block the caller can inject into a prompt
// without re-formatting the individual hits.
type SearchResult struct {
	Memories []*Memory `json:"memories"`
	Context  string    `json:"context,omitempty"`
}

// ContextBlock returns the prompt context for the result: the provider's
// pre-rendered block when present, otherwise one formatted from the hits.
// Hosted backends return bare hits, so the fallback path is the common one.
func (r *SearchResult) ContextBlock() string {
	if r.Context != "" {
		return r.Context
	}
	return FormatContext(r.Memories)
}

// FormatContext renders retrieved memories as a prompt context block.
func FormatContext(memories []*Memory) string {
	if len(memories) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("What you remember about this user:\n")
	for _, m := range memories {
		sb.WriteString(fmt.Sprintf("- [%s] %s\n", m.Type, m.Summary))
	}
	return sb.String()
}

// ListFilter narrows administrative listings.
type ListFilter struct {
	Type          string `json:"memory_type,omitempty"`
	ImportanceMin int    `json:"importance_min,omitempty"`
}

// ListResult holds an unranked listing.
type ListResult struct {
	Memories []*Memory `json:"memories"`
	Count    int       `json:"count"`
}

// Update carries administrative mutations. Nil fields are left unchanged.
type Update struct {
	Summary    *string `json:"summary,omitempty"`
	Importance *int    `json:"importance,omitempty"`
	Type       *string `json:"memory_type,omitempty"`
}

// TestReport is the result of a connection test round-trip.
type TestReport struct {
	OK      bool           `json:"success"`
	Message string         `json:"message"`
	Latency time.Duration  `json:"latency,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Info describes a provider instance for diagnostics.
type Info struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Enabled     bool              `json:"enabled"`
	Details     map[string]string `json:"details,omitempty"`
}
