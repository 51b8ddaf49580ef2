package zep

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// UserIDMapper translates an application user identifier (UUID or email)
// into a Zep-native slug. The remote side rejects arbitrary UUIDs and wants
// stable, human-readable identifiers, so the mapping must be deterministic.
type UserIDMapper interface {
	Slug(userID string) string
}

// StaticMapper resolves slugs in order of preference: a configured
// known-users table, an email-derived slug, then a UUID-derived fallback.
type StaticMapper struct {
	known map[string]string
}

// NewStaticMapper creates a mapper over the configured known-users table.
func NewStaticMapper(known map[string]string) *StaticMapper {
	return &StaticMapper{known: known}
}

// Slug returns the provider-native user identifier for userID.
func (m *StaticMapper) Slug(userID string) string {
	if slug, ok := m.known[userID]; ok {
		return slug
	}

	if at := strings.IndexByte(userID, '@'); at > 0 {
		return sanitizeSlug(userID[:at])
	}

	if parsed, err := uuid.Parse(userID); err == nil {
		hexID := strings.ReplaceAll(parsed.String(), "-", "")
		return "user-" + hexID[:8]
	}

	// Opaque identifier: hash it so the slug stays stable and well-formed.
	sum := sha256.Sum256([]byte(userID))
	return "user-" + hex.EncodeToString(sum[:4])
}

func sanitizeSlug(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '.', r == '-', r == '_', r == '+':
			sb.WriteByte('-')
		}
	}
	slug := strings.Trim(sb.String(), "-")
	if slug == "" {
		return "user"
	}
	return slug
}
