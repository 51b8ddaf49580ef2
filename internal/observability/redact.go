package observability

import (
	"regexp"
	"strings"
)

// Redactor masks sensitive data before it reaches log output. The chat
// backend handles model API keys, hosted memory service keys, and user
// emails, none of which may appear in logs.
type Redactor struct {
	patterns []*redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
	name        string
}

// NewRedactor creates a new redactor with default patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.addDefaultPatterns()
	return r
}

func (r *Redactor) addDefaultPatterns() {
	// Model API keys (OpenAI-style keys are also used by Groq-compatible endpoints)
	r.AddPattern(`sk-[a-zA-Z0-9]{20,}`, "[REDACTED_OPENAI_KEY]", "openai_key")
	r.AddPattern(`sk-proj-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_OPENAI_PROJECT_KEY]", "openai_project_key")
	r.AddPattern(`gsk_[a-zA-Z0-9]{20,}`, "[REDACTED_GROQ_KEY]", "groq_key")

	// Hosted memory service keys
	r.AddPattern(`m0-[a-zA-Z0-9\-_]{20,}`, "[REDACTED_MEM0_KEY]", "mem0_key")
	r.AddPattern(`z_[a-zA-Z0-9\-_\.]{20,}`, "[REDACTED_ZEP_KEY]", "zep_key")

	// Bearer tokens and authorization headers
	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]", "bearer_token")
	r.AddPattern(`Authorization:\s*[^\s]+`, "Authorization: [REDACTED]", "auth_header")

	// User emails feed the hosted-provider slug mapping and must not leak
	r.AddPattern(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "[REDACTED_EMAIL]", "email")
}

// AddPattern adds a custom redaction pattern. Invalid patterns are skipped.
func (r *Redactor) AddPattern(pattern, replacement, name string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.patterns = append(r.patterns, &redactPattern{
		regex:       regex,
		replacement: replacement,
		name:        name,
	})
}

// Redact applies all redaction patterns to the input string.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

// RedactMap redacts sensitive values in a map, by key name and by value.
func (r *Redactor) RedactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = r.redactValue(k, v)
	}
	return result
}

func (r *Redactor) redactValue(key string, value any) any {
	lowerKey := strings.ToLower(key)
	sensitiveKeys := []string{"key", "token", "secret", "password", "auth", "credential", "api_key", "apikey"}
	for _, sk := range sensitiveKeys {
		if strings.Contains(lowerKey, sk) {
			return "[REDACTED]"
		}
	}

	switch v := value.(type) {
	case string:
		return r.Redact(v)
	case map[string]any:
		return r.RedactMap(v)
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = r.redactValue("", item)
		}
		return result
	default:
		return value
	}
}
