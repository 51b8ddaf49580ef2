package zep

import "testing"

func TestStaticMapperKnownUsersTable(t *testing.T) {
	m := NewStaticMapper(map[string]string{
		"anna@example.com": "anna",
	})

	if got := m.Slug("anna@example.com"); got != "anna" {
		t.Fatalf("known user slug = %q", got)
	}
}

func TestStaticMapperEmailLocalPart(t *testing.T) {
	m := NewStaticMapper(nil)

	tests := []struct {
		in, want string
	}{
		{"jan.kowalski@example.com", "jan-kowalski"},
		{"User+Test@example.com", "user-test"},
		{"__weird__@example.com", "weird"},
	}
	for _, tt := range tests {
		if got := m.Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStaticMapperUUIDFallback(t *testing.T) {
	m := NewStaticMapper(nil)

	got := m.Slug("11111111-1111-1111-1111-111111111111")
	if got != "user-11111111" {
		t.Fatalf("uuid slug = %q, want user-11111111", got)
	}
}

func TestStaticMapperOpaqueIdentifierIsStable(t *testing.T) {
	m := NewStaticMapper(nil)

	first := m.Slug("some opaque id")
	second := m.Slug("some opaque id")
	if first != second {
		t.Fatalf("slug not deterministic: %q vs %q", first, second)
	}
	if len(first) != len("user-")+8 {
		t.Fatalf("unexpected slug shape: %q", first)
	}
	if first == m.Slug("another opaque id") {
		t.Fatal("distinct identifiers must not collide trivially")
	}
}
