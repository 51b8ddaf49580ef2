package local

import (
	"reflect"
	"testing"
)

func TestExtractEntities(t *testing.T) {
	ent := ExtractEntities("My partner Alex was really anxious about meeting my mother on Friday")

	if !reflect.DeepEqual(ent.People, []string{"Alex"}) {
		t.Errorf("People = %v, want [Alex]", ent.People)
	}
	if !reflect.DeepEqual(ent.Emotions, []string{"anxious"}) {
		t.Errorf("Emotions = %v, want [anxious]", ent.Emotions)
	}
	if !reflect.DeepEqual(ent.Relationships, []string{"partner", "mother"}) {
		t.Errorf("Relationships = %v, want [partner mother]", ent.Relationships)
	}
}

func TestExtractEntitiesSkipsSentenceInitialCapitals(t *testing.T) {
	ent := ExtractEntities("Yesterday was hard. Today I met Sam again.")

	if !reflect.DeepEqual(ent.People, []string{"Sam"}) {
		t.Errorf("People = %v, want [Sam]; sentence-initial capitals are not names", ent.People)
	}
}

func TestExtractEntitiesDeduplicates(t *testing.T) {
	ent := ExtractEntities("I told Maria that Maria is my best friend, my only friend")

	if !reflect.DeepEqual(ent.People, []string{"Maria"}) {
		t.Errorf("People = %v, want [Maria]", ent.People)
	}
	if !reflect.DeepEqual(ent.Relationships, []string{"friend"}) {
		t.Errorf("Relationships = %v, want [friend]", ent.Relationships)
	}
}

func TestExtractEntitiesIgnoresCapitalizedStopwords(t *testing.T) {
	ent := ExtractEntities("We always argue on Monday and in December")

	if len(ent.People) != 0 {
		t.Errorf("People = %v, want none for weekday/month names", ent.People)
	}
}

func TestExtractEntitiesEmptyContent(t *testing.T) {
	ent := ExtractEntities("")
	if len(ent.People)+len(ent.Emotions)+len(ent.Relationships) != 0 {
		t.Errorf("expected no entities, got %+v", ent)
	}
}
