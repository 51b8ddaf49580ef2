package local

import (
	"strings"
	"unicode"

	"github.com/talk2me/talk2me/internal/memory"
)

// Lightweight pattern-matching extraction. This is intentionally not NLP:
// names are guessed from capitalization, emotions and relationship terms
// from keyword lists. The result feeds local-store filtering and context
// only, never hosted providers.

var emotionTerms = []string{
	"happy", "sad", "angry", "anxious", "excited", "scared", "lonely",
	"stressed", "frustrated", "grateful", "proud", "ashamed", "jealous",
	"hopeful", "overwhelmed", "calm", "hurt", "guilty", "loved",
}

var relationshipTerms = []string{
	"partner", "husband", "wife", "boyfriend", "girlfriend", "fiance",
	"mother", "father", "mom", "dad", "sister", "brother", "daughter",
	"son", "grandmother", "grandfather", "friend", "boss", "coworker",
	"colleague", "neighbor", "therapist", "ex",
}

// stopwords that are capitalized mid-sentence without being names.
var capitalizedStopwords = map[string]struct{}{
	"i": {}, "monday": {}, "tuesday": {}, "wednesday": {}, "thursday": {},
	"friday": {}, "saturday": {}, "sunday": {}, "january": {}, "february": {},
	"march": {}, "april": {}, "may": {}, "june": {}, "july": {}, "august": {},
	"september": {}, "october": {}, "november": {}, "december": {},
}

// ExtractEntities pulls people, emotions, and relationship terms out of
// free-form content.
func ExtractEntities(content string) memory.Entities {
	var ent memory.Entities

	words := strings.Fields(content)
	seenPeople := make(map[string]struct{})

	for i, word := range words {
		trimmed := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r)
		})
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)

		for _, term := range emotionTerms {
			if lower == term && !contains(ent.Emotions, term) {
				ent.Emotions = append(ent.Emotions, term)
			}
		}
		for _, term := range relationshipTerms {
			if lower == term && !contains(ent.Relationships, term) {
				ent.Relationships = append(ent.Relationships, term)
			}
		}

		// Capitalized mid-sentence words are treated as names. The first
		// word of a sentence is skipped since its capitalization is
		// grammatical, not a name signal.
		if i == 0 || endsSentence(words[i-1]) {
			continue
		}
		if _, stop := capitalizedStopwords[lower]; stop {
			continue
		}
		first := []rune(trimmed)[0]
		if unicode.IsUpper(first) && len(trimmed) > 1 {
			if _, seen := seenPeople[trimmed]; !seen {
				seenPeople[trimmed] = struct{}{}
				ent.People = append(ent.People, trimmed)
			}
		}
	}

	return ent
}

func endsSentence(word string) bool {
	return strings.HasSuffix(word, ".") || strings.HasSuffix(word, "!") ||
		strings.HasSuffix(word, "?")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
