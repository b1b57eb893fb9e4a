package compress

import (
	"regexp"
	"strings"
)

// Entity extraction patterns for the faithfulness score: proper nouns,
// numbers, and UUIDs.
var (
	properNounPattern = regexp.MustCompile(`\b[A-Z][a-z]+\b`)
	numberPattern     = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	uuidPattern       = regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	allCapsPattern    = regexp.MustCompile(`^[A-Z][A-Z_]+$`)
	pureNumberPattern = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
)

// faithfulnessKeywords are directive tokens treated as entities.
var faithfulnessKeywords = []string{"MUST", "NEVER", "ALWAYS", "REQUIRED", "FORMAT"}

// Faithfulness measures information preservation between an original text
// and its compressed candidate as the Jaccard similarity of their entity
// sets. Keeping every critical entity (number, UUID, directive keyword) adds
// 0.1, capped at 1; losing any of them caps the score at 0.5.
func Faithfulness(original, candidate string) float64 {
	origEntities := extractEntities(original)
	if len(origEntities) == 0 {
		return 1.0
	}
	candEntities := extractEntities(candidate)

	intersection := 0
	union := len(candEntities)
	for e := range origEntities {
		if candEntities[e] {
			intersection++
		} else {
			union++
		}
	}
	score := 0.0
	if union > 0 {
		score = float64(intersection) / float64(union)
	}

	criticalPreserved := true
	for e := range origEntities {
		if isCritical(e) && !candEntities[e] {
			criticalPreserved = false
			break
		}
	}

	if criticalPreserved {
		score += 0.1
		if score > 1 {
			score = 1
		}
	} else if score > 0.5 {
		// A dropped identifier caps the score well below the default gate.
		score = 0.5
	}
	return score
}

// extractEntities collects proper nouns, numbers, UUIDs, and directive
// keywords.
func extractEntities(text string) map[string]bool {
	entities := make(map[string]bool)
	for _, m := range properNounPattern.FindAllString(text, -1) {
		entities[m] = true
	}
	for _, m := range numberPattern.FindAllString(text, -1) {
		entities[m] = true
	}
	for _, m := range uuidPattern.FindAllString(strings.ToLower(text), -1) {
		entities[m] = true
	}
	upper := strings.ToUpper(text)
	for _, kw := range faithfulnessKeywords {
		if strings.Contains(upper, kw) {
			entities[kw] = true
		}
	}
	return entities
}

// isCritical reports whether an entity must survive compression outright.
func isCritical(entity string) bool {
	return pureNumberPattern.MatchString(entity) ||
		allCapsPattern.MatchString(entity) ||
		uuidPattern.MatchString(entity)
}
