package directory

import (
	"strings"
	"unicode"

	"chorus/internal/domain"
)

const (
	// UnknownRelevance is assumed when nothing is known about an agent's interests.
	UnknownRelevance = 0.5
	// RelevanceFloor is the lowest score a known agent is given.
	RelevanceFloor = 0.2
)

// EstimateOverlap scores topic against a list of declared interests by
// substring containment and token overlap. An empty interest list yields
// UnknownRelevance; any other result is clamped to [RelevanceFloor, 1].
func EstimateOverlap(topic string, interests []string) float64 {
	topic = normalize(topic)
	if len(interests) == 0 || topic == "" {
		return UnknownRelevance
	}
	topicTokens := tokens(topic)

	best := 0.0
	for _, raw := range interests {
		interest := normalize(raw)
		if interest == "" {
			continue
		}
		if strings.Contains(topic, interest) || strings.Contains(interest, topic) {
			return 1
		}
		if score := overlap(topicTokens, tokens(interest)); score > best {
			best = score
		}
	}
	if best < RelevanceFloor {
		return RelevanceFloor
	}
	return domain.Clamp01(best)
}

// overlap is the share of topic tokens also present in the interest.
func overlap(topic, interest map[string]struct{}) float64 {
	if len(topic) == 0 {
		return 0
	}
	hits := 0
	for tok := range topic {
		if _, ok := interest[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(topic))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// tokens splits on anything that is not a letter or digit and drops short
// filler words.
func tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) < 3 {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}
