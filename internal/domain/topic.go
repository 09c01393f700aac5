package domain

import "time"

// TopicRecord tracks one subject discussed in any monitored group.
type TopicRecord struct {
	Topic                 string             `json:"topic"`
	RelevanceScoreByAgent map[string]float64 `json:"relevance_by_agent"`
	LastDiscussedAt       time.Time          `json:"last_discussed_at"`
	MessageCount          int                `json:"message_count"`
}

// Clamp01 bounds a probability or score to [0, 1].
func Clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
