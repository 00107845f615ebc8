// Package reputation keeps an append-only log of scored contributions and
// computes time-decayed reputation per identity. Scoring is deterministic:
// a fixed log and a fixed evaluation time always reproduce the same score
// to four decimal places.
package reputation

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Category classifies what kind of contribution an event rewards.
type Category string

const (
	CategoryContent    Category = "content"
	CategoryCuration   Category = "curation"
	CategoryEconomy    Category = "economy"
	CategoryModeration Category = "moderation"
	CategorySocial     Category = "social"
)

// DecayHalfLife is the age at which an event's contribution halves.
const DecayHalfLife = 30 * 24 * time.Hour

// multipliers weight categories; moderation work counts most, ambient
// social activity least.
var multipliers = map[Category]float64{
	CategoryContent:    1.2,
	CategoryCuration:   1.0,
	CategoryEconomy:    1.5,
	CategoryModeration: 2.0,
	CategorySocial:     0.8,
}

// Event is one scored contribution in the append-only log.
type Event struct {
	DID       string         `json:"did"`
	Category  Category       `json:"type"`
	Weight    float64        `json:"weight"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// LeaderboardEntry pairs an identity with its aggregated score.
type LeaderboardEntry struct {
	DID   string  `json:"did"`
	Score float64 `json:"score"`
}

// Log is an instance-scoped reputation event log.
type Log struct {
	mu     sync.RWMutex
	events []Event
	clock  func() time.Time
}

// NewLog creates an empty reputation log.
func NewLog() *Log {
	return &Log{clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Record appends an event. Events are never mutated or removed.
func (l *Log) Record(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

// decayFactor is 0.5^(age/halfLife) clamped to [0,1]; events from the
// future (age <= 0) do not decay.
func decayFactor(eventTS int64, reference time.Time) float64 {
	age := reference.UnixMilli() - eventTS
	if age <= 0 {
		return 1
	}
	decay := math.Pow(0.5, float64(age)/float64(DecayHalfLife.Milliseconds()))
	return math.Max(0, math.Min(1, decay))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// ScoreFor sums weight * categoryMultiplier * decay(age) over the
// identity's events, evaluated at the log's current clock time.
func (l *Log) ScoreFor(did string) float64 {
	return l.ScoreForAt(did, l.clock())
}

// ScoreForAt evaluates an identity's score at an explicit reference time.
func (l *Log) ScoreForAt(did string, reference time.Time) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	score := 0.0
	for _, event := range l.events {
		if event.DID != did {
			continue
		}
		score += event.Weight * multipliers[event.Category] * decayFactor(event.Timestamp, reference)
	}
	return round4(score)
}

// Leaderboard aggregates every identity's score at the current clock time
// and returns the top limit entries by score descending. Ties keep the
// identity seen first in the log.
func (l *Log) Leaderboard(limit int) []LeaderboardEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	reference := l.clock()
	scores := make(map[string]float64)
	var order []string
	for _, event := range l.events {
		if _, seen := scores[event.DID]; !seen {
			order = append(order, event.DID)
		}
		scores[event.DID] += event.Weight * multipliers[event.Category] * decayFactor(event.Timestamp, reference)
	}
	entries := make([]LeaderboardEntry, 0, len(order))
	for _, did := range order {
		entries = append(entries, LeaderboardEntry{DID: did, Score: round4(scores[did])})
	}
	sort.SliceStable(entries, func(a, b int) bool { return entries[a].Score > entries[b].Score })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// Export returns a copy of the raw event log.
func (l *Log) Export() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Import replaces the log with previously exported events.
func (l *Log) Import(events []Event) {
	clone := make([]Event, len(events))
	copy(clone, events)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = clone
}
