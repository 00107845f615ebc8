// Package analytics derives read-only community insights from the
// published feed and inbox: time-decayed tag trends, per-author activity
// pulses and a narrative digest. Nothing here mutates its inputs.
package analytics

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/msrovani/befree/pkg/ai"
	"github.com/msrovani/befree/pkg/content"
)

// DefaultWindow is the trailing window when none is configured.
const DefaultWindow = 24 * time.Hour

// TagTrend aggregates one tag across the window.
type TagTrend struct {
	Tag           string  `json:"tag"`
	Count         int     `json:"count"`
	Weight        float64 `json:"weight"`
	LastTimestamp int64   `json:"lastTimestamp"`
}

// AuthorPulse aggregates one author's decayed activity.
type AuthorPulse struct {
	DID          string   `json:"did"`
	Label        string   `json:"label,omitempty"`
	Published    float64  `json:"published"`
	Received     float64  `json:"received"`
	Reputation   *float64 `json:"reputation,omitempty"`
	LastActivity int64    `json:"lastActivity"`
}

// Options tunes digest computation. Zero values pick the defaults.
type Options struct {
	Window     time.Duration
	Now        time.Time
	TopTags    int
	TopAuthors int
	// ExcludeInbox restricts the digest to the published feed.
	ExcludeInbox bool
	// Summarizer and KeywordExtractor override the built-in text
	// intelligence, mainly for tests.
	Summarizer       func(text string) string
	KeywordExtractor func(text string, max int) []string
	// ReputationResolver, when set, annotates author pulses.
	ReputationResolver func(did string) float64
}

func (o Options) window() time.Duration {
	if o.Window <= 0 {
		return DefaultWindow
	}
	return o.Window
}

func (o Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// Timeframe bounds a digest.
type Timeframe struct {
	From     int64 `json:"from"`
	To       int64 `json:"to"`
	WindowMs int64 `json:"windowMs"`
}

// Totals counts the entries inside the window.
type Totals struct {
	Published     int `json:"published"`
	Inbox         int `json:"inbox"`
	UniqueAuthors int `json:"uniqueAuthors"`
}

// Highlights is the narrative section of a digest.
type Highlights struct {
	Intents  map[string]float64 `json:"intents"`
	Keywords []string           `json:"keywords"`
	Summary  string             `json:"summary"`
}

// Digest is the full community report.
type Digest struct {
	Timeframe  Timeframe     `json:"timeframe"`
	Totals     Totals        `json:"totals"`
	Tags       []TagTrend    `json:"tags"`
	Authors    []AuthorPulse `json:"authors"`
	Highlights Highlights    `json:"highlights"`
}

type source int

const (
	sourcePublished source = iota
	sourceInbox
)

type normalizedEntry struct {
	source    source
	timestamp int64
	tags      []string
	authorDID string
	label     string
	body      string
	summary   string
	keywords  []string
	intent    ai.Intent
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

func normalizeEntry(e content.Envelope, src source) normalizedEntry {
	return normalizedEntry{
		source:    src,
		timestamp: e.Timestamp,
		tags:      normalizeTags(e.Manifest.Tags),
		authorDID: e.Author.DID,
		label:     e.Author.Label,
		body:      e.Body,
		summary:   e.Result.Summary,
		keywords:  e.Result.Keywords,
		intent:    e.Result.Intent,
	}
}

// decayWeight is exp(-age/window); entries at the reference instant
// weigh 1.
func decayWeight(timestamp, now, windowMs int64) float64 {
	if windowMs <= 0 {
		return 1
	}
	age := now - timestamp
	if age <= 0 {
		return 1
	}
	return math.Exp(-float64(age) / float64(windowMs))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func collect(feed, inbox []content.Envelope, now, windowMs int64) []normalizedEntry {
	from := now - windowMs
	out := make([]normalizedEntry, 0, len(feed)+len(inbox))
	for _, e := range feed {
		if entry := normalizeEntry(e, sourcePublished); entry.timestamp >= from && entry.timestamp <= now {
			out = append(out, entry)
		}
	}
	for _, e := range inbox {
		if entry := normalizeEntry(e, sourceInbox); entry.timestamp >= from && entry.timestamp <= now {
			out = append(out, entry)
		}
	}
	return out
}

// ComputeTagTrends aggregates tag usage over the trailing window,
// weighting recent entries higher. Sorted by weight, then count, then
// recency.
func ComputeTagTrends(feed, inbox []content.Envelope, opts Options) []TagTrend {
	windowMs := opts.window().Milliseconds()
	now := opts.now().UnixMilli()
	entries := collect(feed, inbox, now, windowMs)

	index := make(map[string]int)
	trends := make([]TagTrend, 0)
	for _, entry := range entries {
		weight := decayWeight(entry.timestamp, now, windowMs)
		for _, tag := range entry.tags {
			i, ok := index[tag]
			if !ok {
				i = len(trends)
				index[tag] = i
				trends = append(trends, TagTrend{Tag: tag})
			}
			trends[i].Count++
			trends[i].Weight = round4(trends[i].Weight + weight)
			if entry.timestamp > trends[i].LastTimestamp {
				trends[i].LastTimestamp = entry.timestamp
			}
		}
	}

	sort.SliceStable(trends, func(i, j int) bool {
		if trends[i].Weight != trends[j].Weight {
			return trends[i].Weight > trends[j].Weight
		}
		if trends[i].Count != trends[j].Count {
			return trends[i].Count > trends[j].Count
		}
		return trends[i].LastTimestamp > trends[j].LastTimestamp
	})
	if opts.TopTags > 0 && len(trends) > opts.TopTags {
		trends = trends[:opts.TopTags]
	}
	return trends
}

func computeAuthorPulses(entries []normalizedEntry, opts Options, now, windowMs int64) []AuthorPulse {
	index := make(map[string]int)
	pulses := make([]AuthorPulse, 0)
	for _, entry := range entries {
		weight := round4(decayWeight(entry.timestamp, now, windowMs))
		i, ok := index[entry.authorDID]
		if !ok {
			i = len(pulses)
			index[entry.authorDID] = i
			pulses = append(pulses, AuthorPulse{DID: entry.authorDID, Label: entry.label})
		}
		if entry.source == sourcePublished {
			pulses[i].Published += weight
		} else {
			pulses[i].Received += weight
		}
		if entry.timestamp > pulses[i].LastActivity {
			pulses[i].LastActivity = entry.timestamp
		}
	}

	if opts.ReputationResolver != nil {
		for i := range pulses {
			rep := round4(opts.ReputationResolver(pulses[i].DID))
			pulses[i].Reputation = &rep
		}
	}

	rep := func(p AuthorPulse) float64 {
		if p.Reputation == nil {
			return 0
		}
		return *p.Reputation
	}
	sort.SliceStable(pulses, func(i, j int) bool {
		ti, tj := pulses[i].Published+pulses[i].Received, pulses[j].Published+pulses[j].Received
		if ti != tj {
			return ti > tj
		}
		if rep(pulses[i]) != rep(pulses[j]) {
			return rep(pulses[i]) > rep(pulses[j])
		}
		return pulses[i].LastActivity > pulses[j].LastActivity
	})
	return pulses
}

// BuildCommunityDigest composes totals, tag trends, author pulses and a
// narrative summary over the ~12 most recent entries in the window.
func BuildCommunityDigest(feed, inbox []content.Envelope, opts Options) Digest {
	windowMs := opts.window().Milliseconds()
	now := opts.now().UnixMilli()
	if opts.ExcludeInbox {
		inbox = nil
	}
	entries := collect(feed, inbox, now, windowMs)

	intents := make(map[string]float64)
	keywordIndex := make(map[string]int)
	type keywordWeight struct {
		keyword string
		weight  float64
	}
	keywordWeights := make([]keywordWeight, 0)
	for _, entry := range entries {
		weight := decayWeight(entry.timestamp, now, windowMs)
		if entry.intent != "" {
			intents[string(entry.intent)] = round4(intents[string(entry.intent)] + weight)
		}
		for _, keyword := range entry.keywords {
			i, ok := keywordIndex[keyword]
			if !ok {
				i = len(keywordWeights)
				keywordIndex[keyword] = i
				keywordWeights = append(keywordWeights, keywordWeight{keyword: keyword})
			}
			keywordWeights[i].weight += weight
		}
	}

	recent := append([]normalizedEntry(nil), entries...)
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].timestamp > recent[j].timestamp })
	if len(recent) > 12 {
		recent = recent[:12]
	}
	parts := make([]string, 0, len(recent))
	for _, entry := range recent {
		text := entry.summary
		if text == "" {
			text = entry.body
		}
		parts = append(parts, text)
	}
	corpus := strings.TrimSpace(strings.Join(parts, " "))

	topKeywords := opts.TopTags
	if topKeywords <= 0 {
		topKeywords = 10
	}
	sort.SliceStable(keywordWeights, func(i, j int) bool { return keywordWeights[i].weight > keywordWeights[j].weight })
	keywords := make([]string, 0, topKeywords)
	for _, kw := range keywordWeights {
		if len(keywords) == topKeywords {
			break
		}
		keywords = append(keywords, kw.keyword)
	}
	if len(keywords) == 0 && corpus != "" {
		extractor := opts.KeywordExtractor
		if extractor == nil {
			extractor = ai.ExtractKeywords
		}
		keywords = extractor(corpus, topKeywords)
	}

	summary := ""
	if corpus != "" {
		summarizer := opts.Summarizer
		if summarizer == nil {
			summarizer = func(text string) string { return ai.Summarize(text, 3) }
		}
		summary = summarizer(corpus)
	}

	authors := computeAuthorPulses(entries, opts, now, windowMs)
	if opts.TopAuthors > 0 && len(authors) > opts.TopAuthors {
		authors = authors[:opts.TopAuthors]
	}

	unique := make(map[string]struct{})
	published, inboxCount := 0, 0
	for _, entry := range entries {
		unique[entry.authorDID] = struct{}{}
		if entry.source == sourcePublished {
			published++
		} else {
			inboxCount++
		}
	}

	return Digest{
		Timeframe: Timeframe{From: now - windowMs, To: now, WindowMs: windowMs},
		Totals:    Totals{Published: published, Inbox: inboxCount, UniqueAuthors: len(unique)},
		Tags:      ComputeTagTrends(feed, inbox, opts),
		Authors:   authors,
		Highlights: Highlights{
			Intents:  intents,
			Keywords: keywords,
			Summary:  summary,
		},
	}
}
