// Package ai provides deterministic, heuristic text intelligence:
// extractive summarization, keyword frequency ranking, and intent
// classification. No learned model is involved; identical input always
// yields identical output.
package ai

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Intent is a coarse classification of what a text is trying to do.
type Intent string

const (
	IntentCommerce   Intent = "commerce"
	IntentSupport    Intent = "support"
	IntentGreeting   Intent = "greeting"
	IntentModeration Intent = "moderation"
	IntentGeneral    Intent = "general"
)

var stopwords = func() map[string]bool {
	list := strings.Split(
		"a,ao,aos,à,às,o,os,as,e,é,do,da,dos,das,de,em,um,uma,uns,umas,que,como,para,por,com,sem,se,na,no,nos,nas",
		",")
	set := make(map[string]bool, len(list))
	for _, w := range list {
		set[w] = true
	}
	return set
}()

var (
	commercePattern   = regexp.MustCompile(`(comprar|buy|purchase)`)
	supportPattern    = regexp.MustCompile(`(ajuda|help|assist)`)
	greetingPattern   = regexp.MustCompile(`(oi|olá|hello|hey)`)
	moderationPattern = regexp.MustCompile(`(denúncia|report|flag)`)
	whitespaceRun     = regexp.MustCompile(`\s+`)
)

// tokenize lowercases, NFC-normalizes, strips punctuation, and splits on
// whitespace. Ordering of tokens follows the input text.
func tokenize(text string) []string {
	normalized := norm.NFC.String(strings.ToLower(text))
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, normalized)
	return strings.Fields(cleaned)
}

// contentTokens returns tokens with the stopword list removed.
func contentTokens(text string) []string {
	tokens := tokenize(text)
	out := tokens[:0]
	for _, tok := range tokens {
		if !stopwords[tok] {
			out = append(out, tok)
		}
	}
	return out
}

// splitSentences breaks text on sentence-final punctuation followed by
// whitespace, keeping the punctuation with its sentence.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				if s := strings.TrimSpace(current.String()); s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
			}
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func sentenceScore(sentence string, frequencies map[string]int) float64 {
	words := tokenize(sentence)
	if len(words) == 0 {
		return 0
	}
	score := 0.0
	for _, word := range words {
		score += float64(frequencies[word])
	}
	return score / float64(len(words))
}

// Summarize keeps the maxSentences highest-scoring sentences (by average
// token frequency over the whole text), restores their original order,
// and joins them with single spaces.
func Summarize(text string, maxSentences int) string {
	normalized := strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
	if normalized == "" {
		return ""
	}
	if maxSentences <= 0 {
		maxSentences = 3
	}

	frequencies := make(map[string]int)
	for _, tok := range contentTokens(normalized) {
		frequencies[tok]++
	}

	sentences := splitSentences(normalized)
	type ranked struct {
		index int
		text  string
		score float64
	}
	scored := make([]ranked, len(sentences))
	for i, s := range sentences {
		scored[i] = ranked{index: i, text: s, score: sentenceScore(s, frequencies)}
	}
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].score > scored[b].score })
	if len(scored) > maxSentences {
		scored = scored[:maxSentences]
	}
	sort.Slice(scored, func(a, b int) bool { return scored[a].index < scored[b].index })

	parts := make([]string, len(scored))
	for i, s := range scored {
		parts[i] = s.text
	}
	return strings.Join(parts, " ")
}

// ExtractKeywords ranks tokens by raw frequency descending; ties keep
// first-seen order. Stopwords are excluded.
func ExtractKeywords(text string, max int) []string {
	if max <= 0 {
		max = 8
	}
	tokens := contentTokens(text)
	frequencies := make(map[string]int)
	firstSeen := make(map[string]int)
	var order []string
	for i, tok := range tokens {
		if _, seen := frequencies[tok]; !seen {
			firstSeen[tok] = i
			order = append(order, tok)
		}
		frequencies[tok]++
	}
	sort.SliceStable(order, func(a, b int) bool {
		fa, fb := frequencies[order[a]], frequencies[order[b]]
		if fa != fb {
			return fa > fb
		}
		return firstSeen[order[a]] < firstSeen[order[b]]
	})
	if len(order) > max {
		order = order[:max]
	}
	return order
}

// DetectIntent matches fixed keyword patterns in priority order; the
// first match wins and the default is IntentGeneral.
func DetectIntent(text string) Intent {
	lowered := strings.ToLower(text)
	switch {
	case commercePattern.MatchString(lowered):
		return IntentCommerce
	case supportPattern.MatchString(lowered):
		return IntentSupport
	case greetingPattern.MatchString(lowered):
		return IntentGreeting
	case moderationPattern.MatchString(lowered):
		return IntentModeration
	default:
		return IntentGeneral
	}
}
