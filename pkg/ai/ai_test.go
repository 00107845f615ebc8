package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarizeEmptyText(t *testing.T) {
	assert.Equal(t, "", Summarize("   ", 3))
}

func TestSummarizeKeepsOriginalOrder(t *testing.T) {
	text := "Mutirão organizou a horta comunitária. O tempo estava instável. Horta comunitária recebeu mudas novas do mutirão."
	summary := Summarize(text, 2)

	// the two sentences about the frequent topic win, in input order
	assert.Contains(t, summary, "Mutirão organizou a horta comunitária.")
	assert.Contains(t, summary, "Horta comunitária recebeu mudas novas do mutirão.")
	assert.NotContains(t, summary, "tempo estava")
	assert.Less(t,
		len("Mutirão organizou a horta comunitária."),
		len(summary),
	)
}

func TestSummarizeDeterministic(t *testing.T) {
	text := "Primeira frase do relato. Segunda frase com mais detalhes do relato. Terceira frase final."
	assert.Equal(t, Summarize(text, 2), Summarize(text, 2))
}

func TestExtractKeywordsFrequencyOrder(t *testing.T) {
	text := "horta horta horta mutirão mutirão comunidade"
	assert.Equal(t, []string{"horta", "mutirão", "comunidade"}, ExtractKeywords(text, 8))
}

func TestExtractKeywordsTieBreaksByFirstSeen(t *testing.T) {
	text := "alpha beta alpha beta gama"
	assert.Equal(t, []string{"alpha", "beta", "gama"}, ExtractKeywords(text, 8))
}

func TestExtractKeywordsDropsStopwords(t *testing.T) {
	keywords := ExtractKeywords("a horta da comunidade para o bairro", 8)
	assert.NotContains(t, keywords, "a")
	assert.NotContains(t, keywords, "da")
	assert.NotContains(t, keywords, "para")
	assert.Contains(t, keywords, "horta")
}

func TestExtractKeywordsRespectsMax(t *testing.T) {
	assert.Len(t, ExtractKeywords("um dois tres quatro cinco seis sete oito nove dez", 3), 3)
}

func TestDetectIntent(t *testing.T) {
	cases := map[string]Intent{
		"quero comprar sementes":     IntentCommerce,
		"preciso de ajuda urgente":   IntentSupport,
		"olá, tudo bem?":             IntentGreeting,
		"quero fazer uma denúncia":   IntentModeration,
		"registro neutro de reunião": IntentGeneral,
	}
	for text, want := range cases {
		assert.Equal(t, want, DetectIntent(text), "text %q", text)
	}
}

func TestDetectIntentFirstMatchWins(t *testing.T) {
	// commerce is checked before support
	assert.Equal(t, IntentCommerce, DetectIntent("help me buy tools"))
}
