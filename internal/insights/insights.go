// Package insights analyzes recent conversation text into a structured
// summary: sentiment, suggested reply, key points, and tags. The DeepSeek
// call is optional; a deterministic lexicon fallback always produces a
// structurally valid result, so analysis works with no network access.
package insights

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// Insight is the cached analysis result for a conversation.
type Insight struct {
	SummaryBullets []string  `json:"summary_bullets"`
	SentimentLabel string    `json:"sentiment_label"`
	SentimentScore int       `json:"sentiment_score"`
	SuggestedReply string    `json:"suggested_reply,omitempty"`
	KeyPoints      KeyPoints `json:"key_points"`
	Tags           []string  `json:"tags"`
}

type KeyPoints struct {
	Need      string `json:"need"`
	Objection string `json:"objection"`
	Urgency   string `json:"urgency"`
	NextStep  string `json:"next_step"`
}

// Completer is the LLM surface; *deepseek.Client-style implementations
// satisfy it. nil means fallback-only.
type Completer interface {
	CompleteJSON(ctx context.Context, system, prompt string) (string, error)
}

type Analyzer struct {
	llm    Completer
	logger *slog.Logger
}

func NewAnalyzer(llm Completer, logger *slog.Logger) *Analyzer {
	return &Analyzer{llm: llm, logger: logger}
}

// Analyze summarizes the given message texts (callers pass the last N).
// The LLM path is attempted when configured; any failure falls back to the
// keyword analyzer so the result is always usable.
func (a *Analyzer) Analyze(ctx context.Context, texts []string) Insight {
	if a.llm == nil {
		return AnalyzeFallback(texts)
	}
	insight, err := a.analyzeLLM(ctx, texts)
	if err != nil {
		a.logger.Warn("llm analysis failed, using fallback", "error", err)
		return AnalyzeFallback(texts)
	}
	return insight
}

// negativeHints maps complaint keywords to the tag they imply.
var negativeHints = map[string]string{
	"caro":      "precio",
	"demora":    "demora",
	"esperando": "demora",
	"molesto":   "soporte",
	"cancel":    "cancelacion",
	"problema":  "soporte",
}

var positiveHints = []string{"gracias", "pagado", "perfecto", "listo", "excelente"}

// AnalyzeFallback is the deterministic keyword analyzer: negative and
// positive lexicon matching over the merged text.
func AnalyzeFallback(texts []string) Insight {
	merged := strings.ToLower(strings.Join(texts, " "))

	var tags []string
	tagSeen := make(map[string]bool)
	negativeMatches := 0
	for token, tag := range negativeHints {
		if strings.Contains(merged, token) {
			negativeMatches++
			if !tagSeen[tag] {
				tagSeen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	sort.Strings(tags)
	if len(tags) > 5 {
		tags = tags[:5]
	}

	positiveMatches := 0
	for _, token := range positiveHints {
		if strings.Contains(merged, token) {
			positiveMatches++
		}
	}

	var sentiment string
	var score int
	objection := ""
	switch {
	case negativeMatches > positiveMatches:
		sentiment = "NEGATIVE"
		score = 6 - negativeMatches
		if score < 1 {
			score = 1
		}
		if len(tags) > 0 {
			objection = tags[0]
		} else {
			objection = "desconocido"
		}
	case positiveMatches > 0:
		sentiment = "POSITIVE"
		score = 7 + positiveMatches
		if score > 10 {
			score = 10
		}
	default:
		sentiment = "NEUTRAL"
		score = 5
	}

	urgency := "media"
	if strings.Contains(merged, "urgente") {
		urgency = "alta"
	}

	bullets := []string{
		"Contexto sintetizado desde los ultimos mensajes.",
		"Tema principal: " + topWord(merged),
		"Priorizar respuesta en esta conversacion.",
	}

	if tags == nil {
		tags = []string{}
	}
	return Insight{
		SummaryBullets: bullets,
		SentimentLabel: sentiment,
		SentimentScore: score,
		KeyPoints: KeyPoints{
			Need:      "Acompanamiento comercial o soporte.",
			Objection: objection,
			Urgency:   urgency,
			NextStep:  "Responder con accion concreta y confirmar cierre.",
		},
		Tags: tags,
	}
}

// topWord returns the most frequent word longer than four characters, or
// "general" when there is none. Ties break on first occurrence.
func topWord(merged string) string {
	counts := make(map[string]int)
	var order []string
	for _, word := range strings.Fields(merged) {
		if len(word) <= 4 {
			continue
		}
		if counts[word] == 0 {
			order = append(order, word)
		}
		counts[word]++
	}
	best := ""
	for _, word := range order {
		if best == "" || counts[word] > counts[best] {
			best = word
		}
	}
	if best == "" {
		return "general"
	}
	return best
}
