package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const analysisSystem = "Eres un experto analista de CRM. Responde SOLO con JSON válido."

const analysisPromptTemplate = `Analiza la siguiente conversación de ventas/soporte y genera un JSON con insights.

Requisitos de salida (JSON crudo):
{
    "summary_bullets": ["breve punto 1", "breve punto 2", "accion sugerida"],
    "sentiment_label": "POSITIVE" | "NEUTRAL" | "NEGATIVE",
    "sentiment_score": (int 1-10),
    "suggested_reply": "Genera una respuesta sugerida para el agente, corta y profesional, orientada a la venta o solucion",
    "key_points": {
        "need": "necesidad principal del cliente",
        "objection": "objecion principal o vacío",
        "urgency": "alta" | "media" | "baja",
        "next_step": "accion recomendada para el agente"
    },
    "tags": ["tag1", "tag2", "tag3"]
}

Conversación:
%s`

func (a *Analyzer) analyzeLLM(ctx context.Context, texts []string) (Insight, error) {
	prompt := fmt.Sprintf(analysisPromptTemplate, strings.Join(texts, "\n"))

	content, err := a.llm.CompleteJSON(ctx, analysisSystem, prompt)
	if err != nil {
		return Insight{}, err
	}

	var insight Insight
	if err := json.Unmarshal([]byte(content), &insight); err != nil {
		return Insight{}, fmt.Errorf("parse analysis: %w", err)
	}
	return sanitize(insight), nil
}

// sanitize fills required fields the model left out so callers always see a
// structurally valid result.
func sanitize(in Insight) Insight {
	if len(in.SummaryBullets) == 0 {
		in.SummaryBullets = []string{"Sin resumen"}
	}
	switch in.SentimentLabel {
	case "POSITIVE", "NEUTRAL", "NEGATIVE":
	default:
		in.SentimentLabel = "NEUTRAL"
	}
	if in.SentimentScore < 1 || in.SentimentScore > 10 {
		in.SentimentScore = 5
	}
	switch in.KeyPoints.Urgency {
	case "alta", "media", "baja":
	default:
		in.KeyPoints.Urgency = "media"
	}
	if in.KeyPoints.Need == "" {
		in.KeyPoints.Need = "Desconocido"
	}
	if in.KeyPoints.NextStep == "" {
		in.KeyPoints.NextStep = "Revisar caso"
	}
	if len(in.Tags) > 5 {
		in.Tags = in.Tags[:5]
	}
	if in.Tags == nil {
		in.Tags = []string{}
	}
	return in
}
