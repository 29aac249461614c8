package reasoning

import (
	"strings"

	"github.com/pbaille/agrolog/internal/domain"
)

const systemPrompt = `Você é um assistente especializado em análise agrícola.
Sua função é analisar postagens sobre agricultura e fornecer insights técnicos precisos.
Você deve identificar: tipo de cultura, estágio de cultivo, problemas potenciais e recomendações.
Sempre responda em português do Brasil e seja técnico mas acessível.`

const pingPrompt = "Test connection. Respond with 'OK'."

// analysisSchema is the reply shape the interpreter expects.
const analysisSchema = `{
  "cultureType": "tipo da cultura identificada",
  "stage": "Planting|Growing|Flowering|Harvesting|PostHarvest|Unknown",
  "problems": [
    {
      "type": "Pest|Disease|Weather|Soil|Nutrition|Water|None",
      "description": "descrição do problema",
      "severity": "Baixa|Média|Alta"
    }
  ],
  "recommendations": ["recomendação 1", "recomendação 2"],
  "confidenceScore": 0.95
}`

func buildAnalysisPrompt(content string) string {
	var sb strings.Builder

	sb.WriteString("Analise a seguinte postagem agrícola e retorne um JSON estruturado.\n\n")
	sb.WriteString("POSTAGEM:\n")
	sb.WriteString(content)
	sb.WriteString("\n\n")
	sb.WriteString("Retorne APENAS um JSON válido no seguinte formato, sem nenhum outro texto:\n")
	sb.WriteString(analysisSchema)

	return sb.String()
}

// buildMentionPrompt renders the report, the previous turns in order and the
// new question into a single user message.
func buildMentionPrompt(query, reportContent string, history []domain.Interaction) string {
	var sb strings.Builder

	sb.WriteString("POSTAGEM ORIGINAL:\n")
	sb.WriteString(reportContent)
	sb.WriteString("\n")

	if len(history) > 0 {
		sb.WriteString("\nCONTEXTO DE CONVERSAS ANTERIORES:\n")
		for _, h := range history {
			sb.WriteString("Usuário: ")
			sb.WriteString(h.Query)
			sb.WriteString("\nAssistente: ")
			sb.WriteString(h.Reply)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\nPERGUNTA DO USUÁRIO:\n")
	sb.WriteString(query)
	sb.WriteString("\n\nResponda de forma clara e técnica, fornecendo informações úteis sobre a questão levantada.")

	return sb.String()
}
