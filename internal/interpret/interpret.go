// Package interpret turns the reasoning service's free-text reply into a
// domain.Analysis. Parsing is total: a reply that cannot be decoded yields a
// deterministic fallback analysis instead of an error.
package interpret

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pbaille/agrolog/internal/domain"
)

// FallbackRecommendation is the only recommendation of a fallback analysis
const FallbackRecommendation = "Não foi possível analisar a postagem automaticamente."

// DefaultConfidence is used when the reply omits confidenceScore
const DefaultConfidence = 0.5

var errNotObject = errors.New("reply is not a JSON object")

// Result is the outcome of Parse. When Fallback is true, Reason says why the
// reply was rejected and Analysis is the fallback analysis.
type Result struct {
	Analysis domain.Analysis
	Fallback bool
	Reason   error
}

type reply struct {
	CultureType     *string        `json:"cultureType"`
	Stage           *string        `json:"stage"`
	Problems        []replyProblem `json:"problems"`
	Recommendations []string       `json:"recommendations"`
	ConfidenceScore *float64       `json:"confidenceScore"`
}

type replyProblem struct {
	Type        *string `json:"type"`
	Description *string `json:"description"`
	Severity    *string `json:"severity"`
}

// Parse interprets raw. It never fails.
func Parse(raw string, now time.Time) Result {
	parsed, err := decode(stripFences(raw))
	if err != nil {
		return Result{
			Analysis: Fallback(raw, now),
			Fallback: true,
			Reason:   err,
		}
	}
	return Result{Analysis: parsed.toAnalysis(raw, now)}
}

// Fallback is the analysis attached when a reply cannot be interpreted
func Fallback(raw string, now time.Time) domain.Analysis {
	return domain.Analysis{
		CropType:        domain.CropUnrecognized,
		Stage:           domain.StageUnknown,
		Problems:        []domain.Problem{},
		Recommendations: []string{FallbackRecommendation},
		Confidence:      0.0,
		AnalyzedAt:      now,
		RawReply:        raw,
	}
}

// stripFences removes markdown code blocks if present
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func decode(s string) (*reply, error) {
	r, err := decodeObject(s)
	if err == nil {
		return r, nil
	}
	if strings.HasPrefix(s, "[") {
		return nil, err
	}

	// Models sometimes wrap the object in prose; try the outermost braces.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return nil, err
	}
	r, err2 := decodeObject(s[start : end+1])
	if err2 != nil {
		return nil, err
	}
	return r, nil
}

func decodeObject(s string) (*reply, error) {
	b := bytes.TrimSpace([]byte(s))
	if len(b) == 0 || b[0] != '{' {
		return nil, errNotObject
	}
	var r reply
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return &r, nil
}

func (r *reply) toAnalysis(raw string, now time.Time) domain.Analysis {
	a := domain.Analysis{
		CropType:        domain.CropUnidentified,
		Stage:           domain.ParseStage(deref(r.Stage)),
		Problems:        make([]domain.Problem, 0, len(r.Problems)),
		Recommendations: make([]string, 0, len(r.Recommendations)),
		Confidence:      DefaultConfidence,
		AnalyzedAt:      now,
		RawReply:        raw,
	}

	if r.CultureType != nil {
		a.CropType = *r.CultureType
	}
	if r.ConfidenceScore != nil {
		a.Confidence = clamp(*r.ConfidenceScore)
	}

	for _, p := range r.Problems {
		severity := domain.SeverityUnknown
		if p.Severity != nil {
			severity = *p.Severity
		}
		a.Problems = append(a.Problems, domain.Problem{
			Category:    domain.ParseProblemCategory(deref(p.Type)),
			Description: deref(p.Description),
			Severity:    severity,
		})
	}
	a.Recommendations = append(a.Recommendations, r.Recommendations...)

	return a
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
