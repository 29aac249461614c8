package domain

import (
	"strings"
	"time"
)

// Now is the clock used by the aggregate. Tests may replace it.
var Now = func() time.Time { return time.Now().UTC() }

// Status is the lifecycle state of a report
type Status int

const (
	StatusDraft Status = iota
	StatusPublished
	StatusArchived
)

var statusNames = []string{"Draft", "Published", "Archived"}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return statusNames[0]
	}
	return statusNames[s]
}

// ParseStatus maps a label to a Status, defaulting to Draft
func ParseStatus(s string) Status {
	return Status(lookup(statusNames, s))
}

// Stage is the cultivation stage identified by an analysis
type Stage int

const (
	StageUnknown Stage = iota
	StagePlanting
	StageGrowing
	StageFlowering
	StageHarvesting
	StagePostHarvest
)

var stageNames = []string{"Unknown", "Planting", "Growing", "Flowering", "Harvesting", "PostHarvest"}

func (s Stage) String() string {
	if int(s) < 0 || int(s) >= len(stageNames) {
		return stageNames[0]
	}
	return stageNames[s]
}

// ParseStage maps a stage token case-insensitively, unmatched tokens become StageUnknown
func ParseStage(s string) Stage {
	return Stage(lookup(stageNames, s))
}

// ProblemCategory classifies an identified problem
type ProblemCategory int

const (
	ProblemNone ProblemCategory = iota
	ProblemPest
	ProblemDisease
	ProblemWeather
	ProblemSoil
	ProblemNutrition
	ProblemWater
)

var problemNames = []string{"None", "Pest", "Disease", "Weather", "Soil", "Nutrition", "Water"}

func (c ProblemCategory) String() string {
	if int(c) < 0 || int(c) >= len(problemNames) {
		return problemNames[0]
	}
	return problemNames[c]
}

// ParseProblemCategory maps a category token case-insensitively, unmatched tokens become ProblemNone
func ParseProblemCategory(s string) ProblemCategory {
	return ProblemCategory(lookup(problemNames, s))
}

// InteractionKind tells what produced an interaction
type InteractionKind int

const (
	KindAutoAnalysis InteractionKind = iota
	KindUserMention
	KindDetailedAnalysis
)

var kindNames = []string{"AutoAnalysis", "UserMention", "DetailedAnalysis"}

func (k InteractionKind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return kindNames[0]
	}
	return kindNames[k]
}

// ParseInteractionKind maps a label to a kind, defaulting to AutoAnalysis
func ParseInteractionKind(s string) InteractionKind {
	return InteractionKind(lookup(kindNames, s))
}

func lookup(names []string, s string) int {
	s = strings.TrimSpace(s)
	for i, n := range names {
		if strings.EqualFold(n, s) {
			return i
		}
	}
	return 0
}

// Known severity labels. Severity is free text from the reasoning service;
// these are the values it is asked to use.
const (
	SeverityLow     = "Baixa"
	SeverityMedium  = "Média"
	SeverityHigh    = "Alta"
	SeverityUnknown = "Desconhecida"
)

// Crop labels used when the reasoning service gives no usable crop.
const (
	CropUnidentified = "Não identificado"
	CropUnrecognized = "Erro na análise"
)

// Problem is an issue identified in a report
type Problem struct {
	Category    ProblemCategory
	Description string
	Severity    string
}

// Analysis is the structured diagnostic attached to a report
type Analysis struct {
	CropType        string
	Stage           Stage
	Problems        []Problem
	Recommendations []string
	Confidence      float64
	AnalyzedAt      time.Time

	// RawReply is the verbatim reasoning service output, kept for audit
	RawReply string
}

// Tags derives classification tags from the analysis: crop, stage and
// the categories of the problems found.
func (a Analysis) Tags() []string {
	var tags []string
	if a.CropType != "" && a.CropType != CropUnidentified && a.CropType != CropUnrecognized {
		tags = append(tags, a.CropType)
	}
	if a.Stage != StageUnknown {
		tags = append(tags, a.Stage.String())
	}
	for _, p := range a.Problems {
		if p.Category != ProblemNone {
			tags = append(tags, p.Category.String())
		}
	}
	return tags
}

func (a Analysis) clone() Analysis {
	out := a
	out.Problems = append([]Problem(nil), a.Problems...)
	out.Recommendations = append([]string(nil), a.Recommendations...)
	return out
}

// Interaction is one query/reply turn in the conversation tied to a report
type Interaction struct {
	ID        string
	Query     string
	Reply     string
	Kind      InteractionKind
	CreatedAt time.Time
	Tokens    int
}
