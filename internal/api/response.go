package api

import (
	"time"

	"github.com/pbaille/agrolog/internal/domain"
	"github.com/pbaille/agrolog/internal/pipeline"
)

// PostResponse is the JSON form of a report
type PostResponse struct {
	ID           string                `json:"id"`
	UserID       string                `json:"userId"`
	Content      string                `json:"content"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    *time.Time            `json:"updatedAt"`
	Status       string                `json:"status"`
	Analysis     *AnalysisResponse     `json:"analysis"`
	Interactions []InteractionResponse `json:"interactions"`
	Tags         []string              `json:"tags"`
	Location     string                `json:"location"`
}

// AnalysisResponse is the JSON form of an analysis. Stage is rendered by name.
type AnalysisResponse struct {
	CultureType     string            `json:"cultureType"`
	Stage           string            `json:"stage"`
	Problems        []ProblemResponse `json:"problems"`
	Recommendations []string          `json:"recommendations"`
	ConfidenceScore float64           `json:"confidenceScore"`
	AnalyzedAt      time.Time         `json:"analyzedAt"`
}

// ProblemResponse is one detected field problem
type ProblemResponse struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// InteractionResponse is one query/reply turn of a post's conversation
type InteractionResponse struct {
	ID         string    `json:"id"`
	UserQuery  string    `json:"userQuery"`
	AIResponse string    `json:"aiResponse"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"createdAt"`
	TokensUsed int       `json:"tokensUsed"`
}

// PagedResponse wraps one page of posts
type PagedResponse struct {
	Data       []PostResponse `json:"data"`
	Page       int            `json:"page"`
	PageSize   int            `json:"pageSize"`
	TotalCount int            `json:"totalCount"`
	TotalPages int            `json:"totalPages"`
}

func toReportResponse(r *domain.Report) PostResponse {
	resp := PostResponse{
		ID:           r.ID,
		UserID:       r.UserID,
		Content:      r.Content,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		Status:       r.Status.String(),
		Interactions: make([]InteractionResponse, 0, len(r.Interactions)),
		Tags:         r.Tags,
		Location:     r.Location,
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	for _, i := range r.Interactions {
		resp.Interactions = append(resp.Interactions, toInteractionResponse(i))
	}

	if a := r.Analysis; a != nil {
		ar := &AnalysisResponse{
			CultureType:     a.CropType,
			Stage:           a.Stage.String(),
			Problems:        make([]ProblemResponse, 0, len(a.Problems)),
			Recommendations: a.Recommendations,
			ConfidenceScore: a.Confidence,
			AnalyzedAt:      a.AnalyzedAt,
		}
		if ar.Recommendations == nil {
			ar.Recommendations = []string{}
		}
		for _, p := range a.Problems {
			ar.Problems = append(ar.Problems, ProblemResponse{
				Type:        p.Category.String(),
				Description: p.Description,
				Severity:    p.Severity,
			})
		}
		resp.Analysis = ar
	}
	return resp
}

func toReportResponses(reports []*domain.Report) []PostResponse {
	out := make([]PostResponse, 0, len(reports))
	for _, r := range reports {
		out = append(out, toReportResponse(r))
	}
	return out
}

func toInteractionResponse(i domain.Interaction) InteractionResponse {
	return InteractionResponse{
		ID:         i.ID,
		UserQuery:  i.Query,
		AIResponse: i.Reply,
		Type:       i.Kind.String(),
		CreatedAt:  i.CreatedAt,
		TokensUsed: i.Tokens,
	}
}

func toPagedResponse(p *pipeline.Page) PagedResponse {
	return PagedResponse{
		Data:       toReportResponses(p.Reports),
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalCount: p.TotalCount,
		TotalPages: p.TotalPages,
	}
}
