package pipeline

import (
	"context"

	"github.com/pbaille/agrolog/internal/domain"
)

// Repository persists report aggregates. Implementations return deep copies
// and merge on Update: scalar fields are overwritten, the analysis is
// replaced only when the written report carries one, interactions unknown
// to the store are appended and tags are unioned.
//
// AppendInteraction and AttachAnalysis write only the fields they name, so
// a slow reasoning call never overwrites edits made while it ran.
type Repository interface {
	Get(ctx context.Context, id string) (*domain.Report, error)
	Create(ctx context.Context, r *domain.Report) error
	Update(ctx context.Context, r *domain.Report) error
	AppendInteraction(ctx context.Context, id string, in domain.Interaction) error
	AttachAnalysis(ctx context.Context, id string, a domain.Analysis, tags []string, in domain.Interaction) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, page, pageSize int) ([]*domain.Report, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Report, error)
	Count(ctx context.Context) (int, error)
}

// Reasoner is the external reasoning service.
type Reasoner interface {
	Analyze(ctx context.Context, content string) (*domain.Analysis, error)
	Converse(ctx context.Context, query, reportContent string, history []domain.Interaction) (string, error)
}
