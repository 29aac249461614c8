// Package pipeline orchestrates the report use-cases: creation with detached
// auto-analysis, content updates, follow-up mentions and queries.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pbaille/agrolog/internal/domain"
	"github.com/pbaille/agrolog/internal/logging"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Service runs the report use-cases against a repository and a reasoner.
type Service struct {
	repo     Repository
	reasoner Reasoner
	logger   *zap.Logger

	sem             *semaphore.Weighted
	analysisTimeout time.Duration

	// lifetime of detached work, independent of any request
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option customizes a Service.
type Option func(*Service)

// WithMaxConcurrentAnalyses bounds the number of background analyses running at once.
func WithMaxConcurrentAnalyses(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithAnalysisTimeout bounds each background analysis.
func WithAnalysisTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.analysisTimeout = d
		}
	}
}

// NewService creates a Service. Call Close to stop background work.
func NewService(repo Repository, reasoner Reasoner, logger *zap.Logger, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		repo:            repo,
		reasoner:        reasoner,
		logger:          logging.OrNop(logger).With(zap.String("component", "pipeline")),
		sem:             semaphore.NewWeighted(4),
		analysisTimeout: 2 * time.Minute,
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateReportInput is what a user submits. Content is stored exactly as
// given.
type CreateReportInput struct {
	UserID   string
	Content  string
	Location string

	// SkipAnalysis stores the report without scheduling an auto-analysis
	SkipAnalysis bool
}

// CreateReport validates and stores a new draft report and returns it
// immediately. Analysis runs in the background; its outcome never affects
// the returned report.
func (s *Service) CreateReport(ctx context.Context, in CreateReportInput) (*domain.Report, error) {
	r, err := domain.NewReport(in.UserID, in.Content, in.Location)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, r); err != nil {
		return nil, err
	}

	s.logger.Info("report created",
		zap.String("report_id", r.ID),
		zap.String("user_id", r.UserID),
		zap.Int("content_len", len(r.Content)))

	out := r.Clone()
	if in.SkipAnalysis {
		s.logger.Debug("auto-analysis skipped on request", zap.String("report_id", r.ID))
		return out, nil
	}
	s.analyzeInBackground(r.ID, r.Content)
	return out, nil
}

// UpdateContent replaces the text of a report.
func (s *Service) UpdateContent(ctx context.Context, id, text string) (*domain.Report, error) {
	if err := domain.ValidateContent(text); err != nil {
		return nil, err
	}

	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.UpdateContent(text); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, r); err != nil {
		return nil, err
	}

	s.logger.Info("report content updated", zap.String("report_id", id))
	return r, nil
}

// ProcessMention answers a follow-up question about a report and records the
// exchange as a new interaction. Only the interaction is written back, so
// edits made while the reasoner was answering are kept.
func (s *Service) ProcessMention(ctx context.Context, id, query string) (*domain.Interaction, error) {
	if err := domain.ValidateQuery(query); err != nil {
		return nil, err
	}

	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	reply, err := s.reasoner.Converse(ctx, query, r.Content, r.Interactions)
	if err != nil {
		return nil, err
	}

	in := domain.NewInteraction(domain.KindUserMention, query, reply, EstimateTokens(query+reply))
	if err := s.repo.AppendInteraction(ctx, id, in); err != nil {
		return nil, err
	}

	s.logger.Info("mention processed",
		zap.String("report_id", id),
		zap.String("interaction_id", in.ID),
		zap.Int("tokens", in.Tokens))
	return &in, nil
}

// GetReport returns a report by id.
func (s *Service) GetReport(ctx context.Context, id string) (*domain.Report, error) {
	return s.repo.Get(ctx, id)
}

// Page is one page of reports, newest first.
type Page struct {
	Reports    []*domain.Report
	Page       int
	PageSize   int
	TotalCount int
	TotalPages int
}

// ListReports returns a page of reports. page is 1-based; out of range
// sizes are clamped.
func (s *Service) ListReports(ctx context.Context, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	total, err := s.repo.Count(ctx)
	if err != nil {
		return nil, err
	}
	reports, err := s.repo.List(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}

	return &Page{
		Reports:    reports,
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

// ListUserReports returns all reports of a user, newest first.
func (s *Service) ListUserReports(ctx context.Context, userID string) ([]*domain.Report, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return nil, err
	}
	return s.repo.ListByUser(ctx, userID)
}

// DeleteReport removes a report with its analysis and interactions.
func (s *Service) DeleteReport(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("report deleted", zap.String("report_id", id))
	return nil
}
