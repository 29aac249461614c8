package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pbaille/agrolog/internal/domain"
	"github.com/pbaille/agrolog/internal/metrics"
)

// AutoAnalysisQuery is the query recorded on the interaction produced by
// the automatic analysis of a new report.
const AutoAnalysisQuery = "Auto-analysis on post creation"

// analyzeInBackground schedules the analysis of a freshly created report.
// It returns immediately; the task runs on the service lifetime context.
func (s *Service) analyzeInBackground(id, text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("service closed, skipping auto-analysis", zap.String("report_id", id))
		metrics.AnalysisTotal.WithLabelValues("cancelled").Inc()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runAnalysis(id, text)
	}()
}

// runAnalysis is the error boundary of a background task: every failure is
// logged and counted, none reaches the caller of CreateReport.
func (s *Service) runAnalysis(id, text string) {
	log := s.logger.With(zap.String("report_id", id))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("auto-analysis panicked", zap.Any("panic", rec), zap.Stack("stack"))
			metrics.AnalysisTotal.WithLabelValues("panic").Inc()
		}
	}()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		log.Debug("auto-analysis cancelled before start", zap.Error(err))
		metrics.AnalysisTotal.WithLabelValues("cancelled").Inc()
		return
	}
	defer s.sem.Release(1)

	metrics.AnalysisInFlight.Inc()
	defer metrics.AnalysisInFlight.Dec()

	ctx, cancel := context.WithTimeout(s.ctx, s.analysisTimeout)
	defer cancel()

	result, err := s.analyze(ctx, id, text)
	switch {
	case err == nil:
		log.Info("auto-analysis attached",
			zap.String("crop_type", result.CropType),
			zap.String("stage", result.Stage.String()),
			zap.Float64("confidence", result.Confidence))
		metrics.AnalysisTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, domain.ErrNotFound):
		log.Info("report deleted before auto-analysis completed")
		metrics.AnalysisTotal.WithLabelValues("gone").Inc()
	default:
		var svcErr *domain.ServiceError
		if errors.As(err, &svcErr) {
			log.Warn("auto-analysis failed", zap.Error(err))
			metrics.AnalysisTotal.WithLabelValues("service_error").Inc()
			return
		}
		log.Error("auto-analysis not saved", zap.Error(err))
		metrics.AnalysisTotal.WithLabelValues("store_error").Inc()
	}
}

// analyze asks for the analysis and attaches it with a field-scoped write,
// so changes made while the reasoner was working are kept.
func (s *Service) analyze(ctx context.Context, id, text string) (*domain.Analysis, error) {
	a, err := s.reasoner.Analyze(ctx, text)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("analyze report %s: empty analysis", id)
	}

	in := domain.NewInteraction(
		domain.KindAutoAnalysis,
		AutoAnalysisQuery,
		a.RawReply,
		EstimateTokens(text+a.RawReply),
	)
	if err := s.repo.AttachAnalysis(ctx, id, *a, a.Tags(), in); err != nil {
		return nil, err
	}
	return a, nil
}

// Wait blocks until every scheduled background task has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close stops accepting background work and waits for running tasks. If ctx
// expires first, running tasks are cancelled and ctx.Err is returned once
// they have unwound.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
