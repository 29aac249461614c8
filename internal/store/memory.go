package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pbaille/agrolog/internal/domain"
)

// Memory is an in-process report repository. It stores and hands out deep
// copies, so callers never share an aggregate.
type Memory struct {
	mu      sync.RWMutex
	reports map[string]*domain.Report
	seq     map[string]int // insertion order, breaks created_at ties
	next    int
}

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		reports: make(map[string]*domain.Report),
		seq:     make(map[string]int),
	}
}

func (m *Memory) Create(_ context.Context, r *domain.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reports[r.ID]; ok {
		return fmt.Errorf("insert report: duplicate id %s", r.ID)
	}
	m.reports[r.ID] = r.Clone()
	m.next++
	m.seq[r.ID] = m.next
	return nil
}

// Update merges r into the stored report, the same way Store.Update does
func (m *Memory) Update(_ context.Context, r *domain.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.reports[r.ID]
	if !ok {
		return domain.NotFound(r.ID)
	}

	in := r.Clone()
	stored.Content = in.Content
	stored.Location = in.Location
	stored.Status = in.Status
	stored.UpdatedAt = in.UpdatedAt
	if in.Analysis != nil {
		stored.Analysis = in.Analysis
	}

	known := make(map[string]bool, len(stored.Interactions))
	for _, i := range stored.Interactions {
		known[i.ID] = true
	}
	for _, i := range in.Interactions {
		if !known[i.ID] {
			stored.Interactions = append(stored.Interactions, i)
			known[i.ID] = true
		}
	}

	stored.AddTags(in.Tags...)
	return nil
}

// AppendInteraction adds in to the stored report, leaving every other field
// untouched. An interaction id already present is ignored.
func (m *Memory) AppendInteraction(_ context.Context, id string, in domain.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.reports[id]
	if !ok {
		return domain.NotFound(id)
	}
	appendUnknown(stored, in)
	return nil
}

// AttachAnalysis sets the analysis, unions tags and appends in. Content,
// location and status are left as stored.
func (m *Memory) AttachAnalysis(_ context.Context, id string, a domain.Analysis, tags []string, in domain.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.reports[id]
	if !ok {
		return domain.NotFound(id)
	}
	stored.AttachAnalysis(a)
	stored.AddTags(tags...)
	appendUnknown(stored, in)
	return nil
}

func appendUnknown(r *domain.Report, in domain.Interaction) {
	for _, i := range r.Interactions {
		if i.ID == in.ID {
			return
		}
	}
	r.AppendInteraction(in)
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reports[id]; !ok {
		return domain.NotFound(id)
	}
	delete(m.reports, id)
	delete(m.seq, id)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[id]
	if !ok {
		return nil, domain.NotFound(id)
	}
	return r.Clone(), nil
}

// List returns one page of reports, newest first
func (m *Memory) List(_ context.Context, page, pageSize int) ([]*domain.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sorted(func(*domain.Report) bool { return true })
	start := (page - 1) * pageSize
	if start < 0 || start >= len(all) {
		return []*domain.Report{}, nil
	}
	end := min(start+pageSize, len(all))
	return all[start:end], nil
}

// ListByUser returns all reports of a user, newest first
func (m *Memory) ListByUser(_ context.Context, userID string) ([]*domain.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sorted(func(r *domain.Report) bool { return r.UserID == userID }), nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.reports), nil
}

// sorted returns clones of the matching reports, newest first. Callers hold mu.
func (m *Memory) sorted(keep func(*domain.Report) bool) []*domain.Report {
	out := []*domain.Report{}
	for _, r := range m.reports {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return m.seq[out[i].ID] > m.seq[out[j].ID]
	})
	return out
}
