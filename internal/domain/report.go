package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Field bounds for a report.
const (
	MaxUserIDLength   = 450
	MaxContentLength  = 5000
	MaxLocationLength = 200
	MaxQueryLength    = 1000
)

// Report is a user-submitted agricultural field note together with
// everything the reasoning service said about it.
type Report struct {
	ID        string
	UserID    string
	Content   string
	Location  string
	CreatedAt time.Time
	UpdatedAt *time.Time
	Status    Status

	Analysis     *Analysis
	Interactions []Interaction
	Tags         []string
}

// NewReport creates a draft report owned by userID.
func NewReport(userID, content, location string) (*Report, error) {
	userID = strings.TrimSpace(userID)
	location = strings.TrimSpace(location)

	if err := requireText("userId", userID, MaxUserIDLength); err != nil {
		return nil, err
	}
	if err := requireText("content", content, MaxContentLength); err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(location) > MaxLocationLength {
		return nil, &ValidationError{Field: "location", Message: "too long"}
	}

	return &Report{
		ID:           uuid.New().String(),
		UserID:       userID,
		Content:      content,
		Location:     location,
		CreatedAt:    Now(),
		Status:       StatusDraft,
		Interactions: []Interaction{},
		Tags:         []string{},
	}, nil
}

// UpdateContent replaces the report text
func (r *Report) UpdateContent(content string) error {
	if err := requireText("content", content, MaxContentLength); err != nil {
		return err
	}
	r.Content = content
	r.touch()
	return nil
}

// AttachAnalysis sets or replaces the analysis
func (r *Report) AttachAnalysis(a Analysis) {
	a = a.clone()
	r.Analysis = &a
	r.touch()
}

// AppendInteraction adds a turn at the end of the conversation. Interactions
// are never removed or reordered.
func (r *Report) AppendInteraction(i Interaction) {
	r.Interactions = append(r.Interactions, i)
	r.touch()
}

// AddTags merges tags into the report, keeping first-seen order.
func (r *Report) AddTags(tags ...string) {
	for _, t := range tags {
		t = NormalizeTag(t)
		if t == "" || r.HasTag(t) {
			continue
		}
		r.Tags = append(r.Tags, t)
	}
}

// HasTag reports whether the normalized tag is present
func (r *Report) HasTag(tag string) bool {
	tag = NormalizeTag(tag)
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Publish marks the report as visible to other users
func (r *Report) Publish() {
	r.Status = StatusPublished
	r.touch()
}

// Archive retires the report. Archived reports are kept with their history.
func (r *Report) Archive() {
	r.Status = StatusArchived
	r.touch()
}

// Clone returns a deep copy. Stores hand out clones so that no two
// use-cases ever share an aggregate.
func (r *Report) Clone() *Report {
	out := *r
	if r.UpdatedAt != nil {
		t := *r.UpdatedAt
		out.UpdatedAt = &t
	}
	if r.Analysis != nil {
		a := r.Analysis.clone()
		out.Analysis = &a
	}
	out.Interactions = append(make([]Interaction, 0, len(r.Interactions)), r.Interactions...)
	out.Tags = append(make([]string, 0, len(r.Tags)), r.Tags...)
	return &out
}

func (r *Report) touch() {
	now := Now()
	r.UpdatedAt = &now
}

// NewInteraction builds an interaction stamped with a fresh id and the current time
func NewInteraction(kind InteractionKind, query, reply string, tokens int) Interaction {
	return Interaction{
		ID:        uuid.New().String(),
		Query:     query,
		Reply:     reply,
		Kind:      kind,
		CreatedAt: Now(),
		Tokens:    tokens,
	}
}

// ValidateQuery checks a follow-up question before it is sent anywhere
func ValidateQuery(query string) error {
	return requireText("query", query, MaxQueryLength)
}

// ValidateContent checks report text as submitted: it must hold a
// non-blank character and fit MaxContentLength runes.
func ValidateContent(content string) error {
	return requireText("content", content, MaxContentLength)
}

// ValidateUserID checks an owner id after trimming surrounding blanks
func ValidateUserID(userID string) error {
	return requireText("userId", strings.TrimSpace(userID), MaxUserIDLength)
}

// NormalizeTag lowercases and hyphenates a tag ("Milho Safrinha" -> "milho-safrinha")
func NormalizeTag(t string) string {
	return strings.Join(strings.Fields(strings.ToLower(t)), "-")
}

func requireText(field, value string, max int) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{Field: field, Message: "too long"}
	}
	return nil
}
