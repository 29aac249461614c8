package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pbaille/agrolog/internal/domain"
)

//go:embed schema.sql
var schema string

// Store persists reports in SQLite. Every multi-statement write runs in a
// single transaction.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return newStore(db), nil
}

func newStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new report with its children
func (s *Store) Create(ctx context.Context, r *domain.Report) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO reports (id, user_id, content, location, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.UserID, r.Content, r.Location, r.Status.String(), r.CreatedAt, nullTime(r.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert report: %w", err)
		}
		return writeChildren(ctx, tx, r)
	})
}

// Update merges r into the stored report: scalar fields are overwritten, the
// analysis is replaced only when r carries one, unknown interactions are
// appended and tags are unioned.
func (s *Store) Update(ctx context.Context, r *domain.Report) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE reports SET content = ?, location = ?, status = ?, updated_at = ? WHERE id = ?`,
			r.Content, r.Location, r.Status.String(), nullTime(r.UpdatedAt), r.ID,
		)
		if err != nil {
			return fmt.Errorf("update report: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update report: %w", err)
		}
		if n == 0 {
			return domain.NotFound(r.ID)
		}
		return writeChildren(ctx, tx, r)
	})
}

// AppendInteraction adds one interaction to a stored report without
// writing any other field.
func (s *Store) AppendInteraction(ctx context.Context, id string, in domain.Interaction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := touchReport(ctx, tx, id); err != nil {
			return err
		}
		return insertInteraction(ctx, tx, id, in)
	})
}

// AttachAnalysis sets the analysis of a stored report, unions tags and
// appends the interaction that produced it. Content, location and status
// are left as stored.
func (s *Store) AttachAnalysis(ctx context.Context, id string, a domain.Analysis, tags []string, in domain.Interaction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := touchReport(ctx, tx, id); err != nil {
			return err
		}
		if err := upsertAnalysis(ctx, tx, id, a); err != nil {
			return err
		}
		if err := linkTags(ctx, tx, id, tags); err != nil {
			return err
		}
		return insertInteraction(ctx, tx, id, in)
	})
}

// Delete removes a report and everything attached to it
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM analyses WHERE report_id = ?",
			"DELETE FROM interactions WHERE report_id = ?",
			"DELETE FROM report_tags WHERE report_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("delete report children: %w", err)
			}
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM reports WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete report: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete report: %w", err)
		}
		if n == 0 {
			return domain.NotFound(id)
		}
		return nil
	})
}

// Get retrieves a report by ID with its analysis, interactions and tags
func (s *Store) Get(ctx context.Context, id string) (*domain.Report, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, content, location, status, created_at, updated_at FROM reports WHERE id = ?",
		id,
	)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}

	if err := s.hydrate(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns one page of reports, newest first
func (s *Store) List(ctx context.Context, page, pageSize int) ([]*domain.Report, error) {
	return s.queryReports(ctx,
		"SELECT id, user_id, content, location, status, created_at, updated_at FROM reports ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
		pageSize, (page-1)*pageSize,
	)
}

// ListByUser returns all reports of a user, newest first
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*domain.Report, error) {
	return s.queryReports(ctx,
		"SELECT id, user_id, content, location, status, created_at, updated_at FROM reports WHERE user_id = ? ORDER BY created_at DESC, rowid DESC",
		userID,
	)
}

// Count returns the total number of reports
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reports").Scan(&n); err != nil {
		return 0, fmt.Errorf("count reports: %w", err)
	}
	return n, nil
}

func (s *Store) queryReports(ctx context.Context, query string, args ...any) ([]*domain.Report, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}

	reports := []*domain.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list reports: %w", err)
	}
	// the single connection must be released before hydrating
	rows.Close()

	for _, r := range reports {
		if err := s.hydrate(ctx, r); err != nil {
			return nil, err
		}
	}
	return reports, nil
}

// hydrate loads the analysis, interactions and tags of r
func (s *Store) hydrate(ctx context.Context, r *domain.Report) error {
	a, err := s.getAnalysis(ctx, r.ID)
	if err != nil {
		return err
	}
	r.Analysis = a

	if r.Interactions, err = s.getInteractions(ctx, r.ID); err != nil {
		return err
	}
	if r.Tags, err = s.getTags(ctx, r.ID); err != nil {
		return err
	}
	return nil
}

func (s *Store) getAnalysis(ctx context.Context, reportID string) (*domain.Analysis, error) {
	var (
		a           domain.Analysis
		stage       string
		problems    string
		recommended string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT crop_type, stage, problems, recommendations, confidence, analyzed_at, raw_reply
		 FROM analyses WHERE report_id = ?`,
		reportID,
	).Scan(&a.CropType, &stage, &problems, &recommended, &a.Confidence, &a.AnalyzedAt, &a.RawReply)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}

	a.Stage = domain.ParseStage(stage)
	if a.Problems, err = decodeProblems(problems); err != nil {
		return nil, fmt.Errorf("decode problems: %w", err)
	}
	a.Recommendations = []string{}
	if err := json.Unmarshal([]byte(recommended), &a.Recommendations); err != nil {
		return nil, fmt.Errorf("decode recommendations: %w", err)
	}
	return &a, nil
}

func (s *Store) getInteractions(ctx context.Context, reportID string) ([]domain.Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, query, reply, kind, created_at, tokens FROM interactions WHERE report_id = ? ORDER BY seq",
		reportID,
	)
	if err != nil {
		return nil, fmt.Errorf("get interactions: %w", err)
	}
	defer rows.Close()

	out := []domain.Interaction{}
	for rows.Next() {
		var (
			i    domain.Interaction
			kind string
		)
		if err := rows.Scan(&i.ID, &i.Query, &i.Reply, &kind, &i.CreatedAt, &i.Tokens); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		i.Kind = domain.ParseInteractionKind(kind)
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *Store) getTags(ctx context.Context, reportID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tag FROM report_tags WHERE report_id = ? ORDER BY rowid",
		reportID,
	)
	if err != nil {
		return nil, fmt.Errorf("get tags: %w", err)
	}
	defer rows.Close()

	tags := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// writeChildren upserts the analysis, inserts unknown interactions in order
// and unions the tags.
func writeChildren(ctx context.Context, tx *sql.Tx, r *domain.Report) error {
	if r.Analysis != nil {
		if err := upsertAnalysis(ctx, tx, r.ID, *r.Analysis); err != nil {
			return err
		}
	}
	for _, i := range r.Interactions {
		if err := insertInteraction(ctx, tx, r.ID, i); err != nil {
			return err
		}
	}
	return linkTags(ctx, tx, r.ID, r.Tags)
}

// touchReport stamps updated_at, failing when the report does not exist
func touchReport(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, "UPDATE reports SET updated_at = ? WHERE id = ?", domain.Now(), id)
	if err != nil {
		return fmt.Errorf("touch report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch report: %w", err)
	}
	if n == 0 {
		return domain.NotFound(id)
	}
	return nil
}

func upsertAnalysis(ctx context.Context, tx *sql.Tx, reportID string, a domain.Analysis) error {
	problems, err := encodeProblems(a.Problems)
	if err != nil {
		return fmt.Errorf("encode problems: %w", err)
	}
	recommended, err := json.Marshal(nonNil(a.Recommendations))
	if err != nil {
		return fmt.Errorf("encode recommendations: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO analyses (report_id, crop_type, stage, problems, recommendations, confidence, analyzed_at, raw_reply)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		reportID, a.CropType, a.Stage.String(), problems, string(recommended), a.Confidence, a.AnalyzedAt, a.RawReply,
	)
	if err != nil {
		return fmt.Errorf("upsert analysis: %w", err)
	}
	return nil
}

// insertInteraction appends i unless an interaction with its id is already stored
func insertInteraction(ctx context.Context, tx *sql.Tx, reportID string, i domain.Interaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO interactions (id, report_id, query, reply, kind, created_at, tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		i.ID, reportID, i.Query, i.Reply, i.Kind.String(), i.CreatedAt, i.Tokens,
	)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

func linkTags(ctx context.Context, tx *sql.Tx, reportID string, tags []string) error {
	for _, t := range tags {
		t = domain.NormalizeTag(t)
		if t == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO report_tags (report_id, tag) VALUES (?, ?)",
			reportID, t,
		); err != nil {
			return fmt.Errorf("link report tag: %w", err)
		}
	}
	return nil
}

// withTx runs fn in a transaction, committing on success and rolling back on error
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (*domain.Report, error) {
	var (
		r       domain.Report
		status  string
		updated sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Content, &r.Location, &status, &r.CreatedAt, &updated); err != nil {
		return nil, err
	}
	r.Status = domain.ParseStatus(status)
	if updated.Valid {
		t := updated.Time
		r.UpdatedAt = &t
	}
	r.Interactions = []domain.Interaction{}
	r.Tags = []string{}
	return &r, nil
}

// problemRow is the stored form of a problem
type problemRow struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

func encodeProblems(ps []domain.Problem) (string, error) {
	rows := make([]problemRow, 0, len(ps))
	for _, p := range ps {
		rows = append(rows, problemRow{Type: p.Category.String(), Description: p.Description, Severity: p.Severity})
	}
	b, err := json.Marshal(rows)
	return string(b), err
}

func decodeProblems(s string) ([]domain.Problem, error) {
	var rows []problemRow
	if err := json.Unmarshal([]byte(s), &rows); err != nil {
		return nil, err
	}
	out := make([]domain.Problem, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Problem{
			Category:    domain.ParseProblemCategory(r.Type),
			Description: r.Description,
			Severity:    r.Severity,
		})
	}
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
