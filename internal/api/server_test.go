package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/agrolog/internal/config"
	"github.com/pbaille/agrolog/internal/domain"
	"github.com/pbaille/agrolog/internal/interpret"
	"github.com/pbaille/agrolog/internal/pipeline"
	"github.com/pbaille/agrolog/internal/store"
)

const sojaReply = `{"cultureType":"Soja","stage":"Growing","problems":[{"type":"Disease","description":"Ferrugem","severity":"Alta"}],"recommendations":["Aplicar fungicida"],"confidenceScore":0.8}`

type stubReasoner struct {
	converseErr error
}

func (s *stubReasoner) Analyze(ctx context.Context, content string) (*domain.Analysis, error) {
	res := interpret.Parse(sojaReply, time.Now().UTC())
	return &res.Analysis, nil
}

func (s *stubReasoner) Converse(ctx context.Context, query, content string, history []domain.Interaction) (string, error) {
	if s.converseErr != nil {
		return "", s.converseErr
	}
	return fmt.Sprintf("Resposta para: %s", query), nil
}

type stubPinger bool

func (p stubPinger) Ping(context.Context) bool { return bool(p) }

// brokenRepo fails every count, standing in for a storage outage
type brokenRepo struct {
	*store.Memory
}

func (brokenRepo) Count(context.Context) (int, error) {
	return 0, errors.New("count reports: database is locked")
}

type fixture struct {
	svc     *pipeline.Service
	handler http.Handler
}

func newFixture(t *testing.T, reasoner pipeline.Reasoner, repo pipeline.Repository, pinger Pinger) *fixture {
	t.Helper()
	if repo == nil {
		repo = store.NewMemory()
	}
	svc := pipeline.NewService(repo, reasoner, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	cfg := config.DefaultConfig().Server
	return &fixture{svc: svc, handler: New(svc, pinger, cfg, nil).Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) create(t *testing.T, user, text string) PostResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/posts", CreatePostRequest{Content: text, Location: "Cascavel, PR"},
		map[string]string{"X-User-ID": user})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[PostResponse](t, rec)
}

func TestCreateAndGetPost(t *testing.T) {
	f := newFixture(t, &stubReasoner{}, nil, stubPinger(true))

	created := f.create(t, "user-7", "Soja com manchas amarelas")
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "user-7", created.UserID)
	assert.Equal(t, "Draft", created.Status)
	assert.Equal(t, "Cascavel, PR", created.Location)
	assert.Nil(t, created.Analysis)
	assert.Empty(t, created.Interactions)

	f.svc.Wait()

	rec := f.do(t, http.MethodGet, "/api/posts/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[PostResponse](t, rec)

	require.NotNil(t, got.Analysis)
	assert.Equal(t, "Soja", got.Analysis.CultureType)
	assert.Equal(t, "Growing", got.Analysis.Stage)
	require.Len(t, got.Analysis.Problems, 1)
	assert.Equal(t, ProblemResponse{Type: "Disease", Description: "Ferrugem", Severity: "Alta"}, got.Analysis.Problems[0])
	assert.InDelta(t, 0.8, got.Analysis.ConfidenceScore, 1e-9)

	require.Len(t, got.Interactions, 1)
	assert.Equal(t, "AutoAnalysis", got.Interactions[0].Type)
	assert.Equal(t, pipeline.AutoAnalysisQuery, got.Interactions[0].UserQuery)
	assert.Equal(t, sojaReply, got.Interactions[0].AIResponse)
	assert.ElementsMatch(t, []string{"soja", "growing", "disease"}, got.Tags)
}

func TestCreatePostKeepsContentVerbatim(t *testing.T) {
	f := newFixture(t, &stubReasoner{}, nil, nil)

	const text = "Relação Ca<Mg no solo, soja amarelando\n\n\n  talhão 2\tcalcário"
	created := f.create(t, "user-7", text)
	assert.Equal(t, text, created.Content)

	rec := f.do(t, http.MethodGet, "/api/posts/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, text, decode[PostResponse](t, rec).Content)
}

func TestCreatePostUsesDefaultUser(t *testing.T) {
	f := newFixture(t, &stubReasoner{}, nil, nil)

	rec := f.do(t, http.MethodPost, "/api/posts", CreatePostRequest{Content: "Milho no V4"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, config.DefaultConfig().Server.DefaultUser, decode[PostResponse](t, rec).UserID)
}

func TestCreatePostRejectsBadInput(t *testing.T) {
	f := newFixture(t, &stubReasoner{}, nil, nil)

	tests := []struct {
		name string
		body any
	}{
		{"empty content", CreatePostRequest{Content: "  "}},
		{"malformed json", "{not json"},
		{"content too long", CreatePostRequest{Content: strings.Repeat("a", domain.MaxContentLength+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/posts", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestUnknownPost(t *testing.T) {
	f := newFixture(t, &stubReasoner{}, nil, nil)

	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/api/posts/missing", nil},
		{http.MethodPut, "/api/posts/missing", UpdatePostRequest{Content: "novo"}},
		{http.MethodDelete, "/api/posts/missing", nil},
		{http.MethodPost, "/api/posts/missing/mention", MentionRequest{Query: "Pergunta?"}},
	} {
		rec := f.do(t, tc.method, tc.path, tc.body, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestUpdateAndDeletePost(t *testing.T) {
	f := newFixture(t, &stubReasoner{}, nil, nil)
	created := f.create(t, "user-1", "Plantei milho")

	rec := f.do(t, http.MethodPut, "/api/posts/"+created.ID, UpdatePostRequest{Content: "Plantei milho safrinha"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[PostResponse](t, rec)
	assert.Equal(t, "Plantei milho safrinha", updated.Content)
	assert.NotNil(t, updated.UpdatedAt)

	f.svc.Wait()
	rec = f.do(t, http.MethodDelete, "/api/posts/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/posts/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMention(t *testing.T) {
	f := newFixture(t, &stubReasoner{}, nil, nil)
	created := f.create(t, "user-1", "Soja com ferrugem")
	f.svc.Wait()

	rec := f.do(t, http.MethodPost, "/api/posts/"+created.ID+"/mention", MentionRequest{Query: "Qual fungicida usar?"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	in := decode[InteractionResponse](t, rec)
	assert.Equal(t, "UserMention", in.Type)
	assert.Equal(t, "Qual fungicida usar?", in.UserQuery)
	assert.Equal(t, "Resposta para: Qual fungicida usar?", in.AIResponse)
	assert.Positive(t, in.TokensUsed)

	got := decode[PostResponse](t, f.do(t, http.MethodGet, "/api/posts/"+created.ID, nil, nil))
	require.Len(t, got.Interactions, 2)
	assert.Equal(t, in.ID, got.Interactions[1].ID)

	rec = f.do(t, http.MethodPost, "/api/posts/"+created.ID+"/mention", MentionRequest{Query: ""}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMentionServiceErrorIsBadGateway(t *testing.T) {
	svcErr := &domain.ServiceError{Op: "converse", Attempts: 4, StatusCode: 503, Err: errors.New("upstream down")}
	f := newFixture(t, &stubReasoner{converseErr: svcErr}, nil, nil)
	created := f.create(t, "user-1", "Soja com ferrugem")

	rec := f.do(t, http.MethodPost, "/api/posts/"+created.ID+"/mention", MentionRequest{Query: "E agora?"}, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "upstream down")
}

func TestListPosts(t *testing.T) {
	f := newFixture(t, &stubReasoner{}, nil, nil)
	for i := 0; i < 25; i++ {
		user := "ana"
		if i%5 == 0 {
			user = "bruno"
		}
		f.create(t, user, fmt.Sprintf("nota %d", i))
	}
	f.svc.Wait()

	rec := f.do(t, http.MethodGet, "/api/posts?page=1&pageSize=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[PagedResponse](t, rec)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 10, page.PageSize)
	assert.Equal(t, 25, page.TotalCount)
	assert.Equal(t, 3, page.TotalPages)
	assert.Len(t, page.Data, 10)

	page = decode[PagedResponse](t, f.do(t, http.MethodGet, "/api/posts?page=3&pageSize=10", nil, nil))
	assert.Len(t, page.Data, 5)

	page = decode[PagedResponse](t, f.do(t, http.MethodGet, "/api/posts?page=abc", nil, nil))
	assert.Equal(t, 1, page.Page)

	rec = f.do(t, http.MethodGet, "/api/posts/user/bruno", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]PostResponse](t, rec), 5)

	rec = f.do(t, http.MethodGet, "/api/posts/user/nobody", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestStorageFailureIsInternalError(t *testing.T) {
	f := newFixture(t, &stubReasoner{}, brokenRepo{store.NewMemory()}, nil)

	rec := f.do(t, http.MethodGet, "/api/posts", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decode[map[string]string](t, rec)["error"])
}

func TestHealthAndReady(t *testing.T) {
	up := newFixture(t, &stubReasoner{}, nil, stubPinger(true))
	assert.Equal(t, http.StatusOK, up.do(t, http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, up.do(t, http.MethodGet, "/ready", nil, nil).Code)

	down := newFixture(t, &stubReasoner{}, nil, stubPinger(false))
	assert.Equal(t, http.StatusOK, down.do(t, http.MethodGet, "/health", nil, nil).Code)
	rec := down.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", decode[map[string]string](t, rec)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, &stubReasoner{}, nil, nil)

	rec := f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agrolog_pipeline_analysis_in_flight")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, &stubReasoner{}, nil, nil)

	rec := f.do(t, http.MethodOptions, "/api/posts", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
}
