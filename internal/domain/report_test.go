package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pinClock(t *testing.T, at time.Time) {
	t.Helper()
	orig := Now
	Now = func() time.Time { return at }
	t.Cleanup(func() { Now = orig })
}

func TestNewReport(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pinClock(t, at)

	r, err := NewReport("user-1", "Plantei soja", "Sorriso, MT")
	require.NoError(t, err)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "user-1", r.UserID)
	assert.Equal(t, "Plantei soja", r.Content)
	assert.Equal(t, "Sorriso, MT", r.Location)
	assert.Equal(t, StatusDraft, r.Status)
	assert.Equal(t, at, r.CreatedAt)
	assert.Nil(t, r.UpdatedAt)
	assert.Nil(t, r.Analysis)
	assert.Empty(t, r.Interactions)
	assert.Empty(t, r.Tags)
}

func TestNewReportValidation(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		content  string
		location string
		field    string
	}{
		{"empty user", "", "Plantei soja", "", "userId"},
		{"blank user", "   ", "Plantei soja", "", "userId"},
		{"empty content", "user-1", "", "", "content"},
		{"blank content", "user-1", " \n\t", "", "content"},
		{"content too long", "user-1", strings.Repeat("a", MaxContentLength+1), "", "content"},
		{"location too long", "user-1", "ok", strings.Repeat("x", MaxLocationLength+1), "location"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReport(tt.userID, tt.content, tt.location)
			require.Error(t, err)
			assert.Nil(t, r)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestUpdateContent(t *testing.T) {
	r, err := NewReport("user-1", "Plantei soja", "")
	require.NoError(t, err)

	later := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	pinClock(t, later)

	require.NoError(t, r.UpdateContent("Plantei milho"))
	assert.Equal(t, "Plantei milho", r.Content)
	require.NotNil(t, r.UpdatedAt)
	assert.Equal(t, later, *r.UpdatedAt)

	err = r.UpdateContent("")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Plantei milho", r.Content)
}

func TestAppendInteractionKeepsOrder(t *testing.T) {
	r, err := NewReport("user-1", "Plantei soja", "")
	require.NoError(t, err)

	const n = 5
	var ids []string
	for i := 0; i < n; i++ {
		in := NewInteraction(KindUserMention, "q", "a", 1)
		ids = append(ids, in.ID)
		r.AppendInteraction(in)
	}

	r.AttachAnalysis(Analysis{CropType: "Soja"})
	require.NoError(t, r.UpdateContent("Plantei soja ontem"))
	r.Publish()
	r.Archive()

	require.Len(t, r.Interactions, n)
	for i, in := range r.Interactions {
		assert.Equal(t, ids[i], in.ID)
	}
	assert.Equal(t, StatusArchived, r.Status)
}

func TestAttachAnalysisStampsAndReplaces(t *testing.T) {
	r, err := NewReport("user-1", "Plantei soja", "")
	require.NoError(t, err)

	r.AttachAnalysis(Analysis{CropType: "Soja", Stage: StagePlanting})
	require.NotNil(t, r.UpdatedAt)
	r.AttachAnalysis(Analysis{CropType: "Milho", Stage: StageGrowing})

	require.NotNil(t, r.Analysis)
	assert.Equal(t, "Milho", r.Analysis.CropType)
	assert.Equal(t, StageGrowing, r.Analysis.Stage)
}

func TestCloneIsDeep(t *testing.T) {
	r, err := NewReport("user-1", "Plantei soja", "")
	require.NoError(t, err)
	r.AttachAnalysis(Analysis{CropType: "Soja", Recommendations: []string{"Monitorar pragas"}})
	r.AppendInteraction(NewInteraction(KindAutoAnalysis, "q", "a", 1))
	r.AddTags("soja")

	c := r.Clone()
	c.AppendInteraction(NewInteraction(KindUserMention, "q2", "a2", 1))
	c.Analysis.Recommendations[0] = "changed"
	c.AddTags("milho")

	assert.Len(t, r.Interactions, 1)
	assert.Equal(t, "Monitorar pragas", r.Analysis.Recommendations[0])
	assert.Equal(t, []string{"soja"}, r.Tags)
}

func TestAddTags(t *testing.T) {
	r, err := NewReport("user-1", "Plantei soja", "")
	require.NoError(t, err)

	r.AddTags("Soja", "Milho Safrinha", "soja", "", "  ")
	assert.Equal(t, []string{"soja", "milho-safrinha"}, r.Tags)
	assert.True(t, r.HasTag("MILHO safrinha"))
}

func TestParseEnums(t *testing.T) {
	assert.Equal(t, StagePostHarvest, ParseStage("postharvest"))
	assert.Equal(t, StageFlowering, ParseStage(" FLOWERING "))
	assert.Equal(t, StageUnknown, ParseStage("germinating"))
	assert.Equal(t, ProblemPest, ParseProblemCategory("pest"))
	assert.Equal(t, ProblemNone, ParseProblemCategory("fungus"))
	assert.Equal(t, KindUserMention, ParseInteractionKind("UserMention"))
	assert.Equal(t, StatusArchived, ParseStatus("archived"))
	assert.Equal(t, "PostHarvest", StagePostHarvest.String())
	assert.Equal(t, "Unknown", Stage(42).String())
}

func TestAnalysisTags(t *testing.T) {
	a := Analysis{
		CropType: "Soja",
		Stage:    StageFlowering,
		Problems: []Problem{
			{Category: ProblemPest},
			{Category: ProblemNone},
			{Category: ProblemWater},
		},
	}
	assert.Equal(t, []string{"Soja", "Flowering", "Pest", "Water"}, a.Tags())

	fallback := Analysis{CropType: CropUnrecognized}
	assert.Empty(t, fallback.Tags())
}

func TestValidateQuery(t *testing.T) {
	assert.NoError(t, ValidateQuery("Como controlar a ferrugem?"))

	var verr *ValidationError
	require.ErrorAs(t, ValidateQuery("  "), &verr)
	assert.Equal(t, "query", verr.Field)
	require.ErrorAs(t, ValidateQuery(strings.Repeat("q", MaxQueryLength+1)), &verr)
	assert.Equal(t, "too long", verr.Message)
}
