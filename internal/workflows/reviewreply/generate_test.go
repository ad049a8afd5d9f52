package reviewreply

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewflow/internal/common/errors"
	"reviewflow/internal/genai"
	"reviewflow/internal/models"
)

func TestGenerateStep_DraftsResponse(t *testing.T) {
	deps, reviews, responses, _ := testDeps(t)
	reviews.reviews["review-1"] = fiveStarReview()
	gen := &fakeGenerator{result: &genai.GenerationResult{
		Text:       "Thank you for the kind words!",
		Model:      "gpt-4o-mini",
		Confidence: 0.92,
		Quality:    0.85,
	}}
	deps.Generator = gen

	step := &GenerateStep{deps: deps}
	out, err := step.Execute(context.Background(), map[string]interface{}{
		"reviewId": "review-1",
		"tenantId": "tenant-1",
	})
	require.NoError(t, err)

	require.Len(t, responses.created, 1)
	created := responses.created[0]
	assert.Equal(t, models.ResponseStatusDraft, created.Status)
	assert.Equal(t, "Thank you for the kind words!", created.Text)
	assert.Equal(t, 0.92, created.Confidence)

	assert.Equal(t, created.ID, out["responseId"])
	assert.Equal(t, "review-1", out["reviewId"])
	assert.Equal(t, "tenant-1", out["tenantId"])
	assert.Equal(t, "location-1", out["locationId"])
	assert.Equal(t, 1, gen.calls)
}

func TestGenerateStep_ReusesExistingResponse(t *testing.T) {
	deps, reviews, responses, _ := testDeps(t)
	reviews.reviews["review-1"] = fiveStarReview()
	existing := approvedResponse()
	require.NoError(t, responses.Create(context.Background(), existing))
	responses.created = nil
	gen := &fakeGenerator{result: &genai.GenerationResult{Text: "should not be used"}}
	deps.Generator = gen

	step := &GenerateStep{deps: deps}
	out, err := step.Execute(context.Background(), map[string]interface{}{
		"reviewId": "review-1",
		"tenantId": "tenant-1",
	})
	require.NoError(t, err)

	assert.Equal(t, 0, gen.calls, "re-run must not call the generation service again")
	assert.Empty(t, responses.created)
	assert.Equal(t, existing.ID, out["responseId"])
}

func TestGenerateStep_MissingReviewIsTerminal(t *testing.T) {
	deps, _, _, _ := testDeps(t)

	step := &GenerateStep{deps: deps}
	_, err := step.Execute(context.Background(), map[string]interface{}{
		"reviewId": "review-missing",
		"tenantId": "tenant-1",
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindTerminal, errors.KindOf(err))
}

func TestGenerateStep_ArchivedReviewIsTerminal(t *testing.T) {
	deps, reviews, _, _ := testDeps(t)
	archived := fiveStarReview()
	archived.Status = models.ReviewStatusArchived
	archived.ArchiveReason = "review not found on platform"
	reviews.reviews["review-1"] = archived
	gen := &fakeGenerator{}
	deps.Generator = gen

	step := &GenerateStep{deps: deps}
	_, err := step.Execute(context.Background(), map[string]interface{}{
		"reviewId": "review-1",
		"tenantId": "tenant-1",
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindTerminal, errors.KindOf(err))
	assert.Equal(t, 0, gen.calls)
}

func TestGenerateStep_RetriesTransientGenerationFailure(t *testing.T) {
	deps, reviews, responses, _ := testDeps(t)
	reviews.reviews["review-1"] = fiveStarReview()
	gen := &flakyGenerator{failures: 1, result: &genai.GenerationResult{Text: "second try"}}
	deps.Generator = gen

	step := &GenerateStep{deps: deps}
	_, err := step.Execute(context.Background(), map[string]interface{}{
		"reviewId": "review-1",
		"tenantId": "tenant-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, gen.calls)
	require.Len(t, responses.created, 1)
	assert.Equal(t, "second try", responses.created[0].Text)
}

func TestGenerateStep_RejectsInvalidInput(t *testing.T) {
	deps, _, _, _ := testDeps(t)

	step := &GenerateStep{deps: deps}
	_, err := step.Execute(context.Background(), map[string]interface{}{
		"tenantId": "tenant-1",
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindTerminal, errors.KindOf(err))
}

type flakyGenerator struct {
	failures int
	result   *genai.GenerationResult
	calls    int
}

func (f *flakyGenerator) Generate(context.Context, *genai.GenerationRequest) (*genai.GenerationResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.NewTransient("UPSTREAM_UNAVAILABLE", "generation service unavailable", nil)
	}
	return f.result, nil
}
