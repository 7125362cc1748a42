package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencivic/spendmatch/internal/model"
	"github.com/opencivic/spendmatch/internal/registry"
)

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("ACME LTD", "ACME LTD"))
	assert.Equal(t, 0.0, Similarity("", ""))
	assert.Equal(t, 0.0, Similarity("A", "ACME"))
	assert.Equal(t, 0.0, Similarity("ACME", "ZYXW"))

	// Near-identical names score high, unrelated ones low.
	near := Similarity("ACME HOLDINGS LTD", "ACME HOLDING LTD")
	assert.Greater(t, near, 0.85)
	far := Similarity("ACME LTD", "NORTHERN RAIL SERVICES")
	assert.Less(t, far, 0.3)
}

func TestSimilarity_Symmetric(t *testing.T) {
	a, b := "ACME HOLDINGS LTD", "ACME GROUP LTD"
	assert.Equal(t, Similarity(a, b), Similarity(b, a))
}

func TestScoreCandidates_AutoApplyEquivalentForms(t *testing.T) {
	// The headline normalization property: a legal-form variant of the same
	// name must clear the default auto-apply bar.
	cands := []registry.Candidate{
		{RegistryID: "01234567", Name: "ACME LTD", EntityType: model.EntityTypeCompany},
	}
	scored := ScoreCandidates("Acme Limited", cands)
	require.Len(t, scored, 1)
	assert.Equal(t, 1.0, scored[0].Score)
	assert.GreaterOrEqual(t, scored[0].Score, 0.9)
}

func TestScoreCandidates_SortedBestFirst(t *testing.T) {
	cands := []registry.Candidate{
		{RegistryID: "1", Name: "Completely Different Plc", EntityType: model.EntityTypeCompany},
		{RegistryID: "2", Name: "Acme Limited", EntityType: model.EntityTypeCompany},
		{RegistryID: "3", Name: "Acme Holdings Limited", EntityType: model.EntityTypeCompany},
	}
	scored := ScoreCandidates("ACME LTD", cands)
	require.Len(t, scored, 3)
	assert.Equal(t, "2", scored[0].RegistryID)
	assert.Equal(t, 1.0, scored[0].Score)
	for i := 1; i < len(scored); i++ {
		assert.LessOrEqual(t, scored[i].Score, scored[i-1].Score)
	}
}

func TestDecide(t *testing.T) {
	th := Thresholds{AutoApply: 0.90, Minimum: 0.50}

	assert.Equal(t, DecisionAutoApply, Decide(1.0, th))
	assert.Equal(t, DecisionAutoApply, Decide(0.90, th))
	assert.Equal(t, DecisionReview, Decide(0.89, th))
	assert.Equal(t, DecisionReview, Decide(0.50, th))
	assert.Equal(t, DecisionNoMatch, Decide(0.49, th))
	assert.Equal(t, DecisionNoMatch, Decide(0.0, th))
}
