package rollup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acurioustractor/ledger-insights/internal/cache"
	"github.com/acurioustractor/ledger-insights/internal/storage"
)

func fingerprint(u storage.ContentUnit) string {
	return cache.Fingerprint(u.Text, "test-model", "test")
}

// newTestStore builds two organizations:
//
//	org-a: grp-1 {p1, p2}, grp-empty {}
//	org-b: grp-2 {p3}
//
// p1 has units u1 and u2, p2 a withheld unit u3, p3 unit u4.
func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	units := []storage.ContentUnit{
		{ID: "u1", PersonID: "p1", Text: "we planted the garden together", AnalysisConsent: true},
		{ID: "u2", PersonID: "p1", Text: "the river raised us", AnalysisConsent: true},
		{ID: "u3", PersonID: "p2", Text: "not for sharing", AnalysisConsent: false},
		{ID: "u4", PersonID: "p3", Text: "language comes home", AnalysisConsent: true},
	}
	for _, u := range units {
		require.NoError(t, s.SaveUnit(u))
	}
	require.NoError(t, s.AddGroupMember("grp-1", "p1"))
	require.NoError(t, s.AddGroupMember("grp-1", "p2"))
	require.NoError(t, s.AddGroupMember("grp-2", "p3"))
	require.NoError(t, s.AddOrganizationGroup("org-a", "grp-1"))
	require.NoError(t, s.AddOrganizationGroup("org-a", "grp-empty"))
	require.NoError(t, s.AddOrganizationGroup("org-b", "grp-2"))
	return s
}

func saveAnalysis(t *testing.T, s *storage.Store, unitID string, themes []string, quotes ...storage.Quote) {
	t.Helper()
	u, err := s.GetUnit(unitID)
	require.NoError(t, err)
	for i := range quotes {
		quotes[i].UnitID = unitID
	}
	require.NoError(t, s.SaveUnitAnalysis(storage.UnitAnalysis{
		UnitID:      unitID,
		PersonID:    u.PersonID,
		Fingerprint: fingerprint(u),
		Model:       "test-model",
		Themes:      themes,
		Quotes:      quotes,
		Quality:     map[string]float64{"overall": 0.8},
	}))
}

func analyzeAll(t *testing.T, s *storage.Store) {
	t.Helper()
	saveAnalysis(t, s, "u1", []string{"land", "family"}, quote("We planted the garden together", "", 0.8))
	saveAnalysis(t, s, "u2", []string{"land"}, quote("The river raised us", "", 0.6))
	saveAnalysis(t, s, "u4", []string{"language"}, quote("Language comes home", "", 1))
}

func runAll(t *testing.T, e *Engine, organizationID, runID string) {
	t.Helper()
	for _, level := range storage.Levels {
		_, err := e.RunStage(context.Background(), level, organizationID, runID)
		require.NoError(t, err, level.String())
	}
}

func TestRunStage_FullHierarchy(t *testing.T) {
	s := newTestStore(t)
	analyzeAll(t, s)
	e := New(s, fingerprint, Options{Workers: 2})

	runAll(t, e, "", "run-1")

	p1, err := s.GetAggregate(storage.LevelPerson, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, p1.ItemCount)
	assert.Equal(t, []storage.ThemeCount{{Theme: "land", Count: 2}, {Theme: "family", Count: 1}}, p1.Themes)
	assert.Equal(t, "run-1", p1.RunID)

	p2, err := s.GetAggregate(storage.LevelPerson, "p2")
	require.NoError(t, err)
	assert.Equal(t, 0, p2.ItemCount)

	grp1, err := s.GetAggregate(storage.LevelGroup, "grp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, grp1.ChildCount)
	assert.Equal(t, 2, grp1.ItemCount)

	platform, err := s.GetAggregate(storage.LevelPlatform, storage.PlatformScopeID)
	require.NoError(t, err)
	assert.Equal(t, 2, platform.ChildCount)
	assert.Equal(t, 3, platform.ItemCount)

	var total int
	for _, tc := range platform.Themes {
		total += tc.Count
	}
	assert.Equal(t, 4, total)
	require.NotEmpty(t, platform.Quotes)
	assert.Equal(t, "Language comes home", platform.Quotes[0].Text)
	assert.Equal(t, "u4", platform.Quotes[0].UnitID)
	assert.Equal(t, 4, platform.Version)
}

func TestRunStage_EmptyGroup(t *testing.T) {
	s := newTestStore(t)
	analyzeAll(t, s)
	runAll(t, New(s, fingerprint, Options{}), "", "run-1")

	agg, err := s.GetAggregate(storage.LevelGroup, "grp-empty")
	require.NoError(t, err)
	assert.Equal(t, 0, agg.ChildCount)
	assert.Empty(t, agg.Themes)
	assert.Empty(t, agg.Quotes)
	assert.Equal(t, 0.0, agg.Scores[ScoreOverall])
}

func TestRunStage_IncompleteChildSet(t *testing.T) {
	s := newTestStore(t)
	e := New(s, fingerprint, Options{})

	_, err := e.RunStage(context.Background(), storage.LevelGroup, "", "run-1")
	require.ErrorIs(t, err, ErrIncompleteChildSet)

	_, err = s.GetAggregate(storage.LevelGroup, "grp-empty")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunStage_Idempotent(t *testing.T) {
	s := newTestStore(t)
	analyzeAll(t, s)
	e := New(s, fingerprint, Options{})

	runAll(t, e, "", "run-1")
	first, err := s.ListAggregates(storage.LevelPlatform)
	require.NoError(t, err)

	runAll(t, e, "", "run-2")
	second, err := s.ListAggregates(storage.LevelPlatform)
	require.NoError(t, err)

	a, b := first[storage.PlatformScopeID], second[storage.PlatformScopeID]
	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, a.Version, b.Version)
	assert.Equal(t, "run-2", b.RunID)
}

func TestRunStage_ExcludesStaleAndMissingAnalyses(t *testing.T) {
	s := newTestStore(t)
	analyzeAll(t, s)

	// u2 was edited after it was analyzed.
	require.NoError(t, s.SaveUnit(storage.ContentUnit{ID: "u2", PersonID: "p1", Text: "the river raised all of us", AnalysisConsent: true}))

	e := New(s, fingerprint, Options{})
	res, err := e.RunStage(context.Background(), storage.LevelPerson, "", "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Items)

	p1, err := s.GetAggregate(storage.LevelPerson, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p1.ItemCount)
	require.Len(t, p1.Quotes, 1)
	assert.Equal(t, "u1", p1.Quotes[0].UnitID)
}

func TestRunStage_ExcludesWithdrawnConsent(t *testing.T) {
	s := newTestStore(t)
	analyzeAll(t, s)
	require.NoError(t, s.SetConsent("u4", false))

	runAll(t, New(s, fingerprint, Options{}), "", "run-1")

	p3, err := s.GetAggregate(storage.LevelPerson, "p3")
	require.NoError(t, err)
	assert.Equal(t, 0, p3.ItemCount)
	assert.Empty(t, p3.Quotes)
}

func TestRunStage_OrganizationFilter(t *testing.T) {
	s := newTestStore(t)
	analyzeAll(t, s)
	e := New(s, fingerprint, Options{})

	for _, level := range []storage.Level{storage.LevelPerson, storage.LevelGroup, storage.LevelOrganization} {
		_, err := e.RunStage(context.Background(), level, "org-a", "run-1")
		require.NoError(t, err)
	}

	groups, err := s.ListAggregates(storage.LevelGroup)
	require.NoError(t, err)
	assert.Contains(t, groups, "grp-1")
	assert.NotContains(t, groups, "grp-2")

	orgs, err := s.ListAggregates(storage.LevelOrganization)
	require.NoError(t, err)
	assert.Len(t, orgs, 1)

	// The platform spans every organization, so org-b is still missing.
	_, err = e.RunStage(context.Background(), storage.LevelPlatform, "org-a", "run-1")
	assert.ErrorIs(t, err, ErrIncompleteChildSet)
}

func TestRunStage_Cancelled(t *testing.T) {
	s := newTestStore(t)
	analyzeAll(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(s, fingerprint, Options{}).RunStage(ctx, storage.LevelPerson, "", "run-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRollup_SingleScope(t *testing.T) {
	s := newTestStore(t)
	analyzeAll(t, s)
	e := New(s, fingerprint, Options{})

	agg, err := e.Rollup(context.Background(), storage.LevelPerson, "p3", "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, agg.ItemCount)
	assert.Equal(t, "manual", agg.RunID)
	assert.False(t, agg.GeneratedAt.IsZero())

	stored, err := s.GetAggregate(storage.LevelPerson, "p3")
	require.NoError(t, err)
	assert.Equal(t, agg.Digest, stored.Digest)

	_, err = e.Rollup(context.Background(), storage.LevelPerson, "nobody", "manual")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWithStore_WritesElsewhere(t *testing.T) {
	s := newTestStore(t)
	analyzeAll(t, s)
	other := newTestStore(t)
	analyzeAll(t, other)

	e := New(s, fingerprint, Options{})
	_, err := e.WithStore(other).RunStage(context.Background(), storage.LevelPerson, "", "run-1")
	require.NoError(t, err)

	_, err = s.GetAggregate(storage.LevelPerson, "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = other.GetAggregate(storage.LevelPerson, "p1")
	assert.NoError(t, err)
}
