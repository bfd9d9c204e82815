package evidence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow-backend/internal/deals"
	"dealflow-backend/internal/jobs"
	"dealflow-backend/internal/shared/storage/object"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type recordingStore struct {
	*MemoryStore
	mu       sync.Mutex
	verdicts []string
}

func (s *recordingStore) UpsertAppendix(ctx context.Context, a Appendix) error {
	s.mu.Lock()
	s.verdicts = append(s.verdicts, a.Verdict)
	s.mu.Unlock()
	return s.MemoryStore.UpsertAppendix(ctx, a)
}

type fakeArchive struct {
	mu      sync.Mutex
	keys    []string
	objects map[string][]byte
	err     error
}

func (f *fakeArchive) Put(ctx context.Context, key, contentType string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.keys = append(f.keys, key)
	f.objects[key] = body
	return nil
}

func (f *fakeArchive) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[key]
	if !ok {
		return nil, object.ErrNotFound
	}
	return body, nil
}

func (f *fakeArchive) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, k := range f.keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func newTestGate(t *testing.T, sources ...Source) (*Gate, *recordingStore) {
	t.Helper()
	store := &recordingStore{MemoryStore: NewMemoryStore()}
	if _, err := store.RecordSources(context.Background(), sources); err != nil {
		t.Fatalf("RecordSources: %v", err)
	}
	gate := NewGate(store, nil, nil)
	gate.Now = func() time.Time { return fixedNow }
	return gate, store
}

func src(id, engine, url string, age time.Duration) Source {
	return Source{ID: id, DealID: "deal-1", EngineName: engine, SourceURL: url, RetrievedAt: fixedNow.Add(-age), ConfidenceScore: 0.8}
}

func TestValidatePassesWithTwoFreshDomains(t *testing.T) {
	gate, store := newTestGate(t,
		src("s1", "financial_analysis", "https://www.reuters.com/a", 24*time.Hour),
		src("s2", "financial_analysis", "https://sec.gov/filing", 48*time.Hour),
	)

	res, err := gate.Validate(context.Background(), Request{DealID: "deal-1", FundID: "fund-1", CitedSourceIDs: []string{"s1", "s2"}})
	require.NoError(t, err)

	assert.True(t, res.Passed())
	assert.Empty(t, res.BlockCode)
	assert.NoError(t, res.Err())
	assert.Equal(t, []string{"reuters.com", "sec.gov"}, res.Appendix.Domains)
	assert.Equal(t, []string{"s1", "s2"}, res.Appendix.SourceIDs)
	assert.Equal(t, []string{VerdictPending, VerdictPass}, store.verdicts)

	stored, err := store.GetAppendix(context.Background(), "deal-1")
	require.NoError(t, err)
	assert.Equal(t, VerdictPass, stored.Verdict)
	assert.Equal(t, 2, stored.EngineRecency["financial_analysis"].Count)
	assert.Equal(t, 90, stored.EngineRecency["financial_analysis"].ThresholdDays)
}

func TestValidateSingleDomainFailsButPersistsAppendix(t *testing.T) {
	gate, store := newTestGate(t,
		src("s1", "market_intelligence", "https://blog.acme.io/post", time.Hour),
		src("s2", "market_intelligence", "https://www.acme.io/about", time.Hour),
	)

	res, err := gate.Validate(context.Background(), Request{DealID: "deal-1", FundID: "fund-1"})
	require.NoError(t, err)

	assert.Equal(t, VerdictFail, res.IntegrityCheck)
	assert.Equal(t, jobs.BlockEvidenceBlock, res.BlockCode)
	assert.False(t, res.Details.DomainDiversity)
	assert.Equal(t, 1, res.Details.DistinctDomains)

	stored, err := store.GetAppendix(context.Background(), "deal-1")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.SourceIDs)
	assert.Equal(t, VerdictFail, stored.Verdict)
	assert.Equal(t, []string{VerdictPending, VerdictFail}, store.verdicts)

	var ae *jobs.AnalysisError
	require.True(t, errors.As(res.Err(), &ae))
	assert.Equal(t, jobs.KindEvidenceBlock, ae.Kind)
	assert.Contains(t, ae.Reason, "only 1 distinct source domain")
}

func TestValidateRejectsFabricatedIDs(t *testing.T) {
	gate, _ := newTestGate(t,
		src("s1", "team_research", "https://linkedin.com/in/a", time.Hour),
		src("s2", "team_research", "https://github.com/a", time.Hour),
	)

	res, err := gate.Validate(context.Background(), Request{DealID: "deal-1", CitedSourceIDs: []string{"s1", "ghost-9", "ghost-9"}})
	require.NoError(t, err)

	assert.False(t, res.Passed())
	assert.False(t, res.Details.SourceIDsValid)
	assert.Equal(t, []string{"ghost-9"}, res.Details.UnknownIDs)
	assert.Contains(t, res.Appendix.SourceIDs, "ghost-9")
	assert.True(t, res.Details.DomainDiversity)
}

func TestValidateNoEvidenceFails(t *testing.T) {
	gate, store := newTestGate(t)

	res, err := gate.Validate(context.Background(), Request{DealID: "deal-1"})
	require.NoError(t, err)

	assert.False(t, res.Passed())
	assert.Contains(t, res.Details.Reasons, "no evidence sources recorded")
	_, err = store.GetAppendix(context.Background(), "deal-1")
	assert.NoError(t, err)
}

func TestDefaultRecencyPerEngine(t *testing.T) {
	gate, _ := newTestGate(t,
		src("s1", "team_research", "https://linkedin.com/in/a", 120*24*time.Hour),
		src("s2", "thesis_alignment", "https://b.com/x", 120*24*time.Hour),
	)

	res, err := gate.Validate(context.Background(), Request{DealID: "deal-1"})
	require.NoError(t, err)
	assert.Equal(t, 180, res.Appendix.EngineRecency["team_research"].ThresholdDays)
	assert.Equal(t, 90, res.Appendix.EngineRecency["thesis_alignment"].ThresholdDays)
	assert.Equal(t, []string{"s2"}, res.Details.StaleSourceIDs)
}

type fundsStub map[string]deals.Fund

func (f fundsStub) GetFund(ctx context.Context, id string) (deals.Fund, error) {
	fund, ok := f[id]
	if !ok {
		return deals.Fund{}, deals.ErrNotFound
	}
	return fund, nil
}

func TestValidateRecencyThresholds(t *testing.T) {
	sources := []Source{
		src("s1", "market_intelligence", "https://a.com/x", 40*24*time.Hour),
		src("s2", "financial_analysis", "https://b.com/x", 60*24*time.Hour),
	}

	t.Run("engine default marks market intelligence stale", func(t *testing.T) {
		gate, _ := newTestGate(t, sources...)
		res, err := gate.Validate(context.Background(), Request{DealID: "deal-1", FundID: "fund-1"})
		require.NoError(t, err)
		assert.False(t, res.Details.RecencyValid)
		assert.Equal(t, []string{"s1"}, res.Details.StaleSourceIDs)
		assert.Equal(t, 30, res.Appendix.EngineRecency["market_intelligence"].ThresholdDays)
		assert.Equal(t, 1, res.Appendix.EngineRecency["market_intelligence"].Stale)
	})

	t.Run("fund override relaxes threshold", func(t *testing.T) {
		gate, _ := newTestGate(t, sources...)
		gate.Funds = fundsStub{"fund-1": {ID: "fund-1", RecencyDays: map[string]int{"market_intelligence": 45}}}
		res, err := gate.Validate(context.Background(), Request{DealID: "deal-1", FundID: "fund-1"})
		require.NoError(t, err)
		assert.True(t, res.Passed(), "reasons: %v", res.Details.Reasons)
	})

	t.Run("fund override tightens fallback", func(t *testing.T) {
		gate, _ := newTestGate(t, sources...)
		gate.Funds = fundsStub{"fund-1": {ID: "fund-1", RecencyDays: map[string]int{"market_intelligence": 45, "financial_analysis": 30}}}
		res, err := gate.Validate(context.Background(), Request{DealID: "deal-1", FundID: "fund-1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"s2"}, res.Details.StaleSourceIDs)
	})
}

func TestValidateArchivesAppendix(t *testing.T) {
	gate, _ := newTestGate(t,
		src("s1", "financial_analysis", "https://a.com/x", time.Hour),
		src("s2", "financial_analysis", "https://b.com/x", time.Hour),
	)
	archive := &fakeArchive{}
	gate.Archive = archive

	_, err := gate.Validate(context.Background(), Request{DealID: "deal-1"})
	require.NoError(t, err)
	require.Len(t, archive.keys, 1)
	assert.Equal(t, ArchiveKey("deal-1", fixedNow), archive.keys[0])
	assert.True(t, strings.HasPrefix(archive.keys[0], "evidence-appendix/"))
}

func TestHistoryReadsArchivedSnapshots(t *testing.T) {
	gate, _ := newTestGate(t,
		src("s1", "financial_analysis", "https://a.com/x", time.Hour),
		src("s2", "financial_analysis", "https://b.com/x", time.Hour),
	)
	gate.Archive = &fakeArchive{}

	_, err := gate.Validate(context.Background(), Request{DealID: "deal-1"})
	require.NoError(t, err)
	gate.Now = func() time.Time { return fixedNow.Add(time.Minute) }
	_, err = gate.Validate(context.Background(), Request{DealID: "deal-1", CitedSourceIDs: []string{"missing"}})
	require.NoError(t, err)

	keys, err := gate.History(context.Background(), "deal-1")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	latest, err := gate.ArchivedAppendix(context.Background(), keys[1])
	require.NoError(t, err)
	assert.Equal(t, "deal-1", latest.DealID)
	assert.Equal(t, VerdictFail, latest.Verdict)

	other, err := gate.History(context.Background(), "deal-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestHistoryWithoutArchive(t *testing.T) {
	gate, _ := newTestGate(t)
	_, err := gate.History(context.Background(), "deal-1")
	assert.ErrorIs(t, err, ErrArchiveDisabled)
}

func TestValidateArchiveFailureDoesNotChangeVerdict(t *testing.T) {
	gate, _ := newTestGate(t,
		src("s1", "financial_analysis", "https://a.com/x", time.Hour),
		src("s2", "financial_analysis", "https://b.com/x", time.Hour),
	)
	gate.Archive = &fakeArchive{err: errors.New("bucket unavailable")}

	res, err := gate.Validate(context.Background(), Request{DealID: "deal-1"})
	require.NoError(t, err)
	assert.True(t, res.Passed())
}

type failingStore struct{ *MemoryStore }

func (failingStore) ListByDeal(ctx context.Context, dealID string) ([]Source, error) {
	return nil, errors.New("connection refused")
}

func TestValidateStoreErrorIsReturned(t *testing.T) {
	gate := NewGate(failingStore{NewMemoryStore()}, nil, nil)
	_, err := gate.Validate(context.Background(), Request{DealID: "deal-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list evidence sources")
}

func TestMemoryStoreIgnoresDuplicateSources(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	first := src("s1", "financial_analysis", "https://a.com/x", time.Hour)

	n, err := store.RecordSources(ctx, []Source{first})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	changed := first
	changed.SourceURL = "https://tampered.com"
	n, err = store.RecordSources(ctx, []Source{changed})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := store.ListByDeal(ctx, "deal-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://a.com/x", got[0].SourceURL)
}
