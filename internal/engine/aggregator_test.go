package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/dns-sentinel/internal/domain"
	"github.com/xela07ax/dns-sentinel/internal/infra"
	"github.com/xela07ax/dns-sentinel/internal/policy"
)

type fakeDataSource struct {
	stats     []domain.DomainStat
	statsErr  error
	evaluated map[string]struct{}
	evalErr   error
	prior     []domain.DomainEvaluation
	stored    []domain.DomainEvaluation
	storeErr  error
	storeCap  int // >0 — за вызов сохраняется не больше N строк, остальные падают
}

func (f *fakeDataSource) FetchDomainStats(_ context.Context, _ time.Duration) ([]domain.DomainStat, error) {
	return f.stats, f.statsErr
}

func (f *fakeDataSource) FetchPreviousEvaluations(_ context.Context, _ int) ([]domain.DomainEvaluation, error) {
	return f.prior, nil
}

func (f *fakeDataSource) FetchAlreadyEvaluated(_ context.Context, _ time.Duration) (map[string]struct{}, error) {
	if f.evalErr != nil {
		return nil, f.evalErr
	}
	if f.evaluated == nil {
		return map[string]struct{}{}, nil
	}
	return f.evaluated, nil
}

func (f *fakeDataSource) StoreEvaluations(_ context.Context, evals []domain.DomainEvaluation) (int, error) {
	if f.storeErr != nil {
		return 0, f.storeErr
	}
	if f.storeCap > 0 && len(evals) > f.storeCap {
		f.stored = append(f.stored, evals[:f.storeCap]...)
		return f.storeCap, errors.New("row write failed")
	}
	f.stored = append(f.stored, evals...)
	return len(evals), nil
}

func (f *fakeDataSource) Ping(_ context.Context) error { return nil }
func (f *fakeDataSource) Close()                       {}

func stat(name string, count int) domain.DomainStat {
	return domain.DomainStat{
		Domain:        name,
		QueryCount:    count,
		UniqueClients: []string{"10.0.0.2"},
		QueryTypes:    []string{"A"},
		FirstSeen:     time.Now().Add(-time.Hour),
		LastSeen:      time.Now(),
	}
}

func newTestAggregator(t *testing.T, src *fakeDataSource, batchSize int) *Aggregator {
	t.Helper()
	logger := zap.NewNop()
	allow := policy.NewAllowlist(infra.KnownGoodConfig{
		Exact:    []string{"ntp.org"},
		Suffixes: []string{".google.com"},
	}, logger)
	cache := NewEvalCache(nil, 7*24*time.Hour, logger)
	return NewAggregator(src, allow, cache, 24*time.Hour, 7*24*time.Hour, batchSize, logger)
}

func TestAggregateFiltersAndBatches(t *testing.T) {
	src := &fakeDataSource{
		stats: []domain.DomainStat{
			stat("evil.example", 50),
			stat("ntp.org", 900),            // точное совпадение с allowlist
			stat("mail.google.com", 800),    // суффикс
			stat("already-done.example", 5), // свежий вердикт
			stat("shady.example", 50),
			stat("quiet.example", 1),
		},
		evaluated: map[string]struct{}{"already-done.example": {}},
	}
	agg := newTestAggregator(t, src, 2)

	var stats domain.RunStats
	batches, err := agg.Aggregate(context.Background(), &stats)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	if stats.TotalDomainsQueried != 6 {
		t.Errorf("TotalDomainsQueried = %d, want 6", stats.TotalDomainsQueried)
	}
	if stats.DomainsAfterFiltering != 4 {
		t.Errorf("DomainsAfterFiltering = %d, want 4", stats.DomainsAfterFiltering)
	}
	if stats.DomainsAlreadyEvaluated != 1 {
		t.Errorf("DomainsAlreadyEvaluated = %d, want 1", stats.DomainsAlreadyEvaluated)
	}
	if stats.DomainsToEvaluate != 3 {
		t.Errorf("DomainsToEvaluate = %d, want 3", stats.DomainsToEvaluate)
	}

	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	// query_count по убыванию, при равенстве — домен по возрастанию
	want := []string{"evil.example", "shady.example", "quiet.example"}
	var got []string
	for _, b := range batches {
		for _, d := range b.Domains {
			got = append(got, d.Domain)
		}
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if batches[0].Index != 0 || batches[1].Index != 1 {
		t.Errorf("batch indexes not sequential: %d, %d", batches[0].Index, batches[1].Index)
	}
	if len(batches[1].Domains) != 1 {
		t.Errorf("tail batch size = %d, want 1", len(batches[1].Domains))
	}
}

func TestAggregateNormalizesDuplicates(t *testing.T) {
	a := stat("Tracker.Example.", 3)
	a.UniqueClients = []string{"10.0.0.2"}
	b := stat("tracker.example", 4)
	b.UniqueClients = []string{"10.0.0.3"}

	src := &fakeDataSource{stats: []domain.DomainStat{a, b}}
	agg := newTestAggregator(t, src, 25)

	var stats domain.RunStats
	batches, err := agg.Aggregate(context.Background(), &stats)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(batches) != 1 || len(batches[0].Domains) != 1 {
		t.Fatalf("expected single merged domain, got %+v", batches)
	}
	merged := batches[0].Domains[0]
	if merged.Domain != "tracker.example" {
		t.Errorf("domain = %q, want tracker.example", merged.Domain)
	}
	if merged.QueryCount != 7 {
		t.Errorf("QueryCount = %d, want 7", merged.QueryCount)
	}
	if len(merged.UniqueClients) != 2 {
		t.Errorf("UniqueClients = %v, want 2 entries", merged.UniqueClients)
	}
}

func TestAggregateSourceErrorIsFatal(t *testing.T) {
	src := &fakeDataSource{statsErr: errors.New("connection refused")}
	agg := newTestAggregator(t, src, 25)

	var stats domain.RunStats
	if _, err := agg.Aggregate(context.Background(), &stats); err == nil {
		t.Fatal("expected error when log source is unavailable")
	}
}

func TestAggregateVerdictFetchErrorIsFatal(t *testing.T) {
	src := &fakeDataSource{
		stats:   []domain.DomainStat{stat("evil.example", 10)},
		evalErr: errors.New("table missing"),
	}
	agg := newTestAggregator(t, src, 25)

	var stats domain.RunStats
	batches, err := agg.Aggregate(context.Background(), &stats)
	if err == nil {
		t.Fatal("expected error when the evaluated set is unavailable")
	}
	if len(batches) != 0 {
		t.Errorf("no batches may be produced on a fatal dedup failure, got %d", len(batches))
	}
}

func TestAggregateThirtyDomainScenario(t *testing.T) {
	// 30 доменов за окно: 5 known-good, 3 с непросроченным вердиктом.
	// При batch_size=25 на выходе ровно один батч из 22 доменов.
	src := &fakeDataSource{evaluated: map[string]struct{}{}}
	for i := 0; i < 22; i++ {
		src.stats = append(src.stats, stat(fmt.Sprintf("fresh%02d.example", i), 30-i))
	}
	for _, kg := range []string{"a.google.com", "b.google.com", "c.google.com", "d.google.com", "ntp.org"} {
		src.stats = append(src.stats, stat(kg, 500))
	}
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("cached%d.example", i)
		src.stats = append(src.stats, stat(name, 100))
		src.evaluated[name] = struct{}{}
	}
	agg := newTestAggregator(t, src, 25)

	var stats domain.RunStats
	batches, err := agg.Aggregate(context.Background(), &stats)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if len(batches[0].Domains) != 22 {
		t.Errorf("batch size = %d, want 22", len(batches[0].Domains))
	}
	if stats.TotalDomainsQueried != 30 {
		t.Errorf("TotalDomainsQueried = %d, want 30", stats.TotalDomainsQueried)
	}
	if stats.DomainsToEvaluate != 22 {
		t.Errorf("DomainsToEvaluate = %d, want 22", stats.DomainsToEvaluate)
	}
	if skipped := stats.TotalDomainsQueried - stats.DomainsToEvaluate; skipped != 8 {
		t.Errorf("skipped = %d, want 8", skipped)
	}
}

func TestAggregateEmptyWindow(t *testing.T) {
	agg := newTestAggregator(t, &fakeDataSource{}, 25)

	var stats domain.RunStats
	batches, err := agg.Aggregate(context.Background(), &stats)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("got %d batches, want 0", len(batches))
	}
}

func TestSplitBatchesExact(t *testing.T) {
	var stats []domain.DomainStat
	for i := 0; i < 50; i++ {
		stats = append(stats, stat(fmt.Sprintf("d%02d.example", i), 1))
	}
	batches := splitBatches(stats, 25)
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	for _, b := range batches {
		if len(b.Domains) != 25 {
			t.Errorf("batch %d size = %d, want 25", b.Index, len(b.Domains))
		}
	}
}
