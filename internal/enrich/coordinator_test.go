package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/dns-sentinel/internal/domain"
)

type fakeSource struct {
	name    string
	payload json.RawMessage
	err     error
	delay   time.Duration
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Lookup(ctx context.Context, _ string) (json.RawMessage, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func newTestCoordinator(sources []Source, timeouts map[string]time.Duration) *Coordinator {
	return &Coordinator{
		sources:  sources,
		timeouts: timeouts,
		sem:      make(chan struct{}, 4),
		limiter:  rate.NewLimiter(rate.Inf, 1),
		logger:   zap.NewNop(),
		observe:  func(string, domain.SourceStatus) {},
	}
}

func singleBatch(domains ...string) domain.Batch {
	stats := make([]domain.DomainStat, len(domains))
	for i, d := range domains {
		stats[i] = domain.DomainStat{Domain: d, QueryCount: 1}
	}
	return domain.Batch{Domains: stats}
}

func TestCoordinator_PartialFailureTolerance(t *testing.T) {
	// 6 источников: 4 успешных, 1 с ошибкой, 1 зависший (уйдет в таймаут)
	sources := []Source{
		&fakeSource{name: "s1", payload: json.RawMessage(`{"ok":1}`)},
		&fakeSource{name: "s2", payload: json.RawMessage(`{"ok":2}`)},
		&fakeSource{name: "s3", payload: json.RawMessage(`{"ok":3}`)},
		&fakeSource{name: "s4", payload: json.RawMessage(`{"ok":4}`)},
		&fakeSource{name: "s5", err: errors.New("feed down")},
		&fakeSource{name: "s6", delay: time.Second},
	}
	timeouts := map[string]time.Duration{"s6": 20 * time.Millisecond}
	c := newTestCoordinator(sources, timeouts)

	bundles := c.Enrich(context.Background(), singleBatch("evil.example"))

	bundle, ok := bundles["evil.example"]
	if !ok {
		t.Fatal("bundle for evil.example missing")
	}
	if len(bundle.Sources) != 6 {
		t.Fatalf("bundle must contain an entry per source, got %d", len(bundle.Sources))
	}

	okCount, failCount := 0, 0
	for name, res := range bundle.Sources {
		switch res.Status {
		case domain.SourceOK:
			okCount++
			if res.Payload == nil {
				t.Errorf("source %s: ok result must carry payload", name)
			}
		case domain.SourceError, domain.SourceTimeout:
			failCount++
			if res.Payload != nil {
				t.Errorf("source %s: failed result must not carry payload", name)
			}
			if res.Err == "" {
				t.Errorf("source %s: failed result must carry error text", name)
			}
		}
	}
	if okCount != 4 || failCount != 2 {
		t.Errorf("want 4 ok / 2 failed, got %d ok / %d failed", okCount, failCount)
	}

	if bundle.Sources["s5"].Status != domain.SourceError {
		t.Errorf("s5 must be error, got %s", bundle.Sources["s5"].Status)
	}
	if bundle.Sources["s6"].Status != domain.SourceTimeout {
		t.Errorf("s6 must be timeout, got %s", bundle.Sources["s6"].Status)
	}
}

func TestCoordinator_BundlePerDomain(t *testing.T) {
	sources := []Source{
		&fakeSource{name: "s1", payload: json.RawMessage(`{}`)},
		&fakeSource{name: "s2", payload: json.RawMessage(`{}`)},
	}
	c := newTestCoordinator(sources, nil)

	bundles := c.Enrich(context.Background(), singleBatch("a.example", "b.example", "c.example"))

	if len(bundles) != 3 {
		t.Fatalf("want 3 bundles, got %d", len(bundles))
	}
	for _, d := range []string{"a.example", "b.example", "c.example"} {
		b, ok := bundles[d]
		if !ok {
			t.Fatalf("bundle for %s missing", d)
		}
		if len(b.Sources) != 2 {
			t.Errorf("%s: want 2 source entries, got %d", d, len(b.Sources))
		}
		if b.AssembledAt.IsZero() {
			t.Errorf("%s: assembled_at not set", d)
		}
	}
}

func TestCoordinator_CanceledContext(t *testing.T) {
	sources := []Source{
		&fakeSource{name: "slow", delay: time.Second},
	}
	c := newTestCoordinator(sources, map[string]time.Duration{"slow": time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bundles := c.Enrich(ctx, singleBatch("x.example"))

	// Даже при отмененном контексте бандл существует и полон —
	// источники просто свернуты в timeout
	bundle := bundles["x.example"]
	if bundle == nil || len(bundle.Sources) != 1 {
		t.Fatal("bundle must still be assembled on canceled context")
	}
	if bundle.Sources["slow"].Status == domain.SourceOK {
		t.Error("lookup on canceled context cannot be ok")
	}
}

func TestCoordinator_ZeroRateMeansUnlimited(t *testing.T) {
	sources := []Source{
		&fakeSource{name: "s1", payload: json.RawMessage(`{}`)},
	}
	c := newTestCoordinator(sources, nil)
	c.limiter = newLimiter(0, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	bundles := c.Enrich(ctx, singleBatch("a.example"))

	// rate_per_sec: 0 означает "без лимита", а не "ноль токенов в секунду"
	if got := bundles["a.example"].Sources["s1"].Status; got != domain.SourceOK {
		t.Fatalf("lookup with zero rate = %s, want ok", got)
	}
}

func TestDecodeSURBL(t *testing.T) {
	cases := []struct {
		ips  []string
		want int
	}{
		{[]string{"127.0.0.8"}, 1},   // phishing
		{[]string{"127.0.0.24"}, 2},  // phishing + malware
		{[]string{"127.0.0.64"}, 1},  // abuse
		{[]string{"bogus"}, 0},
		{nil, 0},
	}
	for _, c := range cases {
		if got := decodeSURBL(c.ips); len(got) != c.want {
			t.Errorf("decodeSURBL(%v) = %v, want %d categories", c.ips, got, c.want)
		}
	}
}

func TestDecodeSpamhaus(t *testing.T) {
	got := decodeSpamhaus([]string{"127.0.1.5", "127.0.1.99"})
	if len(got) != 1 || got[0] != "malware" {
		t.Errorf("decodeSpamhaus = %v, want [malware]", got)
	}
}
