package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/xela07ax/dns-sentinel/internal/connectors"
	"github.com/xela07ax/dns-sentinel/internal/domain"
	"github.com/xela07ax/dns-sentinel/internal/risk"
)

func testBatch(domains ...string) domain.Batch {
	b := domain.Batch{Index: 0}
	for i, d := range domains {
		b.Domains = append(b.Domains, domain.DomainStat{
			Domain:        d,
			QueryCount:    (i + 1) * 10,
			UniqueClients: []string{"10.0.0.2"},
			QueryTypes:    []string{"A"},
		})
	}
	return b
}

func verdictJSON(t *testing.T, evals ...rawEvaluation) []byte {
	t.Helper()
	data, err := json.Marshal(modelResponse{Evaluations: evals})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func newClassifier(primary, secondary connectors.Provider, maxRetries int) *Classifier {
	deps := ClassifierDeps{
		Primary:    primary,
		Secondary:  secondary,
		Logger:     zap.NewNop(),
		System:     "system",
		EscSystem:  "escalation system",
		Corrective: "Respond with ONLY the JSON object.",
		MaxRetries: maxRetries,
	}
	if secondary != nil {
		deps.Analyzer = risk.NewAnalyzer(70, zap.NewNop())
	}
	return NewClassifier(deps)
}

func TestClassifyHappyPath(t *testing.T) {
	mock := &connectors.MockProvider{
		ModelName: "qwen3:14b",
		Responses: [][]byte{verdictJSON(t,
			rawEvaluation{Domain: "a.test", ThreatLevel: "benign", Confidence: 95, Reasoning: "CDN", Indicators: []string{}},
			rawEvaluation{Domain: "b.test", ThreatLevel: "malicious", Confidence: 90, Reasoning: "DNSBL hit", Indicators: []string{"Spamhaus: phishing"}},
		)},
	}
	c := newClassifier(mock, nil, 3)

	var stats domain.RunStats
	batch := testBatch("a.test", "b.test")
	out := c.Classify(context.Background(), batch, nil, "no prior", &stats)

	if len(out) != 2 {
		t.Fatalf("got %d verdicts, want 2", len(out))
	}
	if out[0].Domain != "a.test" || out[1].Domain != "b.test" {
		t.Errorf("verdict order does not follow batch order: %s, %s", out[0].Domain, out[1].Domain)
	}
	if out[1].ThreatLevel != domain.ThreatMalicious || out[1].Confidence != 90 {
		t.Errorf("unexpected verdict: %+v", out[1])
	}
	if out[0].EvaluatedBy != "qwen3:14b" {
		t.Errorf("EvaluatedBy = %q", out[0].EvaluatedBy)
	}
	if out[0].QueryCount != 10 || out[1].QueryCount != 20 {
		t.Errorf("stats snapshot not attached: %d, %d", out[0].QueryCount, out[1].QueryCount)
	}
	if mock.CallCount() != 1 {
		t.Errorf("calls = %d, want 1", mock.CallCount())
	}
	if stats.ValidationFallback != 0 {
		t.Errorf("ValidationFallback = %d, want 0", stats.ValidationFallback)
	}
}

func TestClassifyRetriesWithCorrective(t *testing.T) {
	mock := &connectors.MockProvider{
		Responses: [][]byte{
			[]byte(`not json at all`),
			verdictJSON(t, rawEvaluation{Domain: "a.test", ThreatLevel: "suspicious", Confidence: 80, Reasoning: "new domain"}),
		},
	}
	c := newClassifier(mock, nil, 3)

	var stats domain.RunStats
	out := c.Classify(context.Background(), testBatch("a.test"), nil, "no prior", &stats)

	if mock.CallCount() != 2 {
		t.Fatalf("calls = %d, want 2", mock.CallCount())
	}
	if !strings.Contains(mock.Calls[1].User, "ONLY the JSON object") {
		t.Error("retry prompt should carry the corrective instruction")
	}
	if strings.Contains(mock.Calls[0].User, "ONLY the JSON object") {
		t.Error("first attempt should not carry the corrective instruction")
	}
	if out[0].ThreatLevel != domain.ThreatSuspicious {
		t.Errorf("verdict = %+v", out[0])
	}
}

func TestClassifyFallbackAfterExhaustedRetries(t *testing.T) {
	boom := errors.New("connection refused")
	mock := &connectors.MockProvider{
		Errs: []error{boom, boom, boom},
	}
	c := newClassifier(mock, nil, 3)

	var stats domain.RunStats
	out := c.Classify(context.Background(), testBatch("a.test", "b.test"), nil, "no prior", &stats)

	if len(out) != 2 {
		t.Fatalf("got %d verdicts, want 2", len(out))
	}
	for _, ev := range out {
		if ev.ThreatLevel != domain.ThreatUnknown || ev.Confidence != 0 {
			t.Errorf("fallback verdict = %+v", ev)
		}
	}
	if stats.ValidationFallback != 2 {
		t.Errorf("ValidationFallback = %d, want 2", stats.ValidationFallback)
	}
}

func TestClassifyDropsForeignAndInvalidVerdicts(t *testing.T) {
	// Первый ответ: чужой домен и битый уровень угрозы, но один валидный.
	// Второй ответ добивает недостающий домен.
	mock := &connectors.MockProvider{
		Responses: [][]byte{
			verdictJSON(t,
				rawEvaluation{Domain: "intruder.test", ThreatLevel: "benign", Confidence: 50},
				rawEvaluation{Domain: "a.test", ThreatLevel: "catastrophic", Confidence: 50},
				rawEvaluation{Domain: "b.test", ThreatLevel: "benign", Confidence: 85, Reasoning: "ok"},
			),
			verdictJSON(t,
				rawEvaluation{Domain: "a.test", ThreatLevel: "benign", Confidence: 75, Reasoning: "ok"},
			),
		},
	}
	c := newClassifier(mock, nil, 3)

	var stats domain.RunStats
	out := c.Classify(context.Background(), testBatch("a.test", "b.test"), nil, "no prior", &stats)

	if mock.CallCount() != 2 {
		t.Fatalf("calls = %d, want 2", mock.CallCount())
	}
	byDomain := map[string]domain.DomainEvaluation{}
	for _, ev := range out {
		byDomain[ev.Domain] = ev
	}
	if _, ok := byDomain["intruder.test"]; ok {
		t.Error("verdict for a domain outside the batch must be dropped")
	}
	if byDomain["a.test"].Confidence != 75 {
		t.Errorf("a.test verdict = %+v", byDomain["a.test"])
	}
	// Валидный вердикт из первой попытки не перезатирается второй
	if byDomain["b.test"].Confidence != 85 {
		t.Errorf("b.test verdict = %+v", byDomain["b.test"])
	}
}

func TestClassifyClampsConfidence(t *testing.T) {
	mock := &connectors.MockProvider{
		Responses: [][]byte{verdictJSON(t,
			rawEvaluation{Domain: "a.test", ThreatLevel: "malicious", Confidence: 150, Reasoning: "sure"},
		)},
	}
	c := newClassifier(mock, nil, 3)

	var stats domain.RunStats
	out := c.Classify(context.Background(), testBatch("a.test"), nil, "no prior", &stats)

	if out[0].Confidence != 100 {
		t.Errorf("Confidence = %d, want 100", out[0].Confidence)
	}
	if !strings.Contains(out[0].Reasoning, "out of range") {
		t.Errorf("Reasoning should note the clamp: %q", out[0].Reasoning)
	}
}

func TestClassifyEscalatesWeakVerdicts(t *testing.T) {
	primary := &connectors.MockProvider{
		ModelName: "qwen3:14b",
		Responses: [][]byte{verdictJSON(t,
			rawEvaluation{Domain: "weak.test", ThreatLevel: "suspicious", Confidence: 40, Reasoning: "maybe"},
			rawEvaluation{Domain: "strong.test", ThreatLevel: "malicious", Confidence: 95, Reasoning: "sure"},
			rawEvaluation{Domain: "clean.test", ThreatLevel: "benign", Confidence: 30, Reasoning: "fine"},
		)},
	}
	secondary := &connectors.MockProvider{
		ModelName: "gpt-4o-mini",
		Responses: [][]byte{verdictJSON(t,
			rawEvaluation{Domain: "weak.test", ThreatLevel: "malicious", Confidence: 85, Reasoning: "confirmed", Indicators: []string{"OTX reports"}},
		)},
	}
	c := newClassifier(primary, secondary, 3)

	var stats domain.RunStats
	out := c.Classify(context.Background(), testBatch("weak.test", "strong.test", "clean.test"), nil, "no prior", &stats)

	byDomain := map[string]domain.DomainEvaluation{}
	for _, ev := range out {
		byDomain[ev.Domain] = ev
	}

	weak := byDomain["weak.test"]
	if !weak.Escalated || weak.EvaluatedBy != "gpt-4o-mini" {
		t.Errorf("weak.test should carry the escalated verdict: %+v", weak)
	}
	if weak.ThreatLevel != domain.ThreatMalicious || weak.Confidence != 85 {
		t.Errorf("weak.test verdict = %+v", weak)
	}
	if byDomain["strong.test"].Escalated {
		t.Error("confident verdict must not be escalated")
	}
	if byDomain["clean.test"].Escalated {
		t.Error("benign verdict must not be escalated")
	}
	if secondary.CallCount() != 1 {
		t.Errorf("secondary calls = %d, want 1", secondary.CallCount())
	}
	// В промпте эскалации только слабый домен
	if got := secondary.Calls[0].User; !strings.Contains(got, "weak.test") || strings.Contains(got, "strong.test") {
		t.Errorf("escalation prompt should contain only escalation candidates:\n%s", got)
	}
}

func TestClassifyEscalatesEachCandidateSeparately(t *testing.T) {
	primary := &connectors.MockProvider{
		Responses: [][]byte{verdictJSON(t,
			rawEvaluation{Domain: "one.test", ThreatLevel: "suspicious", Confidence: 40, Reasoning: "maybe"},
			rawEvaluation{Domain: "two.test", ThreatLevel: "malicious", Confidence: 30, Reasoning: "maybe"},
		)},
	}
	secondary := &connectors.MockProvider{
		ModelName: "gpt-4o-mini",
		Responses: [][]byte{
			verdictJSON(t, rawEvaluation{Domain: "one.test", ThreatLevel: "benign", Confidence: 90, Reasoning: "fp"}),
			verdictJSON(t, rawEvaluation{Domain: "two.test", ThreatLevel: "malicious", Confidence: 88, Reasoning: "confirmed"}),
		},
	}
	c := newClassifier(primary, secondary, 3)

	var stats domain.RunStats
	out := c.Classify(context.Background(), testBatch("one.test", "two.test"), nil, "no prior", &stats)

	if secondary.CallCount() != 2 {
		t.Fatalf("secondary calls = %d, want 2 (one per candidate)", secondary.CallCount())
	}
	// Каждый вызов несет ровно один домен
	if got := secondary.Calls[0].User; !strings.Contains(got, "one.test") || strings.Contains(got, "two.test") {
		t.Errorf("first escalation prompt should contain only one.test:\n%s", got)
	}
	if got := secondary.Calls[1].User; !strings.Contains(got, "two.test") || strings.Contains(got, "one.test") {
		t.Errorf("second escalation prompt should contain only two.test:\n%s", got)
	}
	for _, ev := range out {
		if !ev.Escalated {
			t.Errorf("%s should carry an escalated verdict: %+v", ev.Domain, ev)
		}
	}
}

func TestClassifyEscalationFailureKeepsPrimaryVerdict(t *testing.T) {
	primary := &connectors.MockProvider{
		Responses: [][]byte{verdictJSON(t,
			rawEvaluation{Domain: "weak.test", ThreatLevel: "suspicious", Confidence: 40, Reasoning: "maybe"},
		)},
	}
	secondary := &connectors.MockProvider{
		ModelName: "gpt-4o-mini",
		Errs:      []error{errors.New("401 unauthorized")},
	}
	c := newClassifier(primary, secondary, 3)

	var stats domain.RunStats
	out := c.Classify(context.Background(), testBatch("weak.test"), nil, "no prior", &stats)

	if out[0].Escalated {
		t.Error("failed escalation must keep the primary verdict")
	}
	if out[0].ThreatLevel != domain.ThreatSuspicious || out[0].Confidence != 40 {
		t.Errorf("verdict = %+v", out[0])
	}
	if stats.EscalationFailures != 1 {
		t.Errorf("EscalationFailures = %d, want 1", stats.EscalationFailures)
	}
}

func TestFormatPriorContext(t *testing.T) {
	if got := FormatPriorContext(nil); got != noPreviousEvaluations {
		t.Errorf("empty context = %q", got)
	}
	got := FormatPriorContext([]domain.DomainEvaluation{
		{Domain: "bad.test", ThreatLevel: domain.ThreatMalicious, Confidence: 90, Indicators: []string{"DNSBL"}},
		{Domain: "ok.test", ThreatLevel: domain.ThreatBenign, Confidence: 80},
	})
	if !strings.Contains(got, "- bad.test: malicious (confidence: 90) -- DNSBL") {
		t.Errorf("prior context missing indicator line:\n%s", got)
	}
	if !strings.Contains(got, "- ok.test: benign (confidence: 80) -- none") {
		t.Errorf("prior context missing none placeholder:\n%s", got)
	}
}

func TestFormatBatchPromptSignals(t *testing.T) {
	batch := testBatch("listed.test")
	bundles := map[string]*domain.IntelBundle{
		"listed.test": {
			Domain: "listed.test",
			Sources: map[string]domain.SourceResult{
				"quad9": {Status: domain.SourceOK, Payload: []byte(`{"blocked":true}`)},
				"spamhaus_dbl": {Status: domain.SourceOK,
					Payload: []byte(`{"listed":true,"categories":["phishing"]}`)},
				"otx":  {Status: domain.SourceOK, Payload: []byte(`{"pulse_count":4,"malware_count":0}`)},
				"rdap": {Status: domain.SourceError, Err: "lookup failed"},
			},
		},
	}
	got := FormatBatchPrompt(batch, bundles, "ctx")

	for _, want := range []string{
		"- listed.test | queries: 10 | clients: 10.0.0.2 | types: A",
		"BLOCKED by Quad9 (malicious)",
		"Spamhaus: phishing",
		"AlienVault OTX: 4 threat reports",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "lookup failed") {
		t.Error("failed source must not leak into the prompt")
	}
}

func TestFormatBatchPromptNoSignals(t *testing.T) {
	got := FormatBatchPrompt(testBatch("plain.test"), nil, "ctx")
	if !strings.Contains(got, "Intel: no signals (not listed in any blocklist)") {
		t.Errorf("prompt should note the absence of signals:\n%s", got)
	}
}
