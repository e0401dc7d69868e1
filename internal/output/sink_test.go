package output

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xela07ax/dns-sentinel/internal/domain"
)

func sampleReport() *domain.Report {
	return &domain.Report{
		RunID:      "7a3c9a3e-0000-0000-0000-000000000001",
		StartedAt:  time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2026, 8, 26, 10, 4, 12, 0, time.UTC),
		Stats: domain.RunStats{
			TotalDomainsQueried:   30,
			DomainsAfterFiltering: 25,
			DomainsToEvaluate:     22,
			EvaluationsProduced:   22,
			EvaluationsStored:     22,
			BenignCount:           20,
			SuspiciousCount:       1,
			MaliciousCount:        1,
		},
		Evaluations: []domain.DomainEvaluation{
			{Domain: "ok.test", ThreatLevel: domain.ThreatBenign, Confidence: 90},
			{Domain: "shady.test", ThreatLevel: domain.ThreatSuspicious, Confidence: 60,
				Reasoning: "young domain", Indicators: []string{"Domain age: 12 days (NEW)"}},
			{Domain: "bad.test", ThreatLevel: domain.ThreatMalicious, Confidence: 95,
				Reasoning: "DNSBL listed"},
		},
	}
}

func TestConsoleSinkSummary(t *testing.T) {
	var buf bytes.Buffer
	sink := &ConsoleSink{W: &buf}

	if err := sink.Emit(context.Background(), sampleReport()); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"30 queried, 25 after filtering",
		"Non-benign domains (2):",
		"[MALICIOUS ] (conf:  95) bad.test -- DNSBL listed",
		"indicators: Domain age: 12 days (NEW)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	// Угрозы по убыванию уверенности
	if strings.Index(out, "bad.test") > strings.Index(out, "shady.test") {
		t.Error("threats should be ordered by confidence, highest first")
	}
	if strings.Contains(out, "deadline") {
		t.Error("complete run must not carry the partial warning")
	}
}

func TestConsoleSinkNoThreats(t *testing.T) {
	var buf bytes.Buffer
	sink := &ConsoleSink{W: &buf}

	report := sampleReport()
	report.Evaluations = report.Evaluations[:1]

	if err := sink.Emit(context.Background(), report); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !strings.Contains(buf.String(), "No threats detected.") {
		t.Errorf("expected no-threats message:\n%s", buf.String())
	}
}

func TestConsoleSinkPartialRun(t *testing.T) {
	var buf bytes.Buffer
	sink := &ConsoleSink{W: &buf}

	report := sampleReport()
	report.Partial = true

	if err := sink.Emit(context.Background(), report); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !strings.Contains(buf.String(), "deadline") {
		t.Errorf("partial run must be flagged in the summary:\n%s", buf.String())
	}
}

func TestWebhookSinkDelivers(t *testing.T) {
	var got domain.Report
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, 5*time.Second)
	if err := sink.Emit(context.Background(), sampleReport()); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got.RunID != "7a3c9a3e-0000-0000-0000-000000000001" {
		t.Errorf("delivered RunID = %q", got.RunID)
	}
	if len(got.Evaluations) != 3 {
		t.Errorf("delivered %d evaluations, want 3", len(got.Evaluations))
	}
}

func TestWebhookSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, 5*time.Second)
	if err := sink.Emit(context.Background(), sampleReport()); err == nil {
		t.Fatal("expected error on 502 response")
	}
}
