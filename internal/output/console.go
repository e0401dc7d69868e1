package output

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xela07ax/dns-sentinel/internal/domain"
)

// ConsoleSink печатает человекочитаемую сводку прогона.
type ConsoleSink struct {
	W io.Writer
}

func (s *ConsoleSink) Name() string { return "console" }

func (s *ConsoleSink) Emit(_ context.Context, report *domain.Report) error {
	st := report.Stats

	fmt.Fprintf(s.W, "\n=== DNS Threat Evaluation — run %s ===\n", report.RunID)
	if report.Partial {
		fmt.Fprintln(s.W, "!!! run hit its deadline, report covers processed batches only")
	}
	fmt.Fprintf(s.W, "Window:     %s .. %s\n",
		report.StartedAt.Format("2006-01-02 15:04:05 UTC"),
		report.FinishedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(s.W, "Domains:    %d queried, %d after filtering, %d already evaluated, %d evaluated now\n",
		st.TotalDomainsQueried, st.DomainsAfterFiltering, st.DomainsAlreadyEvaluated, st.DomainsToEvaluate)
	fmt.Fprintf(s.W, "Verdicts:   %d benign, %d suspicious, %d malicious, %d unknown\n",
		st.BenignCount, st.SuspiciousCount, st.MaliciousCount, st.UnknownCount)
	fmt.Fprintf(s.W, "Stored:     %d of %d (escalated: %d)\n",
		st.EvaluationsStored, st.EvaluationsProduced, st.Escalations)
	if st.EnrichmentFailures > 0 || st.ValidationFallback > 0 || st.StoreFailures > 0 {
		fmt.Fprintf(s.W, "Degraded:   enrichment failures %d, validation fallbacks %d, store failures %d\n",
			st.EnrichmentFailures, st.ValidationFallback, st.StoreFailures)
	}

	threats := report.Threats()
	if len(threats) == 0 {
		fmt.Fprintln(s.W, "\nNo threats detected.")
	} else {
		fmt.Fprintf(s.W, "\nNon-benign domains (%d):\n", len(threats))
		for _, ev := range threats {
			fmt.Fprintf(s.W, "  [%-10s] (conf: %3d) %s -- %s\n",
				strings.ToUpper(string(ev.ThreatLevel)), ev.Confidence, ev.Domain, ev.Reasoning)
			if len(ev.Indicators) > 0 {
				fmt.Fprintf(s.W, "             indicators: %s\n", strings.Join(ev.Indicators, ", "))
			}
		}
	}
	fmt.Fprintln(s.W, "=== end of report ===")
	return nil
}
