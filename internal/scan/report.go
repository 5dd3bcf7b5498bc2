package scan

import (
	"sort"

	"github.com/timmy/exposcan/internal/credits"
	"github.com/timmy/exposcan/internal/domain"
)

// ProviderOutcome aggregates one provider's tasks across all targets of a job.
type ProviderOutcome struct {
	Provider    domain.ProviderID `json:"provider"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	Skipped     int               `json:"skipped"`
	Pending     int               `json:"pending"`
	Findings    int               `json:"findings"`
	Errors      []string          `json:"errors,omitempty"`
	SkipReasons []string          `json:"skip_reasons,omitempty"`
}

// Report is a point-in-time view of a job. Providers always lists every provider
// that failed or was skipped, and why, next to the findings that did succeed.
type Report struct {
	Job             domain.ScanJob        `json:"job"`
	Tasks           []domain.ProviderTask `json:"tasks"`
	Providers       []ProviderOutcome     `json:"providers"`
	Findings        []domain.Finding      `json:"findings"`
	Settlement      *credits.Settlement   `json:"settlement,omitempty"`
	ZeroResult      bool                  `json:"zero_result"`
	Suggestions     []string              `json:"suggestions,omitempty"`
	CancelRequested bool                  `json:"cancel_requested,omitempty"`
}

// Terminal reports whether the job has finished.
func (r *Report) Terminal() bool {
	return r.Job.State.IsTerminal()
}

// Problems returns the providers with at least one failed or skipped task.
func (r *Report) Problems() []ProviderOutcome {
	var out []ProviderOutcome
	for _, p := range r.Providers {
		if p.Failed > 0 || p.Skipped > 0 {
			out = append(out, p)
		}
	}
	return out
}

func summarizeProviders(tasks []domain.ProviderTask) []ProviderOutcome {
	byProvider := make(map[domain.ProviderID]*ProviderOutcome)
	for _, t := range tasks {
		o, ok := byProvider[t.ProviderID]
		if !ok {
			o = &ProviderOutcome{Provider: t.ProviderID}
			byProvider[t.ProviderID] = o
		}
		switch t.Status {
		case domain.TaskSucceeded:
			o.Succeeded++
			o.Findings += t.FindingCount
		case domain.TaskFailed:
			o.Failed++
			o.Errors = appendUnique(o.Errors, t.LastError)
		case domain.TaskSkipped:
			o.Skipped++
			o.SkipReasons = appendUnique(o.SkipReasons, t.SkipReason)
		default:
			o.Pending++
		}
	}

	out := make([]ProviderOutcome, 0, len(byProvider))
	for _, o := range byProvider {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func buildReport(job domain.ScanJob, tasks []domain.ProviderTask, findings []domain.Finding) *Report {
	if findings == nil {
		findings = []domain.Finding{}
	}
	rep := &Report{
		Job:        job,
		Tasks:      tasks,
		Providers:  summarizeProviders(tasks),
		Findings:   findings,
		ZeroResult: job.ZeroResult,
	}
	// A settled job carries its totals, so a stored job keeps its settlement.
	if job.State.IsTerminal() && job.ReservationID != "" && job.CreditsConsumed+job.CreditsRefunded == job.CreditsReserved {
		rep.Settlement = &credits.Settlement{
			ReservationID: job.ReservationID,
			Reserved:      job.CreditsReserved,
			Consumed:      job.CreditsConsumed,
			Refunded:      job.CreditsRefunded,
		}
	}
	return rep
}
