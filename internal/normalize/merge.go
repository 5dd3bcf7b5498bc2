package normalize

import (
	"sort"
	"strconv"

	"github.com/timmy/exposcan/internal/domain"
)

type mergeKey struct {
	kind domain.FindingKind
	key  string
}

// Merge collapses findings sharing (kind, correlationKey) into one finding.
//
// Per-provider confidences are kept on Sources (the highest wins if a provider
// contributes twice) and combined with Combine. Evidence from several contributions is
// de-duplicated and put in canonical order, the most recent ObservedAt and the highest
// severity are kept. The result is independent of input order and merging merged
// output again yields the same findings.
func Merge(findings []domain.Finding) []domain.Finding {
	groups := make(map[mergeKey][]domain.Finding)
	var order []mergeKey
	for _, f := range findings {
		k := mergeKey{kind: f.Kind, key: f.CorrelationKey}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], f)
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].kind != order[j].kind {
			return order[i].kind < order[j].kind
		}
		return order[i].key < order[j].key
	})

	out := make([]domain.Finding, 0, len(order))
	for _, k := range order {
		out = append(out, mergeGroup(k, groups[k]))
	}
	return out
}

func mergeGroup(k mergeKey, group []domain.Finding) domain.Finding {
	if len(group) == 1 {
		f := group[0]
		if len(f.Sources) == 0 {
			f.Sources = []domain.SourceConfidence{{Provider: f.SourceProvider, Confidence: f.Confidence}}
		}
		return f
	}

	best := make(map[domain.ProviderID]float64)
	var observed = group[0].ObservedAt
	severity := group[0].Severity
	targetID := group[0].TargetID
	seen := make(map[domain.EvidenceItem]struct{})
	var evidence []domain.EvidenceItem

	for _, f := range group {
		sources := f.Sources
		if len(sources) == 0 {
			sources = []domain.SourceConfidence{{Provider: f.SourceProvider, Confidence: f.Confidence}}
		}
		for _, s := range sources {
			if c, ok := best[s.Provider]; !ok || s.Confidence > c {
				best[s.Provider] = s.Confidence
			}
		}
		if f.ObservedAt.After(observed) {
			observed = f.ObservedAt
		}
		if f.Severity.Rank() > severity.Rank() {
			severity = f.Severity
		}
		if f.TargetID < targetID {
			targetID = f.TargetID
		}
		for _, e := range f.Evidence {
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			evidence = append(evidence, e)
		}
	}

	sort.SliceStable(evidence, func(i, j int) bool {
		a, b := evidence[i], evidence[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Value < b.Value
	})

	sources := make([]domain.SourceConfidence, 0, len(best))
	for p, c := range best {
		sources = append(sources, domain.SourceConfidence{Provider: p, Confidence: c})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Provider < sources[j].Provider })

	confs := make([]float64, len(sources))
	for i, s := range sources {
		confs[i] = s.Confidence
	}

	return domain.Finding{
		ID:             findingID(k.kind, k.key),
		JobID:          group[0].JobID,
		SourceProvider: sources[0].Provider,
		Sources:        sources,
		TargetID:       targetID,
		Kind:           k.kind,
		Confidence:     Combine(confs...),
		Severity:       severity,
		Evidence:       evidence,
		ObservedAt:     observed,
		CorrelationKey: k.key,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
