// Package normalize converts provider results into canonical findings and merges
// findings that describe the same identity.
package normalize

import (
	"strings"
	"time"

	"github.com/gosimple/slug"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/provider"
)

// Base confidences used when a provider does not supply its own.
const (
	baseExactProfile   = 0.9
	baseFuzzyProfile   = 0.5
	baseVerifiedBreach = 0.9
	baseBreach         = 0.6
	baseMention        = 0.4
	baseListing        = 0.6
	baseLocation       = 0.7
	basePhoneValid     = 0.8
	basePhoneInvalid   = 0.3
)

// sensitiveDataClasses escalate breach severity to critical.
var sensitiveDataClasses = []string{"password", "passwords", "credit card", "ssn", "security questions"}

// Normalizer maps typed provider results to findings. It is a pure function of its
// inputs: the reference time for freshness is the result's ReceivedAt.
type Normalizer struct {
	scoring Scoring
}

// NewNormalizer creates a normalizer with the given scoring parameters.
func NewNormalizer(scoring Scoring) *Normalizer {
	return &Normalizer{scoring: scoring}
}

// Normalize converts one provider result for one target into findings.
// Records missing the fields needed to identify them are dropped.
// Parameters:
//   - res: decoded provider output.
//   - id: provider that produced res.
//   - target: target the lookup ran against.
// Returns:
//   - []domain.Finding: findings, not yet merged.
func (n *Normalizer) Normalize(res *provider.Result, id domain.ProviderID, target domain.Target) []domain.Finding {
	if res.Empty() {
		return nil
	}
	ref := res.ReceivedAt
	identity := targetIdentity(target)
	var out []domain.Finding

	add := func(kind domain.FindingKind, key string, sig Signals, sev domain.Severity, observed time.Time, evidence []domain.EvidenceItem) {
		if observed.IsZero() {
			observed = ref
		}
		for i := range evidence {
			evidence[i].Source = id
		}
		conf := n.scoring.Score(sig)
		out = append(out, domain.Finding{
			ID:             findingID(kind, key),
			SourceProvider: id,
			Sources:        []domain.SourceConfidence{{Provider: id, Confidence: conf}},
			TargetID:       target.ID,
			Kind:           kind,
			Confidence:     conf,
			Severity:       sev,
			Evidence:       evidence,
			ObservedAt:     observed,
			CorrelationKey: key,
		})
	}

	for _, b := range res.Breaches {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			continue
		}
		base := b.Confidence
		if base <= 0 {
			base = baseBreach
			if b.Verified {
				base = baseVerifiedBreach
			}
		}
		ev := []domain.EvidenceItem{{Key: "breach", Value: name}}
		if b.Domain != "" {
			ev = append(ev, domain.EvidenceItem{Key: "domain", Value: b.Domain})
		}
		if !b.BreachDate.IsZero() {
			ev = append(ev, domain.EvidenceItem{Key: "breach_date", Value: b.BreachDate.Format("2006-01-02")})
		}
		if len(b.DataClasses) > 0 {
			ev = append(ev, domain.EvidenceItem{Key: "data_classes", Value: strings.Join(b.DataClasses, ", ")})
		}
		add(domain.KindBreach, "breach:"+slug.Make(name)+":"+identity,
			Signals{Base: base, ReuseCount: res.ReuseCount},
			breachSeverity(b), b.BreachDate, ev)
	}

	for _, p := range res.Profiles {
		site := strings.ToLower(strings.TrimSpace(p.Site))
		username := strings.ToLower(strings.TrimSpace(p.Username))
		if username == "" && target.Type == domain.TargetUsername {
			username = normalizeValue(target)
		}
		if site == "" || username == "" {
			continue
		}
		base := p.Confidence
		if base <= 0 {
			base = baseFuzzyProfile
			if p.Match == provider.MatchExact {
				base = baseExactProfile
			}
		}
		var age time.Duration
		if !p.LastActive.IsZero() && ref.After(p.LastActive) {
			age = ref.Sub(p.LastActive)
		}
		ev := []domain.EvidenceItem{{Key: "site", Value: p.Site}}
		if p.URL != "" {
			ev = append(ev, domain.EvidenceItem{Key: "url", Value: p.URL})
		}
		if p.DisplayName != "" {
			ev = append(ev, domain.EvidenceItem{Key: "display_name", Value: p.DisplayName})
		}
		if !p.LastActive.IsZero() {
			ev = append(ev, domain.EvidenceItem{Key: "last_active", Value: p.LastActive.Format("2006-01-02")})
		}
		for _, c := range p.Corroborations {
			ev = append(ev, domain.EvidenceItem{Key: "corroboration", Value: c})
		}
		add(domain.KindSocialProfile, "profile:"+slug.Make(site)+":"+username,
			Signals{Base: base, Corroborations: len(p.Corroborations), ReuseCount: res.ReuseCount, Age: age},
			domain.SeverityLow, ref, ev)
	}

	for _, m := range res.Mentions {
		if m.URL == "" {
			continue
		}
		base := m.Confidence
		if base <= 0 {
			base = baseMention
		}
		ev := []domain.EvidenceItem{{Key: "url", Value: m.URL}}
		if m.Source != "" {
			ev = append(ev, domain.EvidenceItem{Key: "source", Value: m.Source})
		}
		if m.Snippet != "" {
			ev = append(ev, domain.EvidenceItem{Key: "snippet", Value: m.Snippet})
		}
		add(domain.KindOSINTMention, "mention:"+normalizeURL(m.URL)+":"+identity,
			Signals{Base: base, ReuseCount: res.ReuseCount, Age: ageOf(ref, m.SeenAt)},
			domain.SeverityLow, m.SeenAt, ev)
	}

	for _, l := range res.Listings {
		broker := strings.TrimSpace(l.Broker)
		if broker == "" {
			continue
		}
		base := l.Confidence
		if base <= 0 {
			base = baseListing
		}
		ev := []domain.EvidenceItem{{Key: "broker", Value: broker}}
		if l.URL != "" {
			ev = append(ev, domain.EvidenceItem{Key: "url", Value: l.URL})
		}
		if l.FullName != "" {
			ev = append(ev, domain.EvidenceItem{Key: "full_name", Value: l.FullName})
		}
		if l.Location != "" {
			ev = append(ev, domain.EvidenceItem{Key: "location", Value: l.Location})
		}
		add(domain.KindBrokerListing, "broker:"+slug.Make(broker)+":"+identity,
			Signals{Base: base, ReuseCount: res.ReuseCount, Age: ageOf(ref, l.SeenAt)},
			domain.SeverityHigh, l.SeenAt, ev)
	}

	if loc := res.Location; loc != nil {
		ev := []domain.EvidenceItem{
			{Key: "latitude", Value: formatFloat(loc.Latitude)},
			{Key: "longitude", Value: formatFloat(loc.Longitude)},
		}
		if loc.Country != "" {
			ev = append(ev, domain.EvidenceItem{Key: "country", Value: loc.Country})
		}
		if loc.City != "" {
			ev = append(ev, domain.EvidenceItem{Key: "city", Value: loc.City})
		}
		if loc.ISP != "" {
			ev = append(ev, domain.EvidenceItem{Key: "isp", Value: loc.ISP})
		}
		add(domain.KindGeolocation, "geo:"+identity, Signals{Base: baseLocation}, domain.SeverityInfo, ref, ev)
	}

	if ph := res.Phone; ph != nil {
		base := basePhoneInvalid
		if ph.Valid {
			base = basePhoneValid
		}
		var ev []domain.EvidenceItem
		if ph.Carrier != "" {
			ev = append(ev, domain.EvidenceItem{Key: "carrier", Value: ph.Carrier})
		}
		if ph.LineType != "" {
			ev = append(ev, domain.EvidenceItem{Key: "line_type", Value: ph.LineType})
		}
		if ph.Country != "" {
			ev = append(ev, domain.EvidenceItem{Key: "country", Value: ph.Country})
		}
		add(domain.KindPhoneIntel, "phone:"+identity, Signals{Base: base}, domain.SeverityMedium, ref, ev)
	}

	return out
}

func breachSeverity(b provider.BreachRecord) domain.Severity {
	for _, dc := range b.DataClasses {
		lower := strings.ToLower(dc)
		for _, s := range sensitiveDataClasses {
			if lower == s {
				return domain.SeverityCritical
			}
		}
	}
	return domain.SeverityHigh
}

func ageOf(ref, seen time.Time) time.Duration {
	if seen.IsZero() || !ref.After(seen) {
		return 0
	}
	return ref.Sub(seen)
}
