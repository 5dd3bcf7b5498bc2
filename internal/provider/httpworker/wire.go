package httpworker

import (
	"strings"
	"time"

	"github.com/timmy/exposcan/internal/provider"
)

// Workers report dates in whatever shape their upstream uses, so date fields
// are decoded as strings and parsed here. Unparseable dates are left zero.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
}

func parseDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

type workerResult struct {
	Breaches   []breachWire             `json:"breaches"`
	Profiles   []profileWire            `json:"profiles"`
	Mentions   []mentionWire            `json:"mentions"`
	Listings   []listingWire            `json:"listings"`
	Location   *provider.LocationRecord `json:"location"`
	Phone      *provider.PhoneRecord    `json:"phone"`
	ReuseCount int                      `json:"reuse_count"`
}

type breachWire struct {
	Name        string   `json:"name"`
	Domain      string   `json:"domain"`
	BreachDate  string   `json:"breach_date"`
	DataClasses []string `json:"data_classes"`
	Verified    bool     `json:"verified"`
	Confidence  float64  `json:"confidence"`
}

type profileWire struct {
	Site           string             `json:"site"`
	URL            string             `json:"url"`
	Username       string             `json:"username"`
	DisplayName    string             `json:"display_name"`
	Match          provider.MatchType `json:"match"`
	LastActive     string             `json:"last_active"`
	Corroborations []string           `json:"corroborations"`
	Confidence     float64            `json:"confidence"`
}

type mentionWire struct {
	Source     string  `json:"source"`
	URL        string  `json:"url"`
	Snippet    string  `json:"snippet"`
	SeenAt     string  `json:"seen_at"`
	Confidence float64 `json:"confidence"`
}

type listingWire struct {
	Broker     string  `json:"broker"`
	URL        string  `json:"url"`
	FullName   string  `json:"full_name"`
	Location   string  `json:"location"`
	SeenAt     string  `json:"seen_at"`
	Confidence float64 `json:"confidence"`
}

// fill copies the wire payload into result.
func (w *workerResult) fill(result *provider.Result) {
	for _, b := range w.Breaches {
		result.Breaches = append(result.Breaches, provider.BreachRecord{
			Name:        b.Name,
			Domain:      b.Domain,
			BreachDate:  parseDate(b.BreachDate),
			DataClasses: b.DataClasses,
			Verified:    b.Verified,
			Confidence:  b.Confidence,
		})
	}
	for _, p := range w.Profiles {
		result.Profiles = append(result.Profiles, provider.ProfileRecord{
			Site:           p.Site,
			URL:            p.URL,
			Username:       p.Username,
			DisplayName:    p.DisplayName,
			Match:          p.Match,
			LastActive:     parseDate(p.LastActive),
			Corroborations: p.Corroborations,
			Confidence:     p.Confidence,
		})
	}
	for _, m := range w.Mentions {
		result.Mentions = append(result.Mentions, provider.MentionRecord{
			Source:     m.Source,
			URL:        m.URL,
			Snippet:    m.Snippet,
			SeenAt:     parseDate(m.SeenAt),
			Confidence: m.Confidence,
		})
	}
	for _, l := range w.Listings {
		result.Listings = append(result.Listings, provider.ListingRecord{
			Broker:     l.Broker,
			URL:        l.URL,
			FullName:   l.FullName,
			Location:   l.Location,
			SeenAt:     parseDate(l.SeenAt),
			Confidence: l.Confidence,
		})
	}
	result.Location = w.Location
	result.Phone = w.Phone
	result.ReuseCount = w.ReuseCount
}
