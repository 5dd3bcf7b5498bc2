package provider

import (
	"context"
	"time"

	"github.com/timmy/exposcan/internal/domain"
)

// Adapter is the uniform interface to one external lookup tool.
type Adapter interface {
	// ID returns the provider identifier this adapter serves.
	ID() domain.ProviderID

	// Invoke runs one lookup for target and returns its decoded result.
	// Parameters:
	//   - ctx: carries the per-attempt timeout.
	//   - target: identifier to look up.
	// Returns:
	//   - *Result: typed payload on success.
	//   - error: a *Error classifying the failure.
	Invoke(ctx context.Context, target domain.Target) (*Result, error)
}

// Result is the decoded output of one lookup. Adapters fill only the sections
// their tool produces; nothing untyped crosses this boundary.
type Result struct {
	Provider   domain.ProviderID
	ReceivedAt time.Time

	Breaches []BreachRecord
	Profiles []ProfileRecord
	Mentions []MentionRecord
	Listings []ListingRecord
	Location *LocationRecord
	Phone    *PhoneRecord

	// ReuseCount is how many distinct people the provider believes share this exact identifier.
	ReuseCount int
}

// Empty reports whether the lookup produced no evidence at all.
func (r *Result) Empty() bool {
	return r == nil || (len(r.Breaches) == 0 && len(r.Profiles) == 0 && len(r.Mentions) == 0 &&
		len(r.Listings) == 0 && r.Location == nil && r.Phone == nil)
}

// BreachRecord describes one breach the target appears in.
type BreachRecord struct {
	Name        string    `json:"name"`
	Domain      string    `json:"domain"`
	BreachDate  time.Time `json:"breach_date"`
	DataClasses []string  `json:"data_classes"`
	Verified    bool      `json:"verified"`
	Confidence  float64   `json:"confidence"`
}

// MatchType tells how a profile was matched to the target.
type MatchType string

const (
	MatchExact MatchType = "exact"
	MatchFuzzy MatchType = "fuzzy"
)

// ProfileRecord describes one account found on a site.
type ProfileRecord struct {
	Site           string    `json:"site"`
	URL            string    `json:"url"`
	Username       string    `json:"username"`
	DisplayName    string    `json:"display_name"`
	Match          MatchType `json:"match"`
	LastActive     time.Time `json:"last_active"`
	Corroborations []string  `json:"corroborations"`
	Confidence     float64   `json:"confidence"`
}

// MentionRecord is a public mention harvested by an OSINT tool.
type MentionRecord struct {
	Source     string    `json:"source"`
	URL        string    `json:"url"`
	Snippet    string    `json:"snippet"`
	SeenAt     time.Time `json:"seen_at"`
	Confidence float64   `json:"confidence"`
}

// ListingRecord is a people-search or data-broker listing.
type ListingRecord struct {
	Broker     string    `json:"broker"`
	URL        string    `json:"url"`
	FullName   string    `json:"full_name"`
	Location   string    `json:"location"`
	SeenAt     time.Time `json:"seen_at"`
	Confidence float64   `json:"confidence"`
}

// LocationRecord is a geolocation answer for an IP.
type LocationRecord struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Country   string  `json:"country"`
	City      string  `json:"city"`
	ISP       string  `json:"isp"`
}

// PhoneRecord is carrier intelligence for a phone number.
type PhoneRecord struct {
	Valid    bool   `json:"valid"`
	Carrier  string `json:"carrier"`
	LineType string `json:"line_type"`
	Country  string `json:"country"`
}
