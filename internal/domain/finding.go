package domain

import "time"

// FindingKind classifies a unit of evidence.
type FindingKind string

const (
	KindBreach        FindingKind = "breach"
	KindSocialProfile FindingKind = "social_profile"
	KindBrokerListing FindingKind = "broker_listing"
	KindOSINTMention  FindingKind = "osint_mention"
	KindGeolocation   FindingKind = "geolocation"
	KindPhoneIntel    FindingKind = "phone_intel"
)

// Severity ranks how damaging a finding is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal of the severity; unknown values rank lowest.
func (s Severity) Rank() int {
	return severityRank[s]
}

// EvidenceItem is one ordered key/value pair of evidence.
type EvidenceItem struct {
	Key    string     `json:"key"`
	Value  string     `json:"value"`
	Source ProviderID `json:"source,omitempty"`
}

// SourceConfidence is one provider's contribution to a merged finding.
type SourceConfidence struct {
	Provider   ProviderID `json:"provider"`
	Confidence float64    `json:"confidence"`
}

// Finding is a normalized unit of evidence.
type Finding struct {
	ID             string             `gorm:"type:text;primaryKey" json:"id"`
	JobID          string             `gorm:"type:text;primaryKey" json:"job_id"`
	SourceProvider ProviderID         `gorm:"type:text" json:"source_provider"`
	Sources        []SourceConfidence `gorm:"serializer:json" json:"sources"`
	TargetID       string             `gorm:"type:text;index" json:"target_id"`
	Kind           FindingKind        `gorm:"type:text" json:"kind"`
	Confidence     float64            `json:"confidence"`
	Severity       Severity           `gorm:"type:text" json:"severity"`
	Evidence       []EvidenceItem     `gorm:"serializer:json" json:"evidence"`
	ObservedAt     time.Time          `json:"observed_at"`
	CorrelationKey string             `gorm:"type:text;index" json:"correlation_key"`
}

// TableName returns the database table name for Finding.
func (Finding) TableName() string {
	return "findings"
}
