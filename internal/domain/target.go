package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrLocationNotFound is returned by geolocation resolvers that have no answer for an address.
var ErrLocationNotFound = errors.New("location not found")

// TargetType identifies what kind of identifier a Target carries.
type TargetType string

const (
	TargetEmail    TargetType = "email"
	TargetUsername TargetType = "username"
	TargetPhone    TargetType = "phone"
	TargetName     TargetType = "name"
	TargetIP       TargetType = "ip"
)

// AllTargetTypes lists every supported target type.
var AllTargetTypes = []TargetType{TargetEmail, TargetUsername, TargetPhone, TargetName, TargetIP}

// ParseTargetType converts a raw string into a TargetType.
// Parameters:
//   - s: raw type name, case-insensitive.
// Returns:
//   - TargetType: the parsed type.
//   - error: non-nil if the type is unknown.
func ParseTargetType(s string) (TargetType, error) {
	t := TargetType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTargetTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown target type %q", s)
}

// Coordinates is a resolved geolocation for an IP target.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
}

// Target is one identifier to scan. It is immutable once accepted into a job.
type Target struct {
	ID       string       `json:"id"`
	Type     TargetType   `json:"type"`
	Value    string       `json:"value"`
	Location *Coordinates `json:"location,omitempty"`
}

// BatchItem is one row of an uploaded target list after validation.
type BatchItem struct {
	RawValue        string  `json:"raw_value"`
	ParsedTarget    *Target `json:"parsed_target,omitempty"`
	RejectionReason string  `json:"rejection_reason,omitempty"`
}

// Accepted reports whether the row produced a target.
func (b BatchItem) Accepted() bool {
	return b.ParsedTarget != nil
}
