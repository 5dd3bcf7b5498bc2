package ingest

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/timmy/exposcan/internal/domain"
)

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]{1,63}$`)
	namePattern     = regexp.MustCompile(`^\p{L}[\p{L}\p{M}'’. \-]{0,98}[\p{L}.]$`)
)

// rejection reasons shown to the user next to the raw row.
const (
	reasonEmpty     = "empty value"
	reasonFormat    = "invalid format"
	reasonIP        = "invalid IP address"
	reasonPhone     = "invalid phone number"
	reasonUsername  = "invalid username"
	reasonName      = "invalid name"
	reasonDuplicate = "duplicate value"
)

// rule is the validator tag and rejection reason for one target type.
type rule struct {
	tag    string
	reason string
}

var rules = map[domain.TargetType]rule{
	domain.TargetEmail:    {tag: "required,email", reason: reasonFormat},
	domain.TargetIP:       {tag: "required,ip", reason: reasonIP},
	domain.TargetPhone:    {tag: "required,e164", reason: reasonPhone},
	domain.TargetUsername: {tag: "required,username", reason: reasonUsername},
	domain.TargetName:     {tag: "required,person_name", reason: reasonName},
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("person_name", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return namePattern.MatchString(s) && strings.ContainsFunc(s, func(r rune) bool { return r != ' ' && r != '.' })
	})
	return v
}

// canonical prepares a raw value for validation.
func canonical(raw string, t domain.TargetType) string {
	v := strings.TrimSpace(raw)
	switch t {
	case domain.TargetPhone:
		return normalizePhone(v)
	case domain.TargetName:
		return strings.Join(strings.Fields(v), " ")
	case domain.TargetUsername:
		return strings.TrimPrefix(v, "@")
	default:
		return v
	}
}

// normalizePhone converts common national and international spellings to E.164.
// Ten-digit numbers are assumed to be North American.
func normalizePhone(v string) string {
	var digits strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case d == "":
		return v
	case strings.HasPrefix(v, "+"):
		return "+" + d
	case strings.HasPrefix(d, "00"):
		return "+" + d[2:]
	case len(d) == 10:
		return "+1" + d
	default:
		return "+" + d
	}
}

// dedupeKey is the identity used to detect repeated rows in one batch.
func dedupeKey(value string, t domain.TargetType) string {
	switch t {
	case domain.TargetEmail, domain.TargetUsername, domain.TargetName:
		return strings.ToLower(value)
	default:
		return value
	}
}
