package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/timmy/exposcan/internal/domain"
)

// findingNamespace scopes deterministic finding ids.
var findingNamespace = uuid.MustParse("5b0f6d1e-2f4c-4c59-9d9b-7f0e3f1d8a11")

// findingID derives a stable id from the merge identity so replays produce the same ids.
func findingID(kind domain.FindingKind, correlationKey string) string {
	return uuid.NewSHA1(findingNamespace, []byte(string(kind)+"|"+correlationKey)).String()
}

// identityHash hashes a normalized identifier so raw emails and phones never appear in keys.
func identityHash(value string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(sum[:8])
}

// targetIdentity is the normalized identity of a target used inside correlation keys.
func targetIdentity(t domain.Target) string {
	switch t.Type {
	case domain.TargetEmail, domain.TargetPhone:
		return identityHash(normalizeValue(t))
	case domain.TargetName:
		return slug.Make(t.Value)
	default:
		return normalizeValue(t)
	}
}

func normalizeValue(t domain.Target) string {
	v := strings.ToLower(strings.TrimSpace(t.Value))
	if t.Type == domain.TargetPhone {
		var b strings.Builder
		for _, r := range v {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	return v
}

// normalizeURL strips scheme, query and trailing slash so equivalent links collide.
func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(raw), "/"))
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	return host + strings.TrimSuffix(u.EscapedPath(), "/")
}
