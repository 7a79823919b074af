package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Tracking parameters stripped before hashing. Exact names plus prefix rules;
// affiliate networks rotate these constantly, so the list errs broad.
var (
	trackingParams = map[string]bool{
		"irclickid":    true,
		"clickid":      true,
		"gclid":        true,
		"fbclid":       true,
		"msclkid":      true,
		"ref":          true,
		"source":       true,
		"partner_id":   true,
		"affiliate_id": true,
		"irgwc":        true,
		"subid":        true,
		"sid":          true,
	}
	trackingPrefixes = []string{"utm_", "impactradius_", "ir_", "aff_"}
)

func isTrackingParam(name string) bool {
	lower := strings.ToLower(name)
	if trackingParams[lower] {
		return true
	}
	for _, p := range trackingPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// NormalizeURL canonicalizes a product URL for hashing: lower-case scheme and
// host (path and query case preserved), sorted query parameters, tracking
// parameters stripped, trailing slashes removed. The function is idempotent.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return strings.TrimRight(trimmed, "/")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if q := u.Query(); len(q) > 0 {
		keys := make([]string, 0, len(q))
		for k := range q {
			if isTrackingParam(k) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}

	u.Path = strings.TrimRight(u.Path, "/")
	return strings.TrimRight(u.String(), "/")
}

// HashURL returns the hex SHA-256 of the normalized URL. It is a pure function
// of NormalizeURL's output.
func HashURL(raw string) string {
	sum := sha256.Sum256([]byte(NormalizeURL(raw)))
	return hex.EncodeToString(sum[:])
}
