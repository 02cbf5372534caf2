package researcher

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Tier 1 sources: known-good DTC reference sites addressable directly
// by code. These skip the search engine entirely.
var tier1Templates = []struct {
	format string
	upper  bool
}{
	{format: "https://www.obd-codes.com/%s"},
	{format: "https://www.engine-codes.com/%s"},
	{format: "https://dtcbase.com/%s", upper: true},
	{format: "https://www.autozone.com/diy/check-engine-light/%s"},
}

// seedDomains is the registry bootstrap, quality tier per domain.
var seedDomains = map[string]int{
	"www.obd-codes.com":    1,
	"www.engine-codes.com": 1,
	"dtcbase.com":          1,
	"www.autozone.com":     1,
}

var (
	codeFormat  = regexp.MustCompile(`^[PBCU]\d{3,4}$`)
	rangeFormat = regexp.MustCompile(`^([PBCU])(\d{3,4})-([PBCU])(\d{3,4})$`)
)

// templateURLs expands one code through the Tier 1 templates.
func templateURLs(code string) []string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !codeFormat.MatchString(code) {
		return nil
	}
	urls := make([]string, 0, len(tier1Templates))
	for _, t := range tier1Templates {
		c := strings.ToLower(code)
		if t.upper {
			c = code
		}
		urls = append(urls, fmt.Sprintf(t.format, c))
	}
	return urls
}

// enumerateRange expands a "P0100-P0199" style span into individual
// codes, capped at limit. Both ends must share the system letter.
func enumerateRange(r string, limit int) ([]string, error) {
	m := rangeFormat.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(r)))
	if m == nil {
		return nil, fmt.Errorf("invalid code range %q", r)
	}
	if m[1] != m[3] {
		return nil, fmt.Errorf("code range %q spans systems", r)
	}
	if len(m[2]) != len(m[4]) {
		return nil, fmt.Errorf("code range %q mixes code widths", r)
	}
	lo, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, fmt.Errorf("invalid code range %q: %w", r, err)
	}
	hi, err := strconv.Atoi(m[4])
	if err != nil {
		return nil, fmt.Errorf("invalid code range %q: %w", r, err)
	}
	if hi < lo {
		return nil, fmt.Errorf("code range %q runs backwards", r)
	}

	width := len(m[2])
	var codes []string
	for n := lo; n <= hi && len(codes) < limit; n++ {
		codes = append(codes, fmt.Sprintf("%s%0*d", m[1], width, n))
	}
	return codes, nil
}

// templateQueries builds fallback search queries for a code when no
// plan is available.
func templateQueries(code string) []string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return []string{
		code + " causes and fixes",
		code + " diagnostic procedure",
	}
}

// hostOf extracts the lowercased host from a URL, or "".
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// domainAllowed checks host against a whitelist of registrable domains,
// matching the domain itself and any subdomain.
func domainAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, d := range allowed {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
