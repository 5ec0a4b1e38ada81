package utils

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

var urlRegex = regexp.MustCompile(`(?i)https?://[^\s]+`)

var trackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "fbclid", "gclid"}

func ExtractURLs(content string) []string {
	return urlRegex.FindAllString(content, -1)
}

// ExtractDomains returns the bare host of every URL in content, in order of
// appearance. Tokens that do not parse are skipped.
func ExtractDomains(content string) []string {
	urls := ExtractURLs(content)
	if len(urls) == 0 {
		return nil
	}
	domains := make([]string, 0, len(urls))
	for _, raw := range urls {
		_, host, err := NormalizeURL(raw)
		if err != nil || host == "" {
			continue
		}
		domains = append(domains, BareDomain(host))
	}
	return domains
}

// BareDomain lowercases a host and strips a leading "www.".
func BareDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	return strings.TrimPrefix(host, "www.")
}

func NormalizeURL(raw string) (string, string, error) {
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		raw = "https://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}

	host := strings.ToLower(parsed.Hostname())
	asciiHost, err := idna.ToASCII(host)
	if err == nil {
		host = asciiHost
	}

	parsed.Host = host
	parsed.Fragment = ""
	parsed.User = nil

	query := parsed.Query()
	for _, key := range trackingParams {
		query.Del(key)
	}
	parsed.RawQuery = normalizeQuery(query)

	return parsed.String(), host, nil
}

func normalizeQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	clean := url.Values{}
	for _, key := range keys {
		clean[key] = values[key]
	}
	return clean.Encode()
}

// DomainSet builds a lookup set from an allow-list, normalizing each entry
// the same way ExtractDomains normalizes hosts.
func DomainSet(domains []string) map[string]struct{} {
	set := make(map[string]struct{}, len(domains))
	for _, domain := range domains {
		if d := BareDomain(domain); d != "" {
			set[d] = struct{}{}
		}
	}
	return set
}

func DomainAllowed(domain string, allowlist map[string]struct{}) bool {
	_, ok := allowlist[BareDomain(domain)]
	return ok
}
