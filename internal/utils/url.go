package utils

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

var urlRegex = regexp.MustCompile(`https?://[^\s<>]+`)

var inviteRegex = regexp.MustCompile(`(?i)(?:discord\.gg|discord(?:app)?\.com/invite)/([a-zA-Z0-9-]+)`)

var trackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "fbclid", "gclid"}

// Hosts commonly used to hide a final destination behind a redirect.
var shortenerHosts = map[string]struct{}{
	"bit.ly":      {},
	"tinyurl.com": {},
	"t.co":        {},
	"is.gd":       {},
	"cutt.ly":     {},
	"rb.gy":       {},
	"shorturl.at": {},
}

func ExtractURLs(content string) []string {
	return urlRegex.FindAllString(content, -1)
}

// ExtractInviteCodes returns the invite codes referenced in content.
func ExtractInviteCodes(content string) []string {
	matches := inviteRegex.FindAllStringSubmatch(content, -1)
	codes := make([]string, 0, len(matches))
	for _, m := range matches {
		codes = append(codes, m[1])
	}
	return codes
}

func NormalizeURL(raw string) (string, string, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
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

// IsShortener reports whether host is a known URL shortener.
func IsShortener(host string) bool {
	_, ok := shortenerHosts[strings.ToLower(host)]
	return ok
}

// Resolver follows redirects to the real destination of shortened links.
// Its client must not follow redirects on its own; ExpandURL walks the
// hops itself so the hop limit holds.
type Resolver struct {
	Client  *http.Client
	MaxHops int
}

// NewResolver builds a resolver whose client surfaces each redirect
// instead of chasing it to the final response.
func NewResolver(maxHops int) *Resolver {
	return &Resolver{
		Client: &http.Client{
			Timeout: 5 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		MaxHops: maxHops,
	}
}

// ExpandURL follows up to MaxHops redirects and returns the final host.
// Any network failure degrades to the original host.
func (r *Resolver) ExpandURL(ctx context.Context, raw, host string) string {
	if r == nil || r.Client == nil || !IsShortener(host) {
		return host
	}
	maxHops := r.MaxHops
	if maxHops <= 0 {
		maxHops = 4
	}

	current := raw
	for hop := 0; hop < maxHops; hop++ {
		next, err := r.headLocation(ctx, current)
		if err != nil || next == "" {
			break
		}
		current = next
	}

	_, finalHost, err := NormalizeURL(current)
	if err != nil {
		return host
	}
	return finalHost
}

func (r *Resolver) headLocation(ctx context.Context, raw string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, raw, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", nil
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", errors.New("redirect without location")
	}
	return loc, nil
}

func DomainMatch(domain string, allowlist, blocklist map[string]struct{}) (allowed bool, blocked bool) {
	domain = strings.ToLower(domain)
	if _, ok := allowlist[domain]; ok {
		return true, false
	}
	if _, ok := blocklist[domain]; ok {
		return false, true
	}
	return false, false
}
