package orchestrator

import (
	"regexp"
	"slices"
	"strings"

	"github.com/cuemby/tenantd/pkg/faults"
)

const (
	minSubdomainLen = 3
	maxSubdomainLen = 30
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// reservedNames can never be claimed by a tenant. Configured names extend
// this list.
var reservedNames = []string{
	"admin", "api", "www", "mail", "ftp", "smtp", "pop", "imap",
	"ns1", "ns2", "dns", "mx", "webmail", "cpanel", "whm",
	"blog", "shop", "store", "app", "dashboard", "portal",
	"secure", "ssl", "cdn", "static", "assets", "media",
	"dev", "staging", "test", "demo", "beta", "alpha",
	"support", "help", "docs", "status", "health",
	"sajet", "jeturing", "techeels", "odoo", "erp",
}

// NormalizeSubdomain trims and lower-cases s
func NormalizeSubdomain(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DatabaseName returns the tenant database name for a subdomain
func DatabaseName(subdomain string) string {
	return strings.ReplaceAll(subdomain, "-", "_")
}

// ValidateSubdomain checks the format of an already normalized subdomain and
// that it is not reserved
func ValidateSubdomain(s string, extraReserved ...string) error {
	invalid := func(reason string) error {
		return &faults.ValidationError{Field: "subdomain", Value: s, Reason: reason}
	}

	switch {
	case s == "":
		return invalid("required")
	case len(s) < minSubdomainLen:
		return invalid("shorter than 3 characters")
	case len(s) > maxSubdomainLen:
		return invalid("longer than 30 characters")
	case !subdomainPattern.MatchString(s):
		return invalid("only lowercase letters, digits and hyphens are allowed")
	case strings.HasPrefix(s, "-") || strings.HasSuffix(s, "-"):
		return invalid("must not start or end with a hyphen")
	case slices.Contains(reservedNames, s) || containsFold(extraReserved, s):
		return invalid("reserved name")
	}
	return nil
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool {
		return strings.EqualFold(strings.TrimSpace(v), s)
	})
}
