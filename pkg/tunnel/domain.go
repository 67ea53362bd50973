package tunnel

import (
	"regexp"
	"strings"

	"github.com/cuemby/tenantd/pkg/faults"
)

var domainPattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)

// NormalizeDomain lower-cases d and strips a scheme, path and trailing dot
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	return strings.TrimSuffix(d, ".")
}

// ValidateExternalDomain normalizes a customer-owned domain and checks that
// it is well formed and outside every managed zone.
func ValidateExternalDomain(d string, managed []string) (string, error) {
	d = NormalizeDomain(d)
	if len(d) > 253 {
		return "", &faults.ValidationError{Field: "domain", Value: d, Reason: "longer than 253 characters"}
	}
	if !domainPattern.MatchString(d) {
		return "", &faults.ValidationError{Field: "domain", Value: d, Reason: "not a valid domain name"}
	}
	for _, zone := range managed {
		if d == zone || strings.HasSuffix(d, "."+zone) {
			return "", &faults.ValidationError{Field: "domain", Value: d, Reason: "belongs to a managed zone"}
		}
	}
	return d, nil
}

// TunnelTarget is the CNAME target routing to a Cloudflare tunnel
func TunnelTarget(tunnelID string) string {
	return tunnelID + ".cfargotunnel.com"
}
