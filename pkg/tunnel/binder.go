package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/faults"
	"github.com/cuemby/tenantd/pkg/log"
	"github.com/cuemby/tenantd/pkg/metrics"
	"github.com/rs/zerolog"
)

// Config is the binder's zone table and limits
type Config struct {
	// Zones maps a managed domain to its provider zone ID
	Zones           map[string]string
	DefaultTunnelID string
	APITimeout      time.Duration
	LookupTimeout   time.Duration
}

// BindResult describes the routing record for a tenant
type BindResult struct {
	Hostname string
	Target   string
	RecordID string
	// Created is false when the record already existed
	Created bool
}

// VerificationStatus classifies a customer domain's CNAME
type VerificationStatus string

const (
	VerificationVerified       VerificationStatus = "verified"
	VerificationNoRecord       VerificationStatus = "no_record"
	VerificationWrongTarget    VerificationStatus = "wrong_target"
	VerificationDomainNotFound VerificationStatus = "domain_not_found"
	VerificationLookupError    VerificationStatus = "lookup_error"
)

// Verification is the outcome of Verify
type Verification struct {
	Domain   string
	Expected string
	Found    string
	Status   VerificationStatus
	Message  string
}

// Binder maps tenant subdomains onto tunnel endpoints
type Binder struct {
	provider Provider
	resolver Resolver
	cfg      Config
	logger   zerolog.Logger
}

// NewBinder creates a binder
func NewBinder(provider Provider, resolver Resolver, cfg Config) *Binder {
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = 15 * time.Second
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	zones := make(map[string]string, len(cfg.Zones))
	for d, id := range cfg.Zones {
		zones[NormalizeDomain(d)] = id
	}
	cfg.Zones = zones
	return &Binder{
		provider: provider,
		resolver: resolver,
		cfg:      cfg,
		logger:   log.WithComponent("tunnel"),
	}
}

// Supports reports whether domain is a managed zone
func (b *Binder) Supports(domain string) bool {
	_, ok := b.cfg.Zones[NormalizeDomain(domain)]
	return ok
}

// Domains returns the managed zones
func (b *Binder) Domains() []string {
	out := make([]string, 0, len(b.cfg.Zones))
	for d := range b.cfg.Zones {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// DefaultTunnel returns the tunnel used when a node names none
func (b *Binder) DefaultTunnel() string {
	return b.cfg.DefaultTunnelID
}

func (b *Binder) zone(domain string) (string, error) {
	id, ok := b.cfg.Zones[NormalizeDomain(domain)]
	if !ok {
		return "", &faults.UnsupportedDomainError{Domain: domain}
	}
	return id, nil
}

// Bind makes subdomain.domain a proxied CNAME to the tunnel. An existing
// record is accepted as is.
func (b *Binder) Bind(ctx context.Context, subdomain, domain, tunnelID string) (*BindResult, error) {
	zoneID, err := b.zone(domain)
	if err != nil {
		return nil, err
	}
	if tunnelID == "" {
		tunnelID = b.cfg.DefaultTunnelID
	}
	if tunnelID == "" {
		return nil, &faults.ValidationError{Field: "tunnel", Reason: "node has no tunnel and no default is configured"}
	}

	hostname := subdomain + "." + NormalizeDomain(domain)
	target := TunnelTarget(tunnelID)
	logger := b.logger.With().Str("hostname", hostname).Logger()

	ctx, cancel := context.WithTimeout(ctx, b.cfg.APITimeout)
	defer cancel()

	existing, err := b.provider.FindRecord(ctx, zoneID, hostname)
	if err != nil {
		metrics.DNSOperationsTotal.WithLabelValues("bind", "error").Inc()
		return nil, b.classify("find record", err)
	}
	if existing != nil {
		if existing.Content != target {
			logger.Warn().Str("content", existing.Content).Str("expected", target).Msg("Existing record points elsewhere, leaving it")
		}
		metrics.DNSOperationsTotal.WithLabelValues("bind", "exists").Inc()
		return &BindResult{Hostname: hostname, Target: existing.Content, RecordID: existing.ID}, nil
	}

	rec, err := b.provider.CreateCNAME(ctx, zoneID, hostname, target)
	if errdefs.IsAlreadyExists(err) {
		// created concurrently
		if existing, ferr := b.provider.FindRecord(ctx, zoneID, hostname); ferr == nil && existing != nil {
			metrics.DNSOperationsTotal.WithLabelValues("bind", "exists").Inc()
			return &BindResult{Hostname: hostname, Target: existing.Content, RecordID: existing.ID}, nil
		}
	}
	if err != nil {
		metrics.DNSOperationsTotal.WithLabelValues("bind", "error").Inc()
		return nil, b.classify("create record", err)
	}

	metrics.DNSOperationsTotal.WithLabelValues("bind", "created").Inc()
	logger.Info().Str("target", target).Str("record_id", rec.ID).Msg("DNS record created")
	return &BindResult{Hostname: hostname, Target: target, RecordID: rec.ID, Created: true}, nil
}

// Unbind removes subdomain.domain. It reports whether a record was removed;
// a missing record is not an error.
func (b *Binder) Unbind(ctx context.Context, subdomain, domain string) (bool, error) {
	zoneID, err := b.zone(domain)
	if err != nil {
		return false, err
	}
	hostname := subdomain + "." + NormalizeDomain(domain)

	ctx, cancel := context.WithTimeout(ctx, b.cfg.APITimeout)
	defer cancel()

	rec, err := b.provider.FindRecord(ctx, zoneID, hostname)
	if err != nil {
		metrics.DNSOperationsTotal.WithLabelValues("unbind", "error").Inc()
		return false, b.classify("find record", err)
	}
	if rec == nil {
		metrics.DNSOperationsTotal.WithLabelValues("unbind", "absent").Inc()
		return false, nil
	}

	if err := b.provider.DeleteRecord(ctx, zoneID, rec.ID); err != nil {
		if errdefs.IsNotFound(err) {
			metrics.DNSOperationsTotal.WithLabelValues("unbind", "absent").Inc()
			return false, nil
		}
		metrics.DNSOperationsTotal.WithLabelValues("unbind", "error").Inc()
		return false, b.classify("delete record", err)
	}

	metrics.DNSOperationsTotal.WithLabelValues("unbind", "removed").Inc()
	b.logger.Info().Str("hostname", hostname).Msg("DNS record removed")
	return true, nil
}

// Verify checks that a customer-owned domain is a CNAME for the tenant's
// hostname.
func (b *Binder) Verify(ctx context.Context, externalDomain, subdomain, domain string) Verification {
	expected := subdomain + "." + NormalizeDomain(domain)
	v := Verification{Domain: NormalizeDomain(externalDomain), Expected: expected}

	ext, err := ValidateExternalDomain(externalDomain, b.Domains())
	if err != nil {
		v.Status = VerificationLookupError
		v.Message = err.Error()
		return v
	}
	v.Domain = ext

	ctx, cancel := context.WithTimeout(ctx, b.cfg.LookupTimeout)
	defer cancel()

	found, err := b.resolver.LookupCNAME(ctx, ext)
	switch {
	case errors.Is(err, ErrDomainNotFound):
		v.Status = VerificationDomainNotFound
	case errors.Is(err, ErrNoRecord):
		v.Status = VerificationNoRecord
	case err != nil:
		v.Status = VerificationLookupError
		b.logger.Warn().Err(err).Str("domain", ext).Msg("CNAME lookup failed")
	case found == expected:
		v.Found = found
		v.Status = VerificationVerified
	default:
		v.Found = found
		v.Status = VerificationWrongTarget
	}
	metrics.DNSOperationsTotal.WithLabelValues("verify", string(v.Status)).Inc()
	v.Message = Remediation(v)
	return v
}

// Remediation returns what the customer should do about v
func Remediation(v Verification) string {
	switch v.Status {
	case VerificationVerified:
		return fmt.Sprintf("%s points to %s", v.Domain, v.Expected)
	case VerificationNoRecord:
		return fmt.Sprintf("Create a DNS record: %s CNAME %s", v.Domain, v.Expected)
	case VerificationWrongTarget:
		return fmt.Sprintf("%s points to %s; change the CNAME target to %s", v.Domain, v.Found, v.Expected)
	case VerificationDomainNotFound:
		return fmt.Sprintf("%s does not exist in DNS; check the registration and nameservers", v.Domain)
	default:
		return "The DNS lookup failed; try again in a few minutes"
	}
}

func (b *Binder) classify(op string, err error) error {
	if errdefs.IsUnavailable(err) || errdefs.IsDeadlineExceeded(err) {
		return &faults.TransientError{Op: "dns " + op, Err: err}
	}
	return fmt.Errorf("dns %s: %w", op, err)
}
