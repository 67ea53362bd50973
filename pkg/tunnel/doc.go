/*
Package tunnel binds tenant hostnames to Cloudflare tunnels and verifies
customer-owned domains.

Every managed zone (sajet.us, and any others configured) maps to a
Cloudflare zone ID. Binding a tenant creates a proxied CNAME

	<subdomain>.<domain>  CNAME  <tunnel-id>.cfargotunnel.com

through the Cloudflare v4 API. Bind is idempotent: a record that already
exists is reported with Created=false and left untouched. Domains outside
the zone table are rejected with an UnsupportedDomainError before any API
call is made.

Verify answers whether a customer domain (erp.customer.com) is a CNAME
for the tenant's hostname. Lookups go straight to public resolvers with
github.com/miekg/dns so results are not affected by local caching. The
returned Verification carries a status and a remediation message for the
customer.

Provider and Resolver are interfaces so callers can substitute fakes.
*/
package tunnel
