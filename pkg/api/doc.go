/*
Package api is the control API of a running tenantd serve.

The bolt store allows a single process, so while serve holds it every
other tenantd command sends its node, scan and tenant operations here
instead of opening the store. The same operations run in process through
Service when nothing is serving.

# Routes

All routes live under /v1:

	GET    /v1/ping
	GET    /v1/nodes
	POST   /v1/nodes                 register a node
	POST   /v1/nodes/apply           apply a YAML node manifest
	PUT    /v1/nodes/:ref/status
	DELETE /v1/nodes/:ref
	POST   /v1/scan                  scan every node
	POST   /v1/nodes/:ref/scan
	GET    /v1/tenants?status=
	POST   /v1/tenants               provision
	GET    /v1/tenants/:subdomain    deployment and attempts
	DELETE /v1/tenants/:subdomain
	POST   /v1/tenants/:subdomain/dns

Errors carry their faults.Kind so clients rebuild an error that classifies
the same way on both sides. A provision that left the tenant without DNS
answers 202 with the deployment and the binding error.

# Authentication

When server.api_key is set every request must send it in X-API-Key.
Without a key only loopback clients are served.
*/
package api
