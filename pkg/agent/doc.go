/*
Package agent is the node-local database control plane.

Every tenant node runs `tenantd agent`, which serves a small HTTP API (gin)
over the node's PostgreSQL. The control plane reaches it through Client,
which implements provisioner.Engine, so provisioning does not need direct
database access to the node.

Routes (all under /v1 require the X-API-Key header):

	GET    /health                       liveness, pings PostgreSQL
	GET    /v1/databases                 list databases
	POST   /v1/databases                 duplicate {template, name, owner}
	GET    /v1/databases/:name           200 when it exists, 404 otherwise
	DELETE /v1/databases/:name           drop; missing is success
	POST   /v1/databases/:name/terminate end sessions
	POST   /v1/databases/:name/sql       run parameterized statements
	GET    /v1/stats                     CPU, RAM and disk sample

Engine errors travel as HTTP statuses (409 already exists, 404 not found,
503 unavailable, 504 timeout) and Client maps them back onto
containerd/errdefs classes, so the provisioner classifies agent and direct
PostgreSQL failures the same way.

Protected databases are refused by the agent itself as well as by the
provisioner.
*/
package agent
