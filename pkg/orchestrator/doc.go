/*
Package orchestrator provisions and deletes tenants.

A provisioning attempt moves through a state machine (github.com/looplab/fsm):

	received -> validated -> node_reserved -> database_ready -> dns_bound -> deployment_persisted
	                                                       \________________/
	                                                   (DNS failed: active_no_dns)

failed is reachable from every non-terminal state. Every transition appends
a step to the attempt log, which is saved to the store so an operator can
see how far an attempt got.

# Steps

Validation rejects malformed, reserved and protected subdomains, unknown
plans and unmanaged domains before anything is written. The subdomain is
then claimed in the store; of two concurrent requests for the same name only
one gets past this point.

The scheduler reserves a slot with a conditional update. Database
provisioning is retried on transient errors with exponential backoff
(k8s.io/apimachinery/pkg/util/wait); after an outcome that may have created
the database the next try resumes at configuration instead of duplicating
again.

Failure handling depends on what may exist on the node:

	database name collision      deployment failed, slot kept
	database may exist           deployment failed, slot and database kept
	nothing created              slot released, deployment rolled_back

A DNS failure is not fatal. The tenant is stored as active_no_dns, reachable
by its direct address, and RetryBinding later completes only that step.

Provision and Delete keep running when the caller's context is cancelled,
bounded by Config.ProvisionTimeout.
*/
package orchestrator
