/*
Package provisioner creates tenant databases by duplicating a template
database on a node's PostgreSQL.

Provision walks a fixed sequence of states:

	checking_existence -> checking_template -> terminating_template_connections
	    -> duplicating -> configuring -> done

and lands in failed from any of them. Each step maps onto a typed error from
package faults:

  - the target already exists: AlreadyExistsError (nothing is touched)
  - the template is missing: TemplateNotFoundError
  - a network failure or timeout: TransientError

Duplication is the one step whose outcome can be unknown. A copy that timed
out on the client may still finish on the server, so a transient failure is
followed by a fresh existence check. If the database is there, provisioning
continues. If it is not, the TransientError is retryable. If the check
itself fails, the error carries OutcomeUnknown and the caller retries with
Request.Resume set, which accepts an existing database as its own and only
re-runs configuration.

Configuration is parameterized SQL (see ConfigureStatements) and safe to
repeat. Result.DatabaseCreated is returned on every path so the caller knows
whether a database may be left behind.

Engines implement the database side. Package dbengine provides one that
talks to PostgreSQL directly and one that goes through the node agent;
provisionertest provides an in-memory one for tests.
*/
package provisioner
