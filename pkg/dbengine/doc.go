/*
Package dbengine implements provisioner.Engine directly against PostgreSQL
using lib/pq.

Database names are identifiers and cannot be bound as query parameters, so
CREATE DATABASE and DROP DATABASE quote them with pq.QuoteIdentifier. Every
value goes through a placeholder.

Driver errors are classified with containerd/errdefs so the provisioner can
tell a collision (42P04, ErrAlreadyExists) from a missing database (3D000,
ErrNotFound) and from a failure worth retrying (busy template 55006,
connection class 08, network errors: ErrUnavailable).

Dialer opens an engine against a node's database port. The node agent uses
OpenDSN against its local server.
*/
package dbengine
