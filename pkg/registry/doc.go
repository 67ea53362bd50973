/*
Package registry manages the nodes tenants can be placed on.

Nodes are registered one at a time or declared in a YAML manifest and
applied in bulk:

	apiVersion: tenantd/v1
	kind: Node
	metadata:
	  name: node-1
	spec:
	  address: 10.0.0.11
	  priority: 10
	  capacity:
	    cpuCores: 8
	    ramMB: 32768
	    storageGB: 500
	    maxSlots: 20

Applying a manifest creates the nodes that do not exist and updates the
ones that do. The registry owns identity, addresses, capacity, role,
priority and tunnel. Live usage belongs to the monitor and the tenant
counter belongs to slot reservations, so neither Update nor Apply touches
them.

A node is only removed when no deployment references it and its tenant
counter is zero. Status full is derived from the counter; operators move
nodes between online, offline and maintenance.
*/
package registry
