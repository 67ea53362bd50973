// Package capacity computes free resources and remaining tenant slots for
// nodes from their static capacity and last reported usage. It performs no
// I/O and is shared by the placement selector, the CLI summary and the
// metrics collector.
package capacity
