package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker treats a node as up when one of its ports accepts a
// connection. monitor.SSHProbe points it at the node's SSH port.
type TCPChecker struct {
	// Address is host:port, e.g. node.SSHAddress()
	Address string
	Timeout time.Duration
}

// NewTCPChecker dials address with the monitor's default timeout
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: DefaultConfig().Timeout}
}

// WithTimeout bounds the dial, usually to monitor.probe_timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	conn, err := (&net.Dialer{Timeout: t.Timeout}).DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return failed(start, fmt.Sprintf("%s unreachable: %v", t.Address, err))
	}
	_ = conn.Close()
	return passed(start, t.Address+" accepts connections")
}

func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}
