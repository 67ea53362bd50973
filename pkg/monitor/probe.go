package monitor

import (
	"context"
	"time"

	"github.com/cuemby/tenantd/pkg/agent"
	"github.com/cuemby/tenantd/pkg/health"
	"github.com/cuemby/tenantd/pkg/hoststat"
	"github.com/cuemby/tenantd/pkg/types"
)

// Probe reaches a node. Checker answers whether the node is up; Collect
// samples its resource usage.
type Probe interface {
	Checker(node *types.Node) health.Checker
	Collect(ctx context.Context, node *types.Node) (hoststat.Stats, error)
}

// AgentProbe talks to the tenantd agent on each node
type AgentProbe struct {
	Dialer  agent.Dialer
	Timeout time.Duration
}

// NewAgentProbe creates a probe using the agent API key
func NewAgentProbe(apiKey string, timeout time.Duration) *AgentProbe {
	return &AgentProbe{
		Dialer:  agent.Dialer{APIKey: apiKey, Timeout: timeout},
		Timeout: timeout,
	}
}

func (p *AgentProbe) Checker(node *types.Node) health.Checker {
	c := health.NewHTTPChecker("http://" + node.AgentAddress() + "/health").WithAPIKey(p.Dialer.APIKey)
	if p.Timeout > 0 {
		c.Client.Timeout = p.Timeout
	}
	return c
}

func (p *AgentProbe) Collect(ctx context.Context, node *types.Node) (hoststat.Stats, error) {
	return p.Dialer.Client(node).Stats(ctx)
}
