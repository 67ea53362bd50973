package metrics

import (
	"time"

	"github.com/cuemby/tenantd/pkg/types"
)

// StateSource is the read side of the store the collector samples
type StateSource interface {
	ListNodes() ([]*types.Node, error)
	ListDeployments() ([]*types.Deployment, error)
}

// Collector refreshes gauges from the store
type Collector struct {
	source   StateSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StateSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples the store once
func (c *Collector) Collect() {
	c.collectNodeMetrics()
	c.collectDeploymentMetrics()
}

func (c *Collector) collectNodeMetrics() {
	nodes, err := c.source.ListNodes()
	if err != nil {
		return
	}

	NodesTotal.Reset()
	NodeTenants.Reset()
	NodeFreeSlots.Reset()
	NodeCPUPercent.Reset()

	for _, node := range nodes {
		NodesTotal.WithLabelValues(string(node.Role), string(node.Status)).Inc()
		NodeTenants.WithLabelValues(node.Name).Set(float64(node.Usage.TenantCount))
		NodeFreeSlots.WithLabelValues(node.Name).Set(float64(max(node.Capacity.MaxSlots-node.Usage.TenantCount, 0)))
		NodeCPUPercent.WithLabelValues(node.Name).Set(node.Usage.CPUPercent)
	}
}

func (c *Collector) collectDeploymentMetrics() {
	deployments, err := c.source.ListDeployments()
	if err != nil {
		return
	}

	counts := make(map[types.DeploymentStatus]int)
	for _, d := range deployments {
		counts[d.Status]++
	}

	DeploymentsTotal.Reset()
	for status, count := range counts {
		DeploymentsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
