package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/tenantd/pkg/events"
	"github.com/cuemby/tenantd/pkg/health"
	"github.com/cuemby/tenantd/pkg/hoststat"
	"github.com/cuemby/tenantd/pkg/log"
	"github.com/cuemby/tenantd/pkg/metrics"
	"github.com/cuemby/tenantd/pkg/storage"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Config controls scanning
type Config struct {
	Interval     time.Duration
	Concurrency  int
	ProbeTimeout time.Duration
	// Health thresholds before a node is marked offline or back online
	Health health.Config
	// MetricRetention is how long resource samples are kept; zero keeps
	// them forever
	MetricRetention time.Duration
}

// DefaultConfig returns the default scan settings
func DefaultConfig() Config {
	return Config{
		Interval:        time.Minute,
		Concurrency:     8,
		ProbeTimeout:    5 * time.Second,
		Health:          health.DefaultConfig(),
		MetricRetention: 7 * 24 * time.Hour,
	}
}

// NodeReport is the outcome of scanning one node
type NodeReport struct {
	NodeID  string
	Name    string
	Healthy bool
	Status  types.NodeStatus
	Stats   *hoststat.Stats
	Error   string
}

// Report is the outcome of a full scan
type Report struct {
	Nodes     []NodeReport
	StartedAt time.Time
	Duration  time.Duration
	Pruned    int
}

// Failed returns the number of nodes that could not be sampled
func (r *Report) Failed() int {
	n := 0
	for _, node := range r.Nodes {
		if node.Error != "" {
			n++
		}
	}
	return n
}

// Monitor periodically samples nodes, refreshes their usage and moves
// unreachable nodes offline
type Monitor struct {
	store   storage.Store
	probe   Probe
	tracker *health.Tracker
	broker  *events.Broker
	cfg     Config
	group   singleflight.Group
	logger  zerolog.Logger

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a monitor. broker may be nil.
func New(store storage.Store, probe Probe, broker *events.Broker, cfg Config) *Monitor {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = d.ProbeTimeout
	}
	if cfg.Health.Retries <= 0 {
		cfg.Health.Retries = d.Health.Retries
	}
	if cfg.Health.Recoveries <= 0 {
		cfg.Health.Recoveries = d.Health.Recoveries
	}
	return &Monitor{
		store:   store,
		probe:   probe,
		tracker: health.NewTracker(cfg.Health),
		broker:  broker,
		cfg:     cfg,
		logger:  log.WithComponent("monitor"),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start scans immediately and then every Interval until Stop
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	metrics.RegisterComponent("monitor", false, "first scan pending")

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-m.stopCh
			cancel()
		}()

		for {
			m.runScan(ctx)
			select {
			case <-ticker.C:
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop stops the scan loop and waits for a running scan to end
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if m.started.Load() {
		<-m.done
	}
}

func (m *Monitor) runScan(ctx context.Context) {
	report, err := m.ScanAll(ctx)
	if err != nil {
		metrics.UpdateComponent("monitor", false, err.Error())
		m.logger.Error().Err(err).Msg("Scan failed")
		return
	}
	if failed := report.Failed(); failed > 0 {
		metrics.UpdateComponent("monitor", true, fmt.Sprintf("%d of %d nodes unreachable", failed, len(report.Nodes)))
	} else {
		metrics.UpdateComponent("monitor", true, "")
	}
}

// ScanAll samples every registered node. Concurrent calls share one scan.
func (m *Monitor) ScanAll(ctx context.Context) (*Report, error) {
	v, err, _ := m.group.Do("all", func() (any, error) {
		return m.scanAll(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

func (m *Monitor) scanAll(ctx context.Context) (*Report, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MonitorScanDuration)

	report := &Report{StartedAt: time.Now()}
	nodes, err := m.store.ListNodes()
	if err != nil {
		metrics.MonitorScansTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	m.forgetRemoved(nodes)

	report.Nodes = make([]NodeReport, len(nodes))
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for i, node := range nodes {
		i, node := i, node
		g.Go(func() error {
			report.Nodes[i] = m.scanShared(ctx, node)
			return nil
		})
	}
	_ = g.Wait()

	if m.cfg.MetricRetention > 0 {
		pruned, err := m.store.PruneMetrics(time.Now().Add(-m.cfg.MetricRetention))
		if err != nil {
			m.logger.Warn().Err(err).Msg("Failed to prune resource metrics")
		}
		report.Pruned = pruned
	}

	report.Duration = timer.Duration()
	result := "ok"
	if report.Failed() > 0 {
		result = "partial"
	}
	metrics.MonitorScansTotal.WithLabelValues(result).Inc()
	m.logger.Debug().
		Int("nodes", len(nodes)).
		Int("failed", report.Failed()).
		Dur("duration", report.Duration).
		Msg("Scan complete")
	return report, nil
}

// ScanNode samples one node
func (m *Monitor) ScanNode(ctx context.Context, nodeID string) (*NodeReport, error) {
	node, err := m.store.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	r := m.scanShared(ctx, node)
	return &r, nil
}

// scanShared collapses concurrent scans of the same node
func (m *Monitor) scanShared(ctx context.Context, node *types.Node) NodeReport {
	v, _, _ := m.group.Do("node:"+node.ID, func() (any, error) {
		return m.scanNode(ctx, node), nil
	})
	return v.(NodeReport)
}

func (m *Monitor) scanNode(ctx context.Context, node *types.Node) NodeReport {
	logger := log.WithNodeID(node.ID).With().Str("node", node.Name).Logger()
	report := NodeReport{NodeID: node.ID, Name: node.Name, Status: node.Status}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	result := m.probe.Checker(node).Check(ctx)
	var stats hoststat.Stats
	if result.Healthy {
		var err error
		stats, err = m.probe.Collect(ctx, node)
		if err != nil {
			result.Healthy = false
			result.Message = err.Error()
		}
	}
	if result.CheckedAt.IsZero() {
		result.CheckedAt = time.Now()
	}
	if !result.Healthy {
		report.Error = result.Message
		logger.Debug().Str("reason", result.Message).Msg("Node probe failed")
	}

	healthy, _ := m.tracker.Observe(node.ID, result)
	report.Healthy = healthy
	report.Status = m.applyVerdict(node, healthy, result.Message, logger)

	if result.Healthy {
		report.Stats = &stats
		m.recordUsage(node, stats, logger)
	}
	return report
}

// applyVerdict moves the node between online and offline. Maintenance is
// left to the operator; full is treated as online.
func (m *Monitor) applyVerdict(node *types.Node, healthy bool, reason string, logger zerolog.Logger) types.NodeStatus {
	var (
		to   types.NodeStatus
		from []types.NodeStatus
	)
	switch {
	case !healthy && (node.Status == types.NodeStatusOnline || node.Status == types.NodeStatusFull):
		to, from = types.NodeStatusOffline, []types.NodeStatus{types.NodeStatusOnline, types.NodeStatusFull}
	case healthy && node.Status == types.NodeStatusOffline:
		to, from = types.NodeStatusOnline, []types.NodeStatus{types.NodeStatusOffline}
	default:
		return node.Status
	}

	applied, err := m.store.SetNodeStatus(node.ID, to, from...)
	if err != nil {
		logger.Error().Err(err).Str("status", string(to)).Msg("Failed to update node status")
		return node.Status
	}
	if !applied {
		// changed by someone else in the meantime
		return node.Status
	}

	meta := map[string]string{"node_id": node.ID, "from": string(node.Status), "to": string(to)}
	if to == types.NodeStatusOffline {
		logger.Warn().Str("reason", reason).Msg("Node unreachable, marked offline")
		m.broker.Emit(events.EventNodeUnhealthy, node.Name, reason, meta)
	} else {
		logger.Info().Msg("Node reachable again, marked online")
	}
	m.broker.Emit(events.EventNodeStatusChanged, node.Name, fmt.Sprintf("%s -> %s", node.Status, to), meta)
	return to
}

func (m *Monitor) recordUsage(node *types.Node, stats hoststat.Stats, logger zerolog.Logger) {
	scannedAt := stats.CollectedAt
	if scannedAt.IsZero() {
		scannedAt = time.Now()
	}
	usage := types.NodeUsage{
		CPUPercent:    stats.CPUPercent,
		RAMUsedMB:     stats.RAMUsedMB,
		StorageUsedGB: stats.DiskUsedGB,
		ScannedAt:     scannedAt,
	}
	if err := m.store.UpdateNodeUsage(node.ID, usage); err != nil {
		logger.Error().Err(err).Msg("Failed to update node usage")
		return
	}

	sample := &types.ResourceMetric{
		NodeID:        node.ID,
		CPUPercent:    stats.CPUPercent,
		RAMUsedMB:     stats.RAMUsedMB,
		StorageUsedGB: stats.DiskUsedGB,
		TenantCount:   node.Usage.TenantCount,
		RecordedAt:    scannedAt,
	}
	if err := m.store.RecordMetric(sample); err != nil {
		logger.Warn().Err(err).Msg("Failed to record resource metric")
	}
}

// forgetRemoved drops health state of nodes that are no longer registered
func (m *Monitor) forgetRemoved(nodes []*types.Node) {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.ID] = true
	}
	for _, id := range m.tracker.Nodes() {
		if !known[id] {
			m.tracker.Forget(id)
		}
	}
}

// Health returns the tracked health of a node
func (m *Monitor) Health(nodeID string) (health.Status, bool) {
	return m.tracker.Get(nodeID)
}
