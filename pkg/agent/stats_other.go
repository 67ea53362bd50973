//go:build !linux

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/tenantd/pkg/hoststat"
)

// LocalStats is only implemented on Linux
func LocalStats(dataPath string, window time.Duration) StatsFunc {
	return func(ctx context.Context) (hoststat.Stats, error) {
		return hoststat.Stats{}, fmt.Errorf("host stats: %w", errdefs.ErrNotImplemented)
	}
}
