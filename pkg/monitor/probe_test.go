package monitor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/tenantd/pkg/agent"
	"github.com/cuemby/tenantd/pkg/health"
	"github.com/cuemby/tenantd/pkg/hoststat"
	"github.com/cuemby/tenantd/pkg/provisioner/provisionertest"
	"github.com/cuemby/tenantd/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func nodeFor(t *testing.T, rawURL string) *types.Node {
	t.Helper()
	host, port, err := net.SplitHostPort(rawURL[len("http://"):])
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return &types.Node{ID: "n1", Name: "node-a", Address: host, AgentPort: p}
}

func TestAgentProbe(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := agent.NewServer(provisionertest.NewEngine(), agent.ServerConfig{
		APIKey: "secret",
		Stats: func(ctx context.Context) (hoststat.Stats, error) {
			return hoststat.Stats{CPUPercent: 12, RAMUsedMB: 2048, DiskUsedGB: 30, CPUCores: 4}, nil
		},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	node := nodeFor(t, ts.URL)
	probe := NewAgentProbe("secret", time.Second)

	assert.True(t, probe.Checker(node).Check(context.Background()).Healthy)

	stats, err := probe.Collect(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, 12.0, stats.CPUPercent)
	assert.Equal(t, 4, stats.CPUCores)

	_, err = NewAgentProbe("wrong", time.Second).Collect(context.Background(), node)
	assert.Error(t, err)
}

func TestAgentProbeUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := "http://" + ln.Addr().String()
	ln.Close()

	res := NewAgentProbe("k", 200*time.Millisecond).Checker(nodeFor(t, addr)).Check(context.Background())
	assert.False(t, res.Healthy)
}

const sampleOutput = `cpu  1000 0 1000 8000 0 0 0 0 0 0
cpu  1100 0 1100 8800 0 0 0 0 0 0
--tenantd--
MemTotal:       16384000 kB
MemFree:         1024000 kB
MemAvailable:    8192000 kB
--tenantd--
Filesystem     1024-blocks      Used Available Capacity Mounted on
/dev/sda1      107374182400 53687091200 53687091200      50% /
--tenantd--
8
`

func TestParseStatsOutput(t *testing.T) {
	stats, err := parseStatsOutput(sampleOutput)
	require.NoError(t, err)

	assert.InDelta(t, 20.0, stats.CPUPercent, 0.01)
	assert.Equal(t, int64(16000), stats.RAMTotalMB)
	assert.Equal(t, int64(8000), stats.RAMUsedMB)
	assert.Equal(t, int64(100), stats.DiskTotalGB)
	assert.Equal(t, int64(50), stats.DiskUsedGB)
	assert.Equal(t, 8, stats.CPUCores)
}

func TestParseStatsOutputRejectsGarbage(t *testing.T) {
	for _, out := range []string{
		"",
		"cpu 1 2 3 4\n--tenantd--\n--tenantd--\n--tenantd--\n",
		"cpu  1 0 1 8\ncpu  2 0 2 9\n--tenantd--\nnothing\n--tenantd--\nx\n--tenantd--\n8\n",
	} {
		_, err := parseStatsOutput(out)
		assert.Error(t, err)
	}
}

func writeKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "tenantd-test")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestNewSSHProbe(t *testing.T) {
	key := writeKey(t)

	p, err := NewSSHProbe(key, "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "root", p.defaultUser)
	assert.Equal(t, 5*time.Second, p.timeout)

	checker := p.Checker(&types.Node{Address: "10.0.0.1", SSHPort: 2222})
	assert.Equal(t, health.CheckTypeTCP, checker.Type())

	_, err = NewSSHProbe(filepath.Join(t.TempDir(), "missing"), "", "", 0)
	assert.Error(t, err)

	_, err = NewSSHProbe(key, filepath.Join(t.TempDir(), "missing_known_hosts"), "", 0)
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))
	_, err = NewSSHProbe(garbage, "", "", 0)
	assert.Error(t, err)
}
