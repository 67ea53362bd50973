package monitor

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/tenantd/pkg/health"
	"github.com/cuemby/tenantd/pkg/hoststat"
	"github.com/cuemby/tenantd/pkg/log"
	"github.com/cuemby/tenantd/pkg/types"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const sectionMarker = "--tenantd--"

// statsCommand is the only command the probe runs. It samples the cpu line
// twice one second apart, then memory, root filesystem and core count.
const statsCommand = "head -n1 /proc/stat && sleep 1 && head -n1 /proc/stat" +
	" && echo " + sectionMarker + " && cat /proc/meminfo" +
	" && echo " + sectionMarker + " && df -P -B1 /" +
	" && echo " + sectionMarker + " && nproc"

// SSHProbe samples nodes that run no agent over SSH
type SSHProbe struct {
	auth        []ssh.AuthMethod
	hostKeys    ssh.HostKeyCallback
	defaultUser string
	timeout     time.Duration
}

// NewSSHProbe loads the private key at keyPath. Host keys are checked
// against knownHostsPath; an empty path accepts any host key.
func NewSSHProbe(keyPath, knownHostsPath, defaultUser string, timeout time.Duration) (*SSHProbe, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key %s: %w", keyPath, err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if knownHostsPath != "" {
		if hostKeys, err = knownhosts.New(knownHostsPath); err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	} else {
		logger := log.WithComponent("monitor")
		logger.Warn().Msg("No known_hosts file configured, SSH host keys are not verified")
	}

	if defaultUser == "" {
		defaultUser = "root"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SSHProbe{
		auth:        []ssh.AuthMethod{ssh.PublicKeys(signer)},
		hostKeys:    hostKeys,
		defaultUser: defaultUser,
		timeout:     timeout,
	}, nil
}

func (p *SSHProbe) Checker(node *types.Node) health.Checker {
	return health.NewTCPChecker(node.SSHAddress()).WithTimeout(p.timeout)
}

func (p *SSHProbe) Collect(ctx context.Context, node *types.Node) (hoststat.Stats, error) {
	user := node.SSHUser
	if user == "" {
		user = p.defaultUser
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            p.auth,
		HostKeyCallback: p.hostKeys,
		Timeout:         p.timeout,
	}

	addr := node.SSHAddress()
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return hoststat.Stats{}, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return hoststat.Stats{}, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	// unblock the session when the scan is abandoned
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return hoststat.Stats{}, fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout
	if err := session.Run(statsCommand); err != nil {
		if ctx.Err() != nil {
			return hoststat.Stats{}, ctx.Err()
		}
		return hoststat.Stats{}, fmt.Errorf("stats command failed on %s: %w", node.Name, err)
	}

	stats, err := parseStatsOutput(stdout.String())
	if err != nil {
		return hoststat.Stats{}, fmt.Errorf("node %s: %w", node.Name, err)
	}
	return stats, nil
}

// parseStatsOutput reads the output of statsCommand
func parseStatsOutput(out string) (hoststat.Stats, error) {
	sections := strings.Split(out, sectionMarker+"\n")
	if len(sections) != 4 {
		return hoststat.Stats{}, fmt.Errorf("unexpected stats output: %d sections", len(sections))
	}

	cpuLines := strings.Split(strings.TrimSpace(sections[0]), "\n")
	if len(cpuLines) != 2 {
		return hoststat.Stats{}, fmt.Errorf("expected two cpu samples, got %d", len(cpuLines))
	}
	first, err := hoststat.ParseCPULine(cpuLines[0])
	if err != nil {
		return hoststat.Stats{}, err
	}
	second, err := hoststat.ParseCPULine(cpuLines[1])
	if err != nil {
		return hoststat.Stats{}, err
	}

	stats := hoststat.Stats{
		CPUPercent:  hoststat.CPUPercent(first, second),
		CollectedAt: time.Now(),
	}

	totalKB, availKB, err := hoststat.ParseMeminfo(sections[1])
	if err != nil {
		return hoststat.Stats{}, err
	}
	stats.FromMemory(totalKB, availKB)

	total, used, err := hoststat.ParseDF(sections[2])
	if err != nil {
		return hoststat.Stats{}, err
	}
	stats.FromDisk(total, used)

	if stats.CPUCores, err = strconv.Atoi(strings.TrimSpace(sections[3])); err != nil {
		return hoststat.Stats{}, fmt.Errorf("invalid core count %q", strings.TrimSpace(sections[3]))
	}
	return stats, nil
}
