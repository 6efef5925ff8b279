package identity

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// Identity is the persistent node identity plus host descriptors used
// to build the local peer info.
type Identity struct {
	NodeID   string
	Hostname string
	OS       string
	CPUCores int
}

// LoadOrCreate reads the node id from node_id in dataDir, generating
// and persisting a fresh UUID on first run. The id survives restarts
// so peers and blacklists keep referring to the same node.
func LoadOrCreate(dataDir string) (*Identity, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	idPath := filepath.Join(dataDir, "node_id")
	nodeID := ""

	data, err := os.ReadFile(idPath)
	switch {
	case err == nil:
		nodeID = strings.TrimSpace(string(data))
	case os.IsNotExist(err):
		nodeID = uuid.New().String()
		if err := os.WriteFile(idPath, []byte(nodeID+"\n"), 0644); err != nil {
			return nil, fmt.Errorf("failed to persist node id: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to read node id: %w", err)
	}

	if nodeID == "" {
		return nil, fmt.Errorf("empty node id file: %s", idPath)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Identity{
		NodeID:   nodeID,
		Hostname: hostname,
		OS:       runtime.GOOS,
		CPUCores: runtime.NumCPU(),
	}, nil
}

// LocalIP returns the primary outbound IPv4 address. It opens a UDP
// "connection" (no packets are sent) to learn which interface the OS
// routes through, falling back to a non-loopback interface scan.
func LocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
