package peers

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/midrender/midrender/pkg/log"
	"github.com/rs/zerolog"
)

const heartbeatInterval = 3 * time.Second

// Multicast is the UDP side channel: a heartbeat datagram broadcast
// every few seconds and a goodbye on clean stop. It accelerates
// discovery and liveness; the filesystem and HTTP paths stay
// authoritative.
type Multicast struct {
	port     int
	self     SelfFunc
	registry *Registry

	conn   *net.UDPConn
	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewMulticast creates the UDP plane on the shared farm port.
func NewMulticast(port int, self SelfFunc, registry *Registry) *Multicast {
	return &Multicast{
		port:     port,
		self:     self,
		registry: registry,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("udp"),
	}
}

// Start binds the socket and launches the sender and receiver.
func (m *Multicast) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: m.port})
	if err != nil {
		return fmt.Errorf("failed to bind udp port %d: %w", m.port, err)
	}
	m.conn = conn

	go m.receiveLoop()
	go m.sendLoop()
	return nil
}

// Stop broadcasts a goodbye and tears the socket down.
func (m *Multicast) Stop() {
	close(m.stopCh)
	m.sendGoodbye()
	m.conn.Close()
	<-m.doneCh
}

func (m *Multicast) broadcastAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4bcast, Port: m.port}
}

func (m *Multicast) sendLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	m.sendHeartbeat()
	for {
		select {
		case <-ticker.C:
			m.sendHeartbeat()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Multicast) sendHeartbeat() {
	self := m.self()
	hb := Heartbeat{
		T:      "hb",
		NodeID: self.NodeID,
		IP:     self.IP,
		Port:   self.HTTPPort,
		State:  string(self.NodeState),
		Render: string(self.RenderState),
		Job:    self.ActiveJob,
		Chunk:  self.ActiveChunk,
		Pri:    self.Priority,
	}
	m.send(&hb)
}

func (m *Multicast) sendGoodbye() {
	m.send(&Heartbeat{T: "bye", NodeID: m.self().NodeID})
}

func (m *Multicast) send(hb *Heartbeat) {
	data, err := json.Marshal(hb)
	if err != nil {
		return
	}
	if _, err := m.conn.WriteToUDP(data, m.broadcastAddr()); err != nil {
		m.logger.Debug().Err(err).Msg("udp send failed")
	}
}

func (m *Multicast) receiveLoop() {
	defer close(m.doneCh)

	buf := make([]byte, 2048)
	selfID := m.self().NodeID

	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.logger.Debug().Err(err).Msg("udp receive failed")
				continue
			}
		}

		var hb Heartbeat
		if err := json.Unmarshal(buf[:n], &hb); err != nil {
			continue
		}
		if hb.NodeID == "" || hb.NodeID == selfID {
			continue
		}

		nowMS := time.Now().UnixMilli()
		switch hb.T {
		case "hb":
			if hb.IP == "" {
				hb.IP = addr.IP.String()
			}
			m.registry.Apply(Update{
				Kind:      UpdateUDPHeartbeat,
				NodeID:    hb.NodeID,
				Heartbeat: &hb,
				NowMS:     nowMS,
			})
		case "bye":
			m.registry.Apply(Update{Kind: UpdateUDPGoodbye, NodeID: hb.NodeID, NowMS: nowMS})
		}
	}
}
