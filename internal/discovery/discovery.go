// Package discovery implements the UDP presence beacon peers use to find
// each other on the local subnet: each node periodically broadcasts its own
// address and listens for the same broadcast from others. Grounded on
// dir_sync/node_manager.py's discovery loop.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// BeaconInterval is how often a node broadcasts its presence.
const BeaconInterval = 10 * time.Second

const beaconPrefix = "NODE:"

// Connector is the subset of the peer registry discovery needs to act on a
// beacon from a peer it has not seen yet.
type Connector interface {
	Connect(addr string) error
}

// Beacon periodically broadcasts this node's own TCP listen address and
// listens for other nodes' beacons, connecting to any new one it hears.
type Beacon struct {
	selfIP        string
	listenPort    uint16
	broadcastPort uint16
	connector     Connector
	logger        *slog.Logger
}

// New creates a Beacon. selfIP is this node's own address, used both to
// build the outgoing beacon payload and to ignore beacons that are just an
// echo of our own broadcast.
func New(selfIP string, listenPort, broadcastPort uint16, connector Connector, logger *slog.Logger) *Beacon {
	return &Beacon{
		selfIP:        selfIP,
		listenPort:    listenPort,
		broadcastPort: broadcastPort,
		connector:     connector,
		logger:        logger.With("component", "discovery"),
	}
}

// Run sends a beacon every BeaconInterval until ctx is cancelled.
func (b *Beacon) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("255.255.255.255:%d", b.broadcastPort))
	if err != nil {
		return fmt.Errorf("discovery: resolving broadcast address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("discovery: opening broadcast socket: %w", err)
	}
	defer conn.Close()

	payload := []byte(fmt.Sprintf("%s%s:%d", beaconPrefix, b.selfIP, b.listenPort))

	ticker := time.NewTicker(BeaconInterval)
	defer ticker.Stop()

	for {
		if _, err := conn.WriteToUDP(payload, addr); err != nil {
			b.logger.Warn("sending beacon failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Listen receives beacons from other nodes until ctx is cancelled,
// connecting the registry to every previously-unseen peer it hears.
func (b *Beacon) Listen(ctx context.Context) error {
	addr := &net.UDPAddr{Port: int(b.broadcastPort)}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("discovery: listening on udp port %d: %w", b.broadcastPort, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 256)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				b.logger.Warn("reading beacon failed", "error", err)
				continue
			}
		}

		peerAddr, ip, port, ok := parseBeacon(buf[:n])
		if !ok {
			continue
		}
		if b.isSelf(ip, port) {
			continue
		}

		if err := b.connector.Connect(peerAddr); err != nil {
			b.logger.Warn("connecting to discovered peer failed", "peer_addr", peerAddr, "error", err)
		}
	}
}

// isSelf reports whether a parsed beacon is this node's own broadcast: same
// ip *and* same tcp listen port. Comparing ip alone would also drop every
// peer running on this same host (e.g. two local instances exercised on
// 127.0.0.1 with different listen ports), since they all share b.selfIP.
func (b *Beacon) isSelf(ip string, port uint16) bool {
	return ip == b.selfIP && port == b.listenPort
}

// parseBeacon parses a "NODE:<ip>:<port>" payload.
func parseBeacon(data []byte) (addr, ip string, port uint16, ok bool) {
	s := string(data)
	if !strings.HasPrefix(s, beaconPrefix) {
		return "", "", 0, false
	}
	s = strings.TrimPrefix(s, beaconPrefix)

	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", "", 0, false
	}
	ip = s[:idx]
	portStr := s[idx+1:]
	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", "", 0, false
	}
	return s, ip, uint16(p), true
}
