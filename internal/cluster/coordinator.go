// Package cluster implements LAN peer discovery over UDP broadcast and
// load-aware delegation of tasks to the least busy node.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/oxidehq/oxide/internal/config"
	"github.com/oxidehq/oxide/internal/data"
	"github.com/oxidehq/oxide/internal/logging"
	"github.com/oxidehq/oxide/pkg/types"
)

// maxDatagram is the discovery datagram size cap. Oversized announcements
// drop their per-service model lists before being sent.
const maxDatagram = 4096

// datagramType identifies discovery announcements on the wire.
const datagramType = "oxide_node"

// envelope is the discovery wire format.
type envelope struct {
	Type string          `json:"type"`
	Node *types.PeerNode `json:"node"`
}

// LocalView is the read-only slice of the orchestrator the coordinator
// advertises. Keeping it an interface avoids a dependency cycle and lets
// tests supply fixed numbers.
type LocalView interface {
	ActiveTasks() int
	TotalTasks() int
	ServicesSnapshot() map[string]types.PeerService
}

// Sampler reports current CPU and memory utilisation in percent.
type Sampler func(ctx context.Context) (cpuPct, memPct float64)

// systemSampler reads live utilisation via gopsutil.
func systemSampler(ctx context.Context) (float64, float64) {
	var cpuPct, memPct float64
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPct = vm.UsedPercent
	}
	return cpuPct, memPct
}

// Coordinator runs the three discovery loops (broadcast, listen, sweep) and
// answers node-selection queries for delegation.
type Coordinator struct {
	cfg      config.ClusterConfig
	store    *data.Store
	local    LocalView
	sample   Sampler
	nodeID   string
	hostname string
	log      zerolog.Logger

	table *peerTable

	mu     sync.Mutex
	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a coordinator with the node identity under dataDir, seeding
// the peer table from previously persisted rows. Persisted enabled flags
// survive the restart; health always starts false until a datagram proves
// the peer alive.
func New(cfg config.ClusterConfig, store *data.Store, local LocalView, dataDir string) (*Coordinator, error) {
	nodeID, err := LoadNodeID(filepath.Join(dataDir, "node_id"))
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()

	c := &Coordinator{
		cfg:      cfg,
		store:    store,
		local:    local,
		sample:   systemSampler,
		nodeID:   nodeID,
		hostname: hostname,
		log:      logging.Component("cluster"),
		table:    newPeerTable(),
	}

	seedCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	persisted, err := store.ListPeers(seedCtx)
	if err != nil {
		return nil, fmt.Errorf("seed peers: %w", err)
	}
	for _, p := range persisted {
		if p.NodeID == nodeID {
			continue
		}
		p.Healthy = false
		c.table.seed(*p)
	}

	return c, nil
}

// NodeID returns this node's stable identity.
func (c *Coordinator) NodeID() string { return c.nodeID }

// Start binds the discovery socket and launches the three loops. Stop joins
// them.
func (c *Coordinator) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: c.cfg.Port})
	if err != nil {
		return fmt.Errorf("bind discovery port %d: %w", c.cfg.Port, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(3)
	go c.broadcastLoop(loopCtx)
	go c.listenLoop(loopCtx)
	go c.sweepLoop(loopCtx)

	c.log.Info().Str("node", c.nodeID).Int("port", c.cfg.Port).
		Int("interval_sec", c.cfg.DiscoveryIntervalSec).Msg("cluster coordinator started")
	return nil
}

// Stop terminates the loops and releases the socket.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) interval() time.Duration {
	if c.cfg.DiscoveryIntervalSec > 0 {
		return time.Duration(c.cfg.DiscoveryIntervalSec) * time.Second
	}
	return 5 * time.Second
}

// broadcastLoop announces this node every discovery interval.
func (c *Coordinator) broadcastLoop(ctx context.Context) {
	defer c.wg.Done()

	addr := c.cfg.BroadcastAddr
	if addr == "" {
		addr = "255.255.255.255"
	}
	dest := &net.UDPAddr{IP: net.ParseIP(addr), Port: c.cfg.Port}

	out, err := net.DialUDP("udp4", nil, dest)
	if err != nil {
		c.log.Error().Err(err).Str("addr", dest.String()).Msg("cannot open broadcast socket")
		return
	}
	defer out.Close()

	ticker := time.NewTicker(c.interval())
	defer ticker.Stop()

	for {
		payload, err := c.announcement(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to build announcement")
		} else if _, err := out.Write(payload); err != nil {
			c.log.Warn().Err(err).Msg("broadcast send failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// announcement samples local load and marshals the discovery datagram,
// trimming model lists if the payload would exceed the size cap.
func (c *Coordinator) announcement(ctx context.Context) ([]byte, error) {
	cpuPct, memPct := c.sample(ctx)
	node := types.PeerNode{
		NodeID:        c.nodeID,
		Hostname:      c.hostname,
		IPAddress:     c.advertiseIP(),
		Port:          c.cfg.AdvertisePort,
		Services:      c.local.ServicesSnapshot(),
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		ActiveTasks:   c.local.ActiveTasks(),
		TotalTasks:    c.local.TotalTasks(),
		LastSeen:      time.Now(),
		Healthy:       true,
		Enabled:       true,
		Version:       Version,
		Features:      features,
	}

	payload, err := json.Marshal(envelope{Type: datagramType, Node: &node})
	if err != nil {
		return nil, err
	}
	if len(payload) <= maxDatagram {
		return payload, nil
	}

	for id, svc := range node.Services {
		svc.Models = nil
		node.Services[id] = svc
	}
	payload, err = json.Marshal(envelope{Type: datagramType, Node: &node})
	if err != nil {
		return nil, err
	}
	if len(payload) > maxDatagram {
		return nil, fmt.Errorf("announcement exceeds %d bytes even without model lists", maxDatagram)
	}
	return payload, nil
}

// advertiseIP resolves the address peers should reach us on: the configured
// override, else the outbound interface address.
func (c *Coordinator) advertiseIP() string {
	if c.cfg.AdvertiseIP != "" {
		return c.cfg.AdvertiseIP
	}
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return a.IP.String()
	}
	return "127.0.0.1"
}

// listenLoop ingests peer announcements until the socket closes.
func (c *Coordinator) listenLoop(ctx context.Context) {
	defer c.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, sender, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if !retryableReadErr(ctx, err) {
				return
			}
			c.log.Debug().Err(err).Msg("discovery read failed, retrying")
			continue
		}
		c.ingest(buf[:n], sender)
	}
}

// retryableReadErr reports whether the listener should keep reading after a
// failed receive. Transient socket errors (ICMP-induced refusals, short
// network blips) must not kill peer ingestion for the life of the process;
// only cancellation or a closed socket stop the loop.
func retryableReadErr(ctx context.Context, err error) bool {
	return ctx.Err() == nil && !errors.Is(err, net.ErrClosed)
}

// ingest parses one datagram and updates the peer table and store. Our own
// announcements echo back on the broadcast address and are dropped here.
func (c *Coordinator) ingest(raw []byte, sender *net.UDPAddr) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != datagramType || env.Node == nil {
		return
	}
	node := *env.Node
	if node.NodeID == c.nodeID || node.NodeID == "" {
		return
	}
	if node.IPAddress == "" && sender != nil {
		node.IPAddress = sender.IP.String()
	}
	node.LastSeen = time.Now()

	stored := c.table.upsert(node)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.UpsertPeer(ctx, &stored); err != nil {
		c.log.Warn().Err(err).Str("peer", node.NodeID).Msg("failed to persist peer")
	}
}

// sweepLoop ages peers out: unhealthy after three missed intervals, evicted
// from memory after six, purged from the store after 24 hours.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Coordinator) sweep() {
	now := time.Now()
	interval := c.interval()

	for _, id := range c.table.markUnhealthy(now.Add(-3 * interval)) {
		c.log.Warn().Str("peer", id).Msg("peer went silent, marking unhealthy")
	}
	for _, id := range c.table.evict(now.Add(-6 * interval)) {
		c.log.Info().Str("peer", id).Msg("peer evicted from table")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.store.MarkPeersUnhealthy(ctx, now.Add(-3*interval)); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist peer health")
	}
	if _, err := c.store.DeletePeersOlderThan(ctx, now.Add(-24*time.Hour)); err != nil {
		c.log.Warn().Err(err).Msg("failed to purge stale peers")
	}
}

// Peers returns the current table in insertion order.
func (c *Coordinator) Peers() []types.PeerNode {
	return c.table.list()
}

// SetEnabled flips a peer's delegation eligibility in the table and the
// store. Unknown node ids surface the store's not-found error.
func (c *Coordinator) SetEnabled(ctx context.Context, nodeID string, enabled bool) error {
	c.table.setEnabled(nodeID, enabled)
	return c.store.SetPeerEnabled(ctx, nodeID, enabled)
}

// SelectBestNode picks where a task of the given category should run. Nil
// means run locally: either no eligible peer exists or none beats the local
// load score. A peer is eligible when healthy, enabled, and advertising the
// required service (empty means any). Ties go to the local node, then to
// the longest-known peer. Category does not yet narrow the candidate set;
// it travels with the decision log so capability-aware selection can key on
// it later.
func (c *Coordinator) SelectBestNode(ctx context.Context, category, requiredService string) *types.PeerNode {
	cpuPct, memPct := c.sample(ctx)
	localScore := (cpuPct+memPct)/2 + 10*float64(c.local.ActiveTasks())

	var best *types.PeerNode
	for _, p := range c.table.list() {
		if !p.Healthy || !p.Enabled {
			continue
		}
		if requiredService != "" && !p.HasService(requiredService) {
			continue
		}
		peer := p
		if best == nil || peer.Score() < best.Score() {
			best = &peer
		}
	}

	if best == nil || best.Score() >= localScore {
		return nil
	}
	c.log.Info().Str("peer", best.NodeID).Str("category", category).
		Float64("peer_score", best.Score()).
		Float64("local_score", localScore).Msg("delegating to less loaded peer")
	return best
}
