package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oxidehq/oxide/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PEER OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// UpsertPeer inserts or refreshes a discovered node. first_seen and the
// operator-controlled enabled flag survive refreshes; everything else is
// overwritten by the latest datagram.
func (s *Store) UpsertPeer(ctx context.Context, node *types.PeerNode) error {
	if node.NodeID == "" {
		return fmt.Errorf("peer node ID cannot be empty")
	}

	servicesJSON, err := json.Marshal(node.Services)
	if err != nil {
		return fmt.Errorf("marshal services: %w", err)
	}
	featuresJSON, err := json.Marshal(node.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}

	now := time.Now()
	lastSeen := node.LastSeen
	if lastSeen.IsZero() {
		lastSeen = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO peers (
			node_id, hostname, ip_address, port, services,
			cpu_percent, memory_percent, active_tasks, total_tasks,
			last_seen, first_seen, healthy, enabled, version, features
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			hostname = excluded.hostname,
			ip_address = excluded.ip_address,
			port = excluded.port,
			services = excluded.services,
			cpu_percent = excluded.cpu_percent,
			memory_percent = excluded.memory_percent,
			active_tasks = excluded.active_tasks,
			total_tasks = excluded.total_tasks,
			last_seen = excluded.last_seen,
			healthy = excluded.healthy,
			version = excluded.version,
			features = excluded.features
	`,
		node.NodeID, node.Hostname, node.IPAddress, node.Port, string(servicesJSON),
		node.CPUPercent, node.MemoryPercent, node.ActiveTasks, node.TotalTasks,
		lastSeen, now, boolToInt(node.Healthy), nullString(node.Version), string(featuresJSON),
	)
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

// GetPeer retrieves one peer by node ID.
func (s *Store) GetPeer(ctx context.Context, nodeID string) (*types.PeerNode, error) {
	node, err := scanPeer(s.db.QueryRowContext(ctx, peerSelect+` WHERE node_id = ?`, nodeID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("peer not found: %s", nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("query peer: %w", err)
	}
	return node, nil
}

// ListPeers returns every known peer in discovery order (oldest first).
func (s *Store) ListPeers(ctx context.Context) ([]*types.PeerNode, error) {
	rows, err := s.db.QueryContext(ctx, peerSelect+` ORDER BY first_seen, node_id`)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer rows.Close()

	var out []*types.PeerNode
	for rows.Next() {
		node, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

// DeletePeer forgets a node entirely.
func (s *Store) DeletePeer(ctx context.Context, nodeID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE node_id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("peer not found: %s", nodeID)
	}
	return nil
}

// SetPeerEnabled flips the operator-controlled delegation flag.
func (s *Store) SetPeerEnabled(ctx context.Context, nodeID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE peers SET enabled = ? WHERE node_id = ?`, boolToInt(enabled), nodeID)
	if err != nil {
		return fmt.Errorf("update peer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("peer not found: %s", nodeID)
	}
	return nil
}

// MarkPeersUnhealthy flags peers not heard from since the cutoff. Returns
// how many flipped.
func (s *Store) MarkPeersUnhealthy(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE peers SET healthy = 0 WHERE healthy = 1 AND last_seen < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark peers unhealthy: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeletePeersOlderThan removes peers not heard from since the cutoff.
// Returns how many were removed.
func (s *Store) DeletePeersOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale peers: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const peerSelect = `
	SELECT node_id, hostname, ip_address, port, services,
	       cpu_percent, memory_percent, active_tasks, total_tasks,
	       last_seen, first_seen, healthy, enabled, version, features
	FROM peers
`

func scanPeer(row rowScanner) (*types.PeerNode, error) {
	var node types.PeerNode
	var servicesJSON, featuresJSON string
	var healthy, enabled int
	var version sql.NullString

	err := row.Scan(
		&node.NodeID, &node.Hostname, &node.IPAddress, &node.Port, &servicesJSON,
		&node.CPUPercent, &node.MemoryPercent, &node.ActiveTasks, &node.TotalTasks,
		&node.LastSeen, &node.FirstSeen, &healthy, &enabled, &version, &featuresJSON,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(servicesJSON), &node.Services); err != nil {
		return nil, fmt.Errorf("unmarshal services: %w", err)
	}
	if err := json.Unmarshal([]byte(featuresJSON), &node.Features); err != nil {
		return nil, fmt.Errorf("unmarshal features: %w", err)
	}

	node.Healthy = healthy == 1
	node.Enabled = enabled == 1
	node.Version = version.String

	return &node, nil
}
