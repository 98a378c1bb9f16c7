package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ariafirmware/aria/internal/errs"
)

// CreateNetworkAllocation inserts an allocation row for a container. The
// caller is responsible for picking an IP not already in the active set;
// the partial unique index on (ipv4) WHERE status IN (allocated, active)
// is the last line of defense against a racing allocator.
func (s *Store) CreateNetworkAllocation(ctx context.Context, containerID, ipv4, bridge, vethHost, vethContainer string) (*NetworkAllocation, error) {
	na := &NetworkAllocation{
		ContainerID:   containerID,
		IPv4:          ipv4,
		BridgeName:    bridge,
		VethHost:      vethHost,
		VethContainer: vethContainer,
		Status:        NetworkAllocated,
		CreatedAt:     now(),
		UpdatedAt:     now(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO network_allocations (container_id, ipv4, bridge_name, veth_host, veth_container, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		na.ContainerID, na.IPv4, na.BridgeName, na.VethHost, na.VethContainer, na.Status, na.CreatedAt, na.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting network allocation for container %s: %w", containerID, err)
	}
	return na, nil
}

func scanNetworkAllocation(row interface{ Scan(...any) error }) (*NetworkAllocation, error) {
	var na NetworkAllocation
	if err := row.Scan(&na.ContainerID, &na.IPv4, &na.BridgeName, &na.VethHost, &na.VethContainer,
		&na.Status, &na.CreatedAt, &na.UpdatedAt); err != nil {
		return nil, err
	}
	return &na, nil
}

const networkColumns = `container_id, ipv4, bridge_name, veth_host, veth_container, status, created_at, updated_at`

// GetNetworkAllocation fetches a container's allocation, if any.
func (s *Store) GetNetworkAllocation(ctx context.Context, containerID string) (*NetworkAllocation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+networkColumns+` FROM network_allocations WHERE container_id = ?`, containerID)
	na, err := scanNetworkAllocation(row)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying network allocation for container %s: %w", containerID, err)
	}
	return na, nil
}

// ListActiveIPs returns every IP currently allocated or active, the set the
// Network Allocator must avoid when picking a new address.
func (s *Store) ListActiveIPs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT ipv4 FROM network_allocations WHERE status IN (?, ?)`, NetworkAllocated, NetworkActive)
	if err != nil {
		return nil, fmt.Errorf("listing active IPs: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("scanning ip: %w", err)
		}
		out[ip] = true
	}
	return out, rows.Err()
}

// UpdateNetworkStatus transitions an allocation's status.
func (s *Store) UpdateNetworkStatus(ctx context.Context, containerID string, status NetworkStatus) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE network_allocations SET status = ?, updated_at = ? WHERE container_id = ?`, status, now(), containerID)
	if err != nil {
		return fmt.Errorf("updating network allocation for container %s: %w", containerID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListAllocationsByStatus supports the Cleanup Service's scan for
// allocations needing teardown.
func (s *Store) ListAllocationsByStatus(ctx context.Context, status NetworkStatus) ([]*NetworkAllocation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+networkColumns+` FROM network_allocations WHERE status = ?`, status)
	if err != nil {
		return nil, fmt.Errorf("listing allocations in status %s: %w", status, err)
	}
	defer rows.Close()

	var out []*NetworkAllocation
	for rows.Next() {
		na, err := scanNetworkAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning allocation: %w", err)
		}
		out = append(out, na)
	}
	return out, rows.Err()
}

// ListAllocations returns every network allocation row, newest first.
func (s *Store) ListAllocations(ctx context.Context) ([]*NetworkAllocation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+networkColumns+` FROM network_allocations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing network allocations: %w", err)
	}
	defer rows.Close()

	var out []*NetworkAllocation
	for rows.Next() {
		na, err := scanNetworkAllocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning allocation: %w", err)
		}
		out = append(out, na)
	}
	return out, rows.Err()
}
