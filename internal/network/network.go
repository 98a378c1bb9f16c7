// Package network implements the Network Allocator: per-container IPv4
// assignment out of a configured subnet, veth/bridge wiring, and the
// iptables rules that give a container NAT'd egress. Host networking is
// driven by shelling out to ip/iptables/nsenter rather than a netlink
// library.
package network

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ariafirmware/aria/internal/config"
	"github.com/ariafirmware/aria/internal/errs"
	"github.com/ariafirmware/aria/internal/store"
)

// Allocator hands out IPs from cfg.Subnet and wires bridge/veth/iptables
// for each container. It serializes allocation with an in-process mutex;
// the store's partial unique index is the durable backstop against a
// sibling process doing the same.
type Allocator struct {
	cfg       config.NetworkConfig
	store     *store.Store
	mu        sync.Mutex
	nextOctet int
	bridge    singleflight.Group
}

func New(cfg config.NetworkConfig, st *store.Store) (*Allocator, error) {
	if _, _, err := net.ParseCIDR(cfg.Subnet); err != nil {
		return nil, fmt.Errorf("parsing subnet %q: %w", cfg.Subnet, err)
	}
	return &Allocator{cfg: cfg, store: st, nextOctet: 2}, nil
}

// EnsureBridge creates the host bridge if it doesn't already exist. Safe
// to call repeatedly: concurrent callers collapse into one creation
// attempt, and `ip link add` failing because the link exists is not
// treated as an error.
func (a *Allocator) EnsureBridge(ctx context.Context) error {
	_, err, _ := a.bridge.Do(a.cfg.BridgeName, func() (any, error) {
		if err := runIP(ctx, "link", "add", "name", a.cfg.BridgeName, "type", "bridge"); err != nil &&
			!strings.Contains(err.Error(), "File exists") {
			return nil, fmt.Errorf("creating bridge %s: %w", a.cfg.BridgeName, err)
		}
		if err := runIP(ctx, "link", "set", a.cfg.BridgeName, "up"); err != nil {
			return nil, fmt.Errorf("bringing up bridge %s: %w", a.cfg.BridgeName, err)
		}
		return nil, nil
	})
	return err
}

// Reserve picks a free IPv4 address in cfg.Subnet and records the
// allocation row (status=allocated) with the veth names the container
// will use. No host interface is touched yet: wiring happens in Attach
// once the container has a pid. The critical section (find free IP +
// insert row) never spans a suspension point.
func (a *Allocator) Reserve(ctx context.Context, containerID string) (*store.NetworkAllocation, error) {
	if _, err := a.reserveIP(ctx, containerID); err != nil {
		return nil, err
	}
	return a.store.GetNetworkAllocation(ctx, containerID)
}

// Attach wires the reserved allocation into the container's network
// namespace (veth pair, bridge attach, NAT rules) and marks it active.
func (a *Allocator) Attach(ctx context.Context, containerID string, containerPID int) (*store.NetworkAllocation, error) {
	na, err := a.store.GetNetworkAllocation(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("looking up allocation for container %s: %w", containerID, err)
	}

	if err := a.wireVeth(ctx, na.VethHost, na.VethContainer, containerPID, na.IPv4); err != nil {
		_ = a.store.UpdateNetworkStatus(ctx, containerID, store.NetworkCleanupPending)
		return nil, fmt.Errorf("wiring network for container %s: %w", containerID, err)
	}
	if err := a.setupNAT(ctx, na.IPv4); err != nil {
		_ = a.store.UpdateNetworkStatus(ctx, containerID, store.NetworkCleanupPending)
		return nil, fmt.Errorf("setting up NAT for container %s: %w", containerID, err)
	}

	if err := a.store.UpdateNetworkStatus(ctx, containerID, store.NetworkActive); err != nil {
		return nil, err
	}
	return a.store.GetNetworkAllocation(ctx, containerID)
}

// reserveIP scans the subnet for a free address, retrying on a unique
// constraint conflict the way a concurrent allocator would surface one.
func (a *Allocator) reserveIP(ctx context.Context, containerID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	active, err := a.store.ListActiveIPs(ctx)
	if err != nil {
		return "", fmt.Errorf("listing active ips: %w", err)
	}

	_, subnet, _ := net.ParseCIDR(a.cfg.Subnet)
	base := subnet.IP.To4()
	if base == nil {
		return "", fmt.Errorf("subnet %s is not IPv4", a.cfg.Subnet)
	}

	for attempt := 0; attempt < 65534; attempt++ {
		octet := a.nextOctet
		a.nextOctet++
		if a.nextOctet > 254 {
			a.nextOctet = 2
		}
		candidate := net.IPv4(base[0], base[1], base[2], byte(octet)).String()
		if active[candidate] {
			continue
		}
		vethHost := fmt.Sprintf("veth%s", containerID[:8])
		_, err := a.store.CreateNetworkAllocation(ctx, containerID, candidate, a.cfg.BridgeName, vethHost, "eth0")
		if err == nil {
			return candidate, nil
		}
		// Unique-violation on ipv4: someone else took it between our scan
		// and our insert. Try the next candidate.
		active[candidate] = true
	}
	return "", errs.New(errs.KindDependency, "no free IP addresses in subnet "+a.cfg.Subnet, nil)
}

func (a *Allocator) wireVeth(ctx context.Context, vethHost, vethContainer string, containerPID int, ip string) error {
	if err := runIP(ctx, "link", "add", vethHost, "type", "veth", "peer", "name", vethContainer); err != nil {
		return fmt.Errorf("creating veth pair: %w", err)
	}
	if err := runIP(ctx, "link", "set", vethHost, "master", a.cfg.BridgeName); err != nil {
		return fmt.Errorf("attaching veth to bridge: %w", err)
	}
	if err := runIP(ctx, "link", "set", vethHost, "up"); err != nil {
		return fmt.Errorf("bringing up host veth: %w", err)
	}
	pidStr := fmt.Sprintf("%d", containerPID)
	if err := runIP(ctx, "link", "set", vethContainer, "netns", pidStr); err != nil {
		return fmt.Errorf("moving veth into container namespace: %w", err)
	}
	cidr := strings.SplitN(a.cfg.Subnet, "/", 2)
	mask := "16"
	if len(cidr) == 2 {
		mask = cidr[1]
	}
	if err := runNsenter(ctx, pidStr, "ip", "addr", "add", fmt.Sprintf("%s/%s", ip, mask), "dev", vethContainer); err != nil {
		return fmt.Errorf("assigning container ip: %w", err)
	}
	if err := runNsenter(ctx, pidStr, "ip", "link", "set", vethContainer, "up"); err != nil {
		return fmt.Errorf("bringing up container veth: %w", err)
	}
	if err := runNsenter(ctx, pidStr, "ip", "link", "set", "lo", "up"); err != nil {
		return fmt.Errorf("bringing up container loopback: %w", err)
	}
	return nil
}

// setupNAT adds MASQUERADE + FORWARD rules giving the container general
// outbound egress.
func (a *Allocator) setupNAT(ctx context.Context, ip string) error {
	if err := runIPTables(ctx, "-t", "nat", "-C", "POSTROUTING", "-s", ip, "-j", "MASQUERADE"); err != nil {
		if err := runIPTables(ctx, "-t", "nat", "-A", "POSTROUTING", "-s", ip, "-j", "MASQUERADE"); err != nil {
			return fmt.Errorf("adding masquerade rule: %w", err)
		}
	}
	if err := runIPTables(ctx, "-A", "FORWARD", "-s", ip, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("adding forward rule: %w", err)
	}
	if err := runIPTables(ctx, "-A", "FORWARD", "-d", ip, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("adding return forward rule: %w", err)
	}
	return nil
}

// Release tears down the iptables/veth state for a container's
// allocation. Called from the Cleanup Service's "network" resource step,
// after rootfs/mounts have drained.
func (a *Allocator) Release(ctx context.Context, na *store.NetworkAllocation) error {
	runIPTables(ctx, "-t", "nat", "-D", "POSTROUTING", "-s", na.IPv4, "-j", "MASQUERADE")
	runIPTables(ctx, "-D", "FORWARD", "-s", na.IPv4, "-j", "ACCEPT")
	runIPTables(ctx, "-D", "FORWARD", "-d", na.IPv4, "-j", "ACCEPT")
	runIP(ctx, "link", "del", na.VethHost)
	return a.store.UpdateNetworkStatus(ctx, na.ContainerID, store.NetworkCleaned)
}

func runIP(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "ip", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %s: %w (output: %s)", strings.Join(args, " "), err, string(out))
	}
	return nil
}

func runIPTables(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "iptables", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables %s: %w (output: %s)", strings.Join(args, " "), err, string(out))
	}
	return nil
}

func runNsenter(ctx context.Context, pid string, args ...string) error {
	full := append([]string{"-t", pid, "-n"}, args...)
	cmd := exec.CommandContext(ctx, "nsenter", full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("nsenter %s: %w (output: %s)", strings.Join(full, " "), err, string(out))
	}
	return nil
}
