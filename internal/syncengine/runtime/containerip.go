package runtime

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
)

// containerIP shells out to nsenter+ip to read the address bound to
// iface inside the namespace of pid. This only serves as a cross-check
// against the address the Network Allocator recorded; the allocator is
// the source of truth for what IP a container has.
func containerIP(ctx context.Context, pid int, iface string) (string, error) {
	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n", "ip", "-4", "addr", "show", iface)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("reading container ip: %w (output: %s)", err, string(out))
	}

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(fields[1])
		if err != nil {
			continue
		}
		return ip.String(), nil
	}
	return "", fmt.Errorf("no inet address found on %s in namespace of pid %d", iface, pid)
}
