package network

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariafirmware/aria/internal/config"
	"github.com/ariafirmware/aria/internal/store"
)

func newAllocator(t *testing.T) (*Allocator, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "aria.db")
	st, err := store.Open(context.Background(), store.Config{Path: dbPath, MaxOpenConns: 1, BusyTimeoutMS: 5000}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	a, err := New(config.NetworkConfig{Subnet: "10.88.0.0/16", BridgeName: "aria0"}, st)
	require.NoError(t, err)
	return a, st
}

func TestNewRejectsBadSubnet(t *testing.T) {
	_, err := New(config.NetworkConfig{Subnet: "not-a-subnet"}, nil)
	require.Error(t, err)
}

func TestReserveAssignsDistinctAddresses(t *testing.T) {
	a, st := newAllocator(t)
	ctx := context.Background()

	first, err := a.Reserve(ctx, "container-one")
	require.NoError(t, err)
	second, err := a.Reserve(ctx, "container-two")
	require.NoError(t, err)
	assert.NotEqual(t, first.IPv4, second.IPv4)
	assert.Equal(t, store.NetworkAllocated, first.Status)

	active, err := st.ListActiveIPs(ctx)
	require.NoError(t, err)
	assert.True(t, active[first.IPv4])
	assert.True(t, active[second.IPv4])
}

func TestReserveSkipsTakenAddresses(t *testing.T) {
	a, st := newAllocator(t)
	ctx := context.Background()

	// Occupy the allocator's first candidate out-of-band.
	_, err := st.CreateNetworkAllocation(ctx, "squatter0", "10.88.0.2", "aria0", "vethsquat", "eth0")
	require.NoError(t, err)

	na, err := a.Reserve(ctx, "container-one")
	require.NoError(t, err)
	assert.NotEqual(t, "10.88.0.2", na.IPv4)
}

func TestReserveReusesReleasedAddresses(t *testing.T) {
	a, st := newAllocator(t)
	ctx := context.Background()

	na, err := a.Reserve(ctx, "container-one")
	require.NoError(t, err)
	require.NoError(t, st.UpdateNetworkStatus(ctx, "container-one", store.NetworkCleaned))

	// The allocator cycles through the octet space; a cleaned row no
	// longer blocks its address.
	a.nextOctet = 2
	reused, err := a.Reserve(ctx, "container-two")
	require.NoError(t, err)
	assert.Equal(t, na.IPv4, reused.IPv4)
}

func TestAllocationRecordsVethNames(t *testing.T) {
	a, st := newAllocator(t)
	ctx := context.Background()

	_, err := a.Reserve(ctx, "abcdef1234567890")
	require.NoError(t, err)

	na, err := st.GetNetworkAllocation(ctx, "abcdef1234567890")
	require.NoError(t, err)
	assert.Equal(t, "vethabcdef12", na.VethHost)
	assert.Equal(t, "eth0", na.VethContainer)
	assert.Equal(t, store.NetworkAllocated, na.Status)
}
