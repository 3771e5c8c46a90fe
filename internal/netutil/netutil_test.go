package netutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalIPReturnsParseableAddress(t *testing.T) {
	ip, err := LocalIP()
	if err != nil {
		t.Skipf("no network route available in this environment: %v", err)
	}
	require.NotEmpty(t, ip)
}

func TestAdvertiseAddrUsesGivenHost(t *testing.T) {
	addr, err := AdvertiseAddr("10.0.0.9", "8080")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.9:8080", addr)
}
