package clustering

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistrySetsIdentity(t *testing.T) {
	r, err := NewRegistry("127.0.0.1:8500", "ratchet-relay-2", "9090")
	require.NoError(t, err)
	assert.Equal(t, "ratchet-relay-2", r.instanceID)
	assert.Equal(t, "ratchet-relay-2", r.serviceID)
	assert.Equal(t, 9090, r.port)
}

func TestNewRegistryFallsBackToDefaultPortOnBadInput(t *testing.T) {
	r, err := NewRegistry("127.0.0.1:8500", "ratchet-relay-3", "not-a-port")
	require.NoError(t, err)
	assert.Equal(t, 8080, r.port)
}
