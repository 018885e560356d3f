package adapters

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/broker/pkg/adapters/fake"
	"github.com/openfroyo/broker/pkg/engine"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fake.New("iaas")))
	require.NoError(t, r.Register(fake.New("hpc")))

	err := r.Register(fake.New("iaas"))
	assert.Error(t, err)

	a, err := r.Get("hpc")
	require.NoError(t, err)
	assert.Equal(t, "hpc", a.Type())

	_, err = r.Get("missing")
	assert.True(t, engine.IsNotFound(err))

	assert.Equal(t, []string{"hpc", "iaas"}, r.Backends())
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fake.New("iaas")))

	assert.Error(t, r.Route("hpc-allocation", "hpc"))
	require.NoError(t, r.Route("vm", "iaas"))

	key, a, err := r.Resolve("vm")
	require.NoError(t, err)
	assert.Equal(t, "iaas", key)
	assert.Equal(t, "iaas", a.Type())

	_, _, err = r.Resolve("gpu-node")
	assert.True(t, engine.IsInvalidRequest(err))
	assert.Equal(t, []string{"vm"}, r.ResourceTypes())
}

func TestRegistrySetRoutes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fake.New("iaas")))
	require.NoError(t, r.Register(fake.New("hpc")))
	require.NoError(t, r.Route("vm", "iaas"))

	err := r.SetRoutes(map[string]string{"hpc-allocation": "hpc", "gpu-node": "missing"})
	assert.Error(t, err)
	assert.Equal(t, []string{"vm"}, r.ResourceTypes(), "a failed replacement keeps the old routes")

	require.NoError(t, r.SetRoutes(map[string]string{"hpc-allocation": "hpc"}))
	assert.Equal(t, []string{"hpc-allocation"}, r.ResourceTypes())
	_, _, err = r.Resolve("vm")
	assert.True(t, engine.IsInvalidRequest(err))
}

func TestRegistryHealthCheck(t *testing.T) {
	r := NewRegistry()
	healthy := fake.New("iaas")
	broken := fake.New("hpc")
	broken.SetHealth(errors.New("ssh: connect: connection refused"))
	require.NoError(t, r.Register(healthy))
	require.NoError(t, r.Register(broken))

	failures := r.HealthCheck(context.Background())
	require.Len(t, failures, 1)
	assert.True(t, engine.IsTransient(failures["hpc"]))
}
