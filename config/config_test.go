package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/scheduler/server"
)

func Test_Parse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
listenAddr: ":8080"
store:
  backend: sqlite
  path: /var/lib/helix/helix.db
scheduler:
  maxAttemptsPerTask: 5
  costSavingMode: true
nodes:
  - id: render01
    addr: http://render01:9091
    capabilities: [gpu-render, high-mem]
    capacity: {cpuCores: 32, memoryGB: 128, gpus: 2}
    powerCost: 3.5
tenants:
  - tenantId: anim
    minGuaranteed: {cpuCores: 16}
    maxBurst: {cpuCores: 48}
`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/var/lib/helix/helix.db", cfg.Store.Path)

	require.Len(t, cfg.Nodes, 1)
	assert.Equal(t, "render01", cfg.Nodes[0].ID)
	assert.Equal(t, 3.5, cfg.Nodes[0].PowerCost)

	require.Len(t, cfg.Tenants, 1)
	assert.Equal(t, "anim", cfg.Tenants[0].TenantID)
	assert.Equal(t, 16.0, cfg.Tenants[0].MinGuaranteed.CPUCores)
	assert.Equal(t, 48.0, cfg.Tenants[0].MaxBurst.CPUCores)
}

func Test_Parse_EmptyYieldsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().ListenAddr, cfg.ListenAddr)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func Test_Parse_Rejections(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
	}{
		{"unknown backend", "store:\n  backend: etcd\n"},
		{"sqlite without path", "store:\n  backend: sqlite\n"},
		{"node missing id", "nodes:\n  - capacity: {cpuCores: 8}\n"},
		{"duplicate node id", "nodes:\n  - id: a\n    capacity: {cpuCores: 8}\n  - id: a\n    capacity: {cpuCores: 8}\n"},
		{"node without capacity", "nodes:\n  - id: a\n"},
		{"tenant missing id", "tenants:\n  - minGuaranteed: {cpuCores: 8}\n"},
		{"malformed duration", "scheduler:\n  tickInterval: fast\n"},
		{"malformed ttl", "store:\n  backend: memory\n  ttl: 3 days\n"},
		{"malformed yaml", ": not yaml ["},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

// Unset knobs keep the scheduler defaults; set ones override.
func Test_SchedulerConfig_Overlay(t *testing.T) {
	cfg, err := Parse([]byte(`
scheduler:
  tickInterval: 1s
  maxAttemptsPerTask: 7
  utilizationLowWatermark: 0.5
  costSavingMode: true
`))
	require.NoError(t, err)

	sc := cfg.SchedulerConfig()
	def := server.DefaultSchedulerConfig()

	assert.Equal(t, time.Second, sc.TickInterval)
	assert.Equal(t, 7, sc.MaxAttemptsPerTask)
	assert.Equal(t, 0.5, sc.UtilizationLowWatermark)
	assert.True(t, sc.CostSavingMode)

	assert.Equal(t, def.HeartbeatInterval, sc.HeartbeatInterval)
	assert.Equal(t, def.PreemptionCooldown, sc.PreemptionCooldown)
	assert.Equal(t, def.MaxJobsPerTenant, sc.MaxJobsPerTenant)
}

func Test_MakeNodes(t *testing.T) {
	cfg, err := Parse([]byte(`
nodes:
  - id: gpu01
    capabilities: [gpu-fluid-sim]
    capacity: {cpuCores: 16, memoryGB: 64, gpus: 4}
  - id: cpu01
    capacity: {cpuCores: 64, memoryGB: 256}
    powerCost: 2
`))
	require.NoError(t, err)

	nodes := cfg.MakeNodes()
	require.Len(t, nodes, 2)

	assert.Equal(t, cluster.NodeId("gpu01"), nodes[0].Id())
	assert.True(t, nodes[0].Capabilities().Contains("gpu-fluid-sim"))
	assert.Equal(t, 1.0, nodes[0].PowerCost(), "zero power cost defaults to 1")
	assert.Equal(t, 2.0, nodes[1].PowerCost())
}

func Test_MakeStore_Backends(t *testing.T) {
	defCfg := DefaultConfig()
	mem, err := defCfg.MakeStore()
	require.NoError(t, err)
	defer mem.Close()
	require.NoError(t, mem.Put("k", []byte("v")))

	cfg := DefaultConfig()
	cfg.Store = StoreConfig{Backend: "sqlite", Path: t.TempDir() + "/helix.db"}
	sq, err := cfg.MakeStore()
	require.NoError(t, err)
	defer sq.Close()
	require.NoError(t, sq.Put("k", []byte("v")))
}
