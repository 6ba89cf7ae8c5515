// Package config loads helixd's YAML configuration: listen address, store
// backend, scheduling knobs, static farm nodes and tenant quotas.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/scheduler/domain"
	"github.com/helixfarm/helix/scheduler/server"
	"github.com/helixfarm/helix/store"
)

type Config struct {
	// Address the API server listens on.
	ListenAddr string `yaml:"listenAddr"`

	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Static farm membership. Dynamic membership arrives through the
	// registry's update channel instead.
	Nodes []NodeConfig `yaml:"nodes"`

	// Tenant quotas installed at startup.
	Tenants []domain.TenantQuota `yaml:"tenants"`
}

type StoreConfig struct {
	// "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// Path of the sqlite database; ignored for memory.
	Path string `yaml:"path"`

	// Retention for archived records in the memory backend, parsed as a
	// time.Duration. Empty keeps everything.
	TTL string `yaml:"ttl"`
}

// Duration knobs are strings ("250ms", "5m") parsed with time.ParseDuration;
// empty means "use the scheduler default".
type SchedulerConfig struct {
	TickInterval            string  `yaml:"tickInterval"`
	HeartbeatInterval       string  `yaml:"heartbeatInterval"`
	HeartbeatTimeoutMult    int     `yaml:"heartbeatTimeoutMult"`
	DispatchAckTimeout      string  `yaml:"dispatchAckTimeout"`
	MaxAttemptsPerTask      int     `yaml:"maxAttemptsPerTask"`
	RetryBackoffBase        string  `yaml:"retryBackoffBase"`
	PreemptionCooldown      string  `yaml:"preemptionCooldown"`
	RebalanceInterval       string  `yaml:"rebalanceInterval"`
	UtilizationLowWatermark float64 `yaml:"utilizationLowWatermark"`
	CostSavingMode          bool    `yaml:"costSavingMode"`
	MaxJobsPerTenant        int     `yaml:"maxJobsPerTenant"`
	RecoverJobsOnStartup    bool    `yaml:"recoverJobsOnStartup"`
}

type NodeConfig struct {
	ID           string                 `yaml:"id"`
	Addr         string                 `yaml:"addr"`
	Capabilities []string               `yaml:"capabilities"`
	Capacity     cluster.ResourceVector `yaml:"capacity"`
	PowerCost    float64                `yaml:"powerCost"`
}

// DefaultConfig is a runnable local setup: memory store, one generic node.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "localhost:9090",
		Store:      StoreConfig{Backend: "memory"},
		Nodes: []NodeConfig{
			{ID: "local1", Addr: "http://localhost:9091", Capacity: cluster.ResourceVector{CPUCores: 8, MemoryGB: 32}, PowerCost: 1},
		},
	}
}

// Load reads and validates a YAML config file. An empty path yields
// DefaultConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML bytes over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path required for sqlite backend")
		}
	default:
		return errors.Errorf("unknown store backend %q", c.Store.Backend)
	}
	seen := map[string]bool{}
	for _, n := range c.Nodes {
		if n.ID == "" {
			return errors.New("node missing id")
		}
		if seen[n.ID] {
			return errors.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
		if n.Capacity.IsZero() {
			return errors.Errorf("node %q has no capacity", n.ID)
		}
	}
	for _, q := range c.Tenants {
		if q.TenantID == "" {
			return errors.New("tenant quota missing tenantId")
		}
	}
	durations := map[string]string{
		"store.ttl":                    c.Store.TTL,
		"scheduler.tickInterval":       c.Scheduler.TickInterval,
		"scheduler.heartbeatInterval":  c.Scheduler.HeartbeatInterval,
		"scheduler.dispatchAckTimeout": c.Scheduler.DispatchAckTimeout,
		"scheduler.retryBackoffBase":   c.Scheduler.RetryBackoffBase,
		"scheduler.preemptionCooldown": c.Scheduler.PreemptionCooldown,
		"scheduler.rebalanceInterval":  c.Scheduler.RebalanceInterval,
	}
	for name, val := range durations {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return errors.Errorf("%s: invalid duration %q", name, val)
		}
	}
	return nil
}

// duration parses a validated duration string, returning zero when unset.
func duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// MakeStore builds the configured store backend.
func (c *Config) MakeStore() (store.Store, error) {
	switch c.Store.Backend {
	case "sqlite":
		return store.MakeSQLiteStore(c.Store.Path)
	default:
		if ttl := duration(c.Store.TTL); ttl > 0 {
			return store.MakeMemoryStore(ttl, time.Minute), nil
		}
		return store.MakeMemoryStoreNoGC(), nil
	}
}

// MakeNodes converts static node entries into cluster nodes.
func (c *Config) MakeNodes() []cluster.Node {
	var nodes []cluster.Node
	for _, n := range c.Nodes {
		cost := n.PowerCost
		if cost == 0 {
			cost = 1
		}
		nodes = append(nodes, cluster.NewNode(
			n.ID, n.Addr, cluster.NewCapabilitySet(n.Capabilities...), n.Capacity, cost))
	}
	return nodes
}

// SchedulerConfig converts the YAML knobs onto the scheduler defaults.
func (c *Config) SchedulerConfig() server.SchedulerConfig {
	sc := server.DefaultSchedulerConfig()
	y := c.Scheduler
	if d := duration(y.TickInterval); d > 0 {
		sc.TickInterval = d
	}
	if d := duration(y.HeartbeatInterval); d > 0 {
		sc.HeartbeatInterval = d
	}
	if y.HeartbeatTimeoutMult > 0 {
		sc.HeartbeatTimeoutMult = y.HeartbeatTimeoutMult
	}
	if d := duration(y.DispatchAckTimeout); d > 0 {
		sc.DispatchAckTimeout = d
	}
	if y.MaxAttemptsPerTask > 0 {
		sc.MaxAttemptsPerTask = y.MaxAttemptsPerTask
	}
	if d := duration(y.RetryBackoffBase); d > 0 {
		sc.RetryBackoffBase = d
	}
	if d := duration(y.PreemptionCooldown); d > 0 {
		sc.PreemptionCooldown = d
	}
	if d := duration(y.RebalanceInterval); d > 0 {
		sc.RebalanceInterval = d
	}
	if y.UtilizationLowWatermark > 0 {
		sc.UtilizationLowWatermark = y.UtilizationLowWatermark
	}
	if y.MaxJobsPerTenant > 0 {
		sc.MaxJobsPerTenant = y.MaxJobsPerTenant
	}
	sc.CostSavingMode = y.CostSavingMode
	sc.RecoverJobsOnStartup = y.RecoverJobsOnStartup
	return sc
}
