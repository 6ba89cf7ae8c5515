// helixd is the Helix scheduler daemon: it loads a config, builds the store
// and cluster registry, starts the scheduling loop and serves the HTTP API.
package main

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/helixfarm/helix/agent"
	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/common/log/hooks"
	"github.com/helixfarm/helix/common/stats"
	"github.com/helixfarm/helix/config"
	"github.com/helixfarm/helix/scheduler/api"
	"github.com/helixfarm/helix/scheduler/server"
)

func main() {
	var configPath string
	var logLevel string
	var local bool

	rootCmd := &cobra.Command{
		Use:   "helixd",
		Short: "Deadline-aware task scheduler for heterogeneous farm nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, local)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to YAML config (defaults apply if empty)")
	rootCmd.Flags().StringVar(&logLevel, "log_level", "info", "minimum log level: debug, info, warn, error")
	rootCmd.Flags().BoolVar(&local, "local", false, "run configured nodes as in-process fake agents (demo mode)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, logLevel string, local bool) error {
	log.AddHook(hooks.NewContextHook())
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := cfg.MakeStore()
	if err != nil {
		return err
	}
	defer st.Close()

	updateCh := make(chan []cluster.NodeUpdate, 16)
	registry := cluster.NewRegistry(cfg.MakeNodes(), updateCh)

	// Demo mode runs every configured node as a fake in-process agent, so a
	// single helixd binary is a complete farm to point helixctl at.
	factory := agent.HTTPFactory
	var farm *agent.FakeFarm
	if local {
		log.Info("Running in local demo mode with fake in-process agents")
		farm = agent.NewFakeFarm(nil, 10*time.Second)
		factory = farm.Factory
	}

	stat := stats.DefaultStatsReceiver()
	sched := server.NewStatefulScheduler(
		registry, st, factory, cfg.SchedulerConfig(), stat.Scope("sched"))
	if farm != nil {
		farm.SetSink(sched.HeartbeatSink())
	}

	for _, quota := range cfg.Tenants {
		if err := sched.SetTenantQuota(quota); err != nil {
			return err
		}
	}

	apiServer := api.NewServer(sched, sched, stat)
	return apiServer.ListenAndServe(cfg.ListenAddr)
}
