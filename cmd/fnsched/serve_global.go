package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/cuemby/fnsched/pkg/events"
	"github.com/cuemby/fnsched/pkg/globalcoord"
	"github.com/cuemby/fnsched/pkg/health"
	"github.com/cuemby/fnsched/pkg/instancectrl"
	"github.com/cuemby/fnsched/pkg/log"
	"github.com/cuemby/fnsched/pkg/resourceview"
	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/tierlink"
	"github.com/cuemby/fnsched/pkg/types"
	"github.com/cuemby/fnsched/pkg/underlayer"
)

var serveGlobalCmd = &cobra.Command{
	Use:   "global",
	Short: "Run a global tier process (Raft-replicated domain topology plus the cluster's scheduling root)",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		diagAddr, _ := cmd.Flags().GetString("diag-addr")

		cfg, err := loadTierConfig(configPath, types.TierGlobal)
		if err != nil {
			return err
		}
		if cfg.NodeName == "" {
			return fmt.Errorf("global tier requires nodeName (the Raft node id)")
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		checker := health.NewChecker(string(types.TierGlobal), cfg.NodeName)
		stopDiag := serveDiagnostics(diagAddr, checker)

		router := tierlink.NewRouter()

		store, err := openTierStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		defer store.Close()

		rv := resourceview.New(types.TierGlobal, cfg.GlobalName)
		if err := warmResourceView(store, rv); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("snapshot warm-up failed, starting from an empty view")
		}

		ctrl := instancectrl.New(instancectrl.Config{
			Tier:                 types.TierGlobal,
			AffinityRetryBackoff: cfg.ScheduleRetry.Backoff,
			RootRetryLimit:       3,
		}, rv, rootFramework(), router, nil)
		ctrl.SetEventBroker(broker)

		mgr := underlayer.New(underlayer.Config{
			HeartbeatInterval:  cfg.HeartbeatInterval,
			HeartbeatMaxMisses: cfg.HeartbeatMaxMisses,
		}, rv, ctrl, router, true)
		mgr.SetEventBroker(broker)
		if len(cfg.LocalMembers) > 0 {
			mgr.UpdateUnderlayerTopo(cfg.LocalMembers)
		}

		var leading atomic.Bool
		registerGlobalEndpoint(router, cfg.GlobalName, ctrl, mgr, &leading)

		coord, err := globalcoord.New(globalcoord.Config{
			NodeID:    cfg.NodeName,
			BindAddr:  cfg.RaftBindAddress,
			DataDir:   cfg.DataDir,
			Bootstrap: cfg.RaftBootstrap,
		}, router, func(isLeader bool) {
			leading.Store(isLeader)
			checker.SetReady(isLeader)
			if isLeader {
				log.WithComponent("cmd").Info().Str("node", cfg.NodeName).Msg("acquired global leadership")
			} else {
				log.WithComponent("cmd").Info().Str("node", cfg.NodeName).Msg("lost global leadership")
			}
		})
		if err != nil {
			return fmt.Errorf("start global coordinator: %w", err)
		}

		for _, peer := range cfg.RaftPeers {
			if coord.IsLeader() {
				if err := coord.Join(cfg.NodeName, peer); err != nil {
					log.WithComponent("cmd").Warn().Err(err).Str("peer", peer).Msg("join failed")
				}
			}
		}

		log.WithComponent("cmd").Info().Str("node", cfg.NodeName).Msg("global tier ready")

		waitForShutdown()

		checker.SetReady(false)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := coord.Shutdown(); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("global tier shutdown reported an error")
		}
		if err := persistResourceView(store, rv); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("snapshot persist failed")
		}
		_ = stopDiag(ctx)
		return nil
	},
}

// registerGlobalEndpoint registers the router endpoint called name that
// every domain's Underlayer Manager escalates to (ForwardSchedule,
// NotifySchedAbnormal), plus the top-down Schedule dispatch and the
// Register, UnRegister and Ping handlers; no TryCancelSchedule handler is
// registered. The Schedule and ForwardSchedule handlers reject with
// DomainSchedulerUnavailable while leading is false: only the Raft leader
// ever makes a scheduling decision.
func registerGlobalEndpoint(router *tierlink.Router, name string, ctrl *instancectrl.Controller, mgr *underlayer.Manager, leading *atomic.Bool) {
	ep := router.Register(name)
	ep.Handle("Schedule", func(ctx context.Context, msg interface{}) (interface{}, error) {
		if !leading.Load() {
			return nil, schederr.New(schederr.DomainSchedulerUnavailable, "not the global leader")
		}
		return ctrl.Schedule(ctx, msg.(*tierlink.ScheduleRequest))
	})
	ep.Handle("ForwardSchedule", func(ctx context.Context, msg interface{}) (interface{}, error) {
		if !leading.Load() {
			return nil, schederr.New(schederr.DomainSchedulerUnavailable, "not the global leader")
		}
		return mgr.ForwardSchedule(ctx, msg.(*tierlink.ForwardScheduleRequest))
	})
	ep.Handle("NotifySchedAbnormal", func(_ context.Context, msg interface{}) (interface{}, error) {
		req := msg.(*tierlink.NotifySchedAbnormalRequest)
		log.WithComponent("cmd").Error().Str("domain", req.Name).Str("reason", req.Reason).Msg("domain reported abnormal state")
		return &tierlink.ResponseNotifySchedAbnormal{Code: schederr.Success}, nil
	})
	ep.Handle("Register", func(_ context.Context, msg interface{}) (interface{}, error) {
		return mgr.Register(msg.(*tierlink.RegisterRequest), nil)
	})
	ep.Handle("UnRegister", func(_ context.Context, msg interface{}) (interface{}, error) {
		return &tierlink.RegisteredResponse{Code: schederr.Success}, nil
	})
	ep.Handle("Ping", func(_ context.Context, msg interface{}) (interface{}, error) {
		req := msg.(*tierlink.PingRequest)
		mgr.Heartbeat(req.From)
		return &tierlink.PongResponse{From: name, At: req.At}, nil
	})
}

func init() {
	serveGlobalCmd.Flags().String("config", "", "Path to a tier YAML config file (defaults applied if omitted)")
	serveGlobalCmd.Flags().String("diag-addr", "127.0.0.1:9422", "Bind address for the /metrics and /healthz endpoints")
}
