package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/fnsched/pkg/events"
	"github.com/cuemby/fnsched/pkg/health"
	"github.com/cuemby/fnsched/pkg/instancectrl"
	"github.com/cuemby/fnsched/pkg/log"
	"github.com/cuemby/fnsched/pkg/resourceview"
	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/tierlink"
	"github.com/cuemby/fnsched/pkg/types"
	"github.com/cuemby/fnsched/pkg/underlayer"
)

var serveDomainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Run a domain tier process (C6, the Underlayer Manager over a set of local tiers)",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		diagAddr, _ := cmd.Flags().GetString("diag-addr")

		cfg, err := loadTierConfig(configPath, types.TierDomain)
		if err != nil {
			return err
		}
		if cfg.NodeName == "" {
			return fmt.Errorf("domain tier requires nodeName (the name it registers under with the global tier)")
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		checker := health.NewChecker(string(types.TierDomain), cfg.NodeName)
		stopDiag := serveDiagnostics(diagAddr, checker)

		router := tierlink.NewRouter()

		store, err := openTierStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		defer store.Close()

		rv := resourceview.New(types.TierDomain, cfg.NodeName)
		if err := warmResourceView(store, rv); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("snapshot warm-up failed, starting from an empty view")
		}

		ctrl := instancectrl.New(instancectrl.Config{
			Tier:                 types.TierDomain,
			AffinityRetryBackoff: cfg.ScheduleRetry.Backoff,
		}, rv, defaultFramework(), router, nil)
		ctrl.SetEventBroker(broker)

		mgr := underlayer.New(underlayer.Config{
			HeartbeatInterval:  cfg.HeartbeatInterval,
			HeartbeatMaxMisses: cfg.HeartbeatMaxMisses,
		}, rv, ctrl, router, cfg.IsRootDomain)
		mgr.SetEventBroker(broker)

		if len(cfg.LocalMembers) > 0 {
			mgr.UpdateUnderlayerTopo(cfg.LocalMembers)
		}

		registerDomainEndpoint(router, cfg.NodeName, ctrl, mgr)

		checker.SetReady(true)
		log.WithComponent("cmd").Info().Str("domain", cfg.NodeName).Msg("domain tier ready")

		waitForShutdown()

		checker.SetReady(false)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := persistResourceView(store, rv); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("snapshot persist failed")
		}
		_ = stopDiag(ctx)
		return nil
	},
}

// registerDomainEndpoint wires the router surface a domain tier answers:
// "Schedule" from its own top-down dispatch winner path, "ForwardSchedule"
// escalated from a local tier, "Register"/"UnRegister"/"Ping" from the
// local tiers beneath it, and "UpdateSchedTopoView" pushed down by a
// leading global tier after a committed membership change.
func registerDomainEndpoint(router *tierlink.Router, name string, ctrl *instancectrl.Controller, mgr *underlayer.Manager) {
	ep := router.Register(name)
	ep.Handle("Schedule", func(ctx context.Context, msg interface{}) (interface{}, error) {
		return ctrl.Schedule(ctx, msg.(*tierlink.ScheduleRequest))
	})
	ep.Handle("ForwardSchedule", func(ctx context.Context, msg interface{}) (interface{}, error) {
		return mgr.ForwardSchedule(ctx, msg.(*tierlink.ForwardScheduleRequest))
	})
	ep.Handle("TryCancelSchedule", func(ctx context.Context, msg interface{}) (interface{}, error) {
		req := msg.(*tierlink.TryCancelScheduleRequest)
		return ctrl.TryCancelSchedule(ctx, req.RequestID, req.Canceller)
	})
	ep.Handle("Register", func(_ context.Context, msg interface{}) (interface{}, error) {
		return mgr.Register(msg.(*tierlink.RegisterRequest), nil)
	})
	ep.Handle("UnRegister", func(_ context.Context, msg interface{}) (interface{}, error) {
		// Membership removal happens through UpdateUnderlayerTopo; an
		// explicit UnRegister just acknowledges so the local tier's
		// shutdown sequence can proceed.
		return &tierlink.RegisteredResponse{Code: schederr.Success}, nil
	})
	ep.Handle("Ping", func(_ context.Context, msg interface{}) (interface{}, error) {
		req := msg.(*tierlink.PingRequest)
		mgr.Heartbeat(req.From)
		return &tierlink.PongResponse{From: name, At: req.At}, nil
	})
	ep.Handle("UpdateSchedTopoView", func(_ context.Context, msg interface{}) (interface{}, error) {
		mgr.UpdateUnderlayerTopo(msg.(*tierlink.UpdateSchedTopoViewRequest).Members)
		return &tierlink.RegisteredResponse{Code: schederr.Success}, nil
	})
}

func init() {
	serveDomainCmd.Flags().String("config", "", "Path to a tier YAML config file (defaults applied if omitted)")
	serveDomainCmd.Flags().String("diag-addr", "127.0.0.1:9421", "Bind address for the /metrics and /healthz endpoints")
}
