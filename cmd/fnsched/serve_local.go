package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/fnsched/pkg/events"
	"github.com/cuemby/fnsched/pkg/health"
	"github.com/cuemby/fnsched/pkg/instancectrl"
	"github.com/cuemby/fnsched/pkg/localsvc"
	"github.com/cuemby/fnsched/pkg/log"
	"github.com/cuemby/fnsched/pkg/metastore"
	"github.com/cuemby/fnsched/pkg/resourceview"
	"github.com/cuemby/fnsched/pkg/schederr"
	"github.com/cuemby/fnsched/pkg/tierlink"
	"github.com/cuemby/fnsched/pkg/types"
)

var serveLocalCmd = &cobra.Command{
	Use:   "local",
	Short: "Run a local tier process (C7, the lease registry and its Instance Controller)",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		diagAddr, _ := cmd.Flags().GetString("diag-addr")

		cfg, err := loadTierConfig(configPath, types.TierLocal)
		if err != nil {
			return err
		}
		if cfg.NodeName == "" {
			return fmt.Errorf("local tier requires nodeName (set in config)")
		}
		if cfg.DomainName == "" {
			return fmt.Errorf("local tier requires domainName (the parent to forward to)")
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		checker := health.NewChecker(string(types.TierLocal), cfg.NodeName)
		stopDiag := serveDiagnostics(diagAddr, checker)

		client := metastore.NewMemoryClient()
		router := tierlink.NewRouter()

		store, err := openTierStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open snapshot store: %w", err)
		}
		defer store.Close()

		rv := resourceview.New(types.TierLocal, cfg.NodeName)
		if err := warmResourceView(store, rv); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("snapshot warm-up failed, starting from an empty view")
		}
		ctrl := instancectrl.New(instancectrl.Config{
			Tier:                 types.TierLocal,
			Parent:               cfg.DomainName,
			AffinityRetryBackoff: cfg.ScheduleRetry.Backoff,
		}, rv, defaultFramework(), router, nil)
		ctrl.SetEventBroker(broker)

		svc := localsvc.New(localsvc.Config{
			Node:       cfg.NodeName,
			AID:        cfg.AID,
			AK:         cfg.AK,
			Prefix:     cfg.Prefix,
			BusinessID: cfg.BusinessID,
			LeaseTTL:   cfg.LeaseTTL,
		}, client, ctrl, router, cfg.DomainName, cfg.GlobalName)
		svc.SetEventBroker(broker)

		registerLocalEndpoint(router, cfg.NodeName, svc)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start local service: %w", err)
		}

		if err := registerWithParent(ctx, router, cfg.DomainName, cfg.NodeName, cfg.AID, cfg.BindAddress); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("initial domain registration failed, heartbeat loop will keep retrying")
		}
		go pingParentLoop(ctx, router, cfg.DomainName, cfg.NodeName, cfg.HeartbeatInterval)

		checker.SetReady(true)
		log.WithComponent("cmd").Info().Str("node", cfg.NodeName).Msg("local tier ready")

		waitForShutdown()

		checker.SetReady(false)
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := svc.Shutdown(sctx); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("local tier shutdown reported an error")
		}
		if err := persistResourceView(store, rv); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("snapshot persist failed")
		}
		_ = stopDiag(sctx)
		return nil
	},
}

// registerLocalEndpoint wires svc's RPC surface into router under name:
// the messages a domain tier dispatches down to a local tier.
func registerLocalEndpoint(router *tierlink.Router, name string, svc *localsvc.Service) {
	ep := router.Register(name)
	ep.Handle("Schedule", func(ctx context.Context, msg interface{}) (interface{}, error) {
		return svc.Schedule(ctx, msg.(*tierlink.ScheduleRequest))
	})
	ep.Handle("TryCancelSchedule", func(ctx context.Context, msg interface{}) (interface{}, error) {
		req := msg.(*tierlink.TryCancelScheduleRequest)
		return svc.TryCancelSchedule(ctx, req.RequestID, req.Canceller)
	})
	ep.Handle("EvictAgent", func(ctx context.Context, msg interface{}) (interface{}, error) {
		return svc.EvictAgent(ctx, msg.(*tierlink.EvictAgentRequest))
	})
	ep.Handle("PreemptInstances", func(ctx context.Context, msg interface{}) (interface{}, error) {
		return svc.PreemptInstances(ctx, msg.(*tierlink.PreemptInstancesRequest))
	})
}

// registerWithParent announces name to the domain (or global) tier at to,
// admitting it into that tier's underlayer topology and starting its
// heartbeat observer.
func registerWithParent(ctx context.Context, router *tierlink.Router, to, name, aid, address string) error {
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := router.Send(rctx, to, "Register", &tierlink.RegisterRequest{Name: name, Address: address, AID: aid})
	return err
}

// pingParentLoop sends a heartbeat Ping to the parent tier every interval,
// resetting its silence timer so a live local tier is never marked lost.
func pingParentLoop(ctx context.Context, router *tierlink.Router, to, name string, interval time.Duration) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, interval)
			_, err := router.Send(pctx, to, "Ping", &tierlink.PingRequest{From: name})
			cancel()
			if err != nil && !schederr.Is(err, schederr.LSForwardDomainTimeout) {
				log.WithComponent("cmd").Warn().Err(err).Msg("heartbeat ping failed")
			}
		}
	}
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nshutting down...")
}

func init() {
	serveLocalCmd.Flags().String("config", "", "Path to a tier YAML config file (defaults applied if omitted)")
	serveLocalCmd.Flags().String("diag-addr", "127.0.0.1:9420", "Bind address for the /metrics and /healthz endpoints")
}
