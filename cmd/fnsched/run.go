package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/fnsched/pkg/events"
	"github.com/cuemby/fnsched/pkg/globalcoord"
	"github.com/cuemby/fnsched/pkg/health"
	"github.com/cuemby/fnsched/pkg/instancectrl"
	"github.com/cuemby/fnsched/pkg/localsvc"
	"github.com/cuemby/fnsched/pkg/log"
	"github.com/cuemby/fnsched/pkg/metastore"
	"github.com/cuemby/fnsched/pkg/resourceview"
	"github.com/cuemby/fnsched/pkg/tierlink"
	"github.com/cuemby/fnsched/pkg/types"
	"github.com/cuemby/fnsched/pkg/underlayer"
)

// runCmd brings up one local, one domain and one global tier in a single
// process, sharing a single tierlink.Router. tierlink is deliberately not
// a wire protocol (spec.md's Non-goals exclude "a transport protocol"),
// so this is the only mode in which the three tiers can actually dispatch
// schedule requests to one another; `fnsched serve local|domain|global`
// run as separate processes each own an isolated Router and can only be
// exercised independently or against a test harness standing in for
// their peers.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one local, one domain and one global tier together in a single process",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		diagAddr, _ := cmd.Flags().GetString("diag-addr")

		cfg, err := loadTierConfig(configPath, types.TierLocal)
		if err != nil {
			return err
		}
		localName := cfg.NodeName
		if localName == "" {
			localName = "local-1"
		}
		domainName := cfg.DomainName
		if domainName == "" {
			domainName = "domain-1"
		}
		globalName := cfg.GlobalName
		if globalName == "" {
			globalName = "global"
		}
		raftDataDir := cfg.DataDir
		if raftDataDir == "" {
			raftDataDir = "./data"
		}
		raftBindAddr := cfg.RaftBindAddress
		if raftBindAddr == "" {
			raftBindAddr = "127.0.0.1:7620"
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		checker := health.NewChecker("combined", localName)
		stopDiag := serveDiagnostics(diagAddr, checker)

		router := tierlink.NewRouter()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Global tier. Each tier's snapshot cache lives in its own
		// subdirectory of raftDataDir: bbolt holds an exclusive file lock,
		// and the global tier's Raft log already claims raftDataDir itself.
		globalStore, err := openTierStore(filepath.Join(raftDataDir, "global"))
		if err != nil {
			return fmt.Errorf("open global snapshot store: %w", err)
		}
		defer globalStore.Close()
		domainStore, err := openTierStore(filepath.Join(raftDataDir, "domain"))
		if err != nil {
			return fmt.Errorf("open domain snapshot store: %w", err)
		}
		defer domainStore.Close()
		localStore, err := openTierStore(filepath.Join(raftDataDir, "local"))
		if err != nil {
			return fmt.Errorf("open local snapshot store: %w", err)
		}
		defer localStore.Close()

		globalRV := resourceview.New(types.TierGlobal, globalName)
		if err := warmResourceView(globalStore, globalRV); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("global snapshot warm-up failed, starting from an empty view")
		}
		globalCtrl := instancectrl.New(instancectrl.Config{
			Tier:                 types.TierGlobal,
			AffinityRetryBackoff: cfg.ScheduleRetry.Backoff,
			RootRetryLimit:       3,
		}, globalRV, rootFramework(), router, nil)
		globalCtrl.SetEventBroker(broker)
		globalMgr := underlayer.New(underlayer.Config{
			HeartbeatInterval:  cfg.HeartbeatInterval,
			HeartbeatMaxMisses: cfg.HeartbeatMaxMisses,
		}, globalRV, globalCtrl, router, true)
		globalMgr.SetEventBroker(broker)

		var leading atomic.Bool
		registerGlobalEndpoint(router, globalName, globalCtrl, globalMgr, &leading)

		coord, err := globalcoord.New(globalcoord.Config{
			NodeID:    globalName,
			BindAddr:  raftBindAddr,
			DataDir:   raftDataDir,
			Bootstrap: true,
		}, router, func(isLeader bool) {
			leading.Store(isLeader)
			if isLeader {
				log.WithComponent("cmd").Info().Msg("single-node global tier acquired leadership")
			}
		})
		if err != nil {
			return fmt.Errorf("start global coordinator: %w", err)
		}
		defer func() { _ = coord.Shutdown() }()

		if !awaitLeadership(coord, 5*time.Second) {
			return fmt.Errorf("global tier did not acquire leadership in time")
		}
		globalMgr.UpdateUnderlayerTopo([]string{domainName})

		// Domain tier.
		domainRV := resourceview.New(types.TierDomain, domainName)
		if err := warmResourceView(domainStore, domainRV); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("domain snapshot warm-up failed, starting from an empty view")
		}
		domainCtrl := instancectrl.New(instancectrl.Config{
			Tier:                 types.TierDomain,
			AffinityRetryBackoff: cfg.ScheduleRetry.Backoff,
		}, domainRV, defaultFramework(), router, nil)
		domainCtrl.SetEventBroker(broker)
		domainMgr := underlayer.New(underlayer.Config{
			HeartbeatInterval:  cfg.HeartbeatInterval,
			HeartbeatMaxMisses: cfg.HeartbeatMaxMisses,
		}, domainRV, domainCtrl, router, false)
		domainMgr.SetEventBroker(broker)
		registerDomainEndpoint(router, domainName, domainCtrl, domainMgr)

		if _, err := coord.RegisterUnderlayer(domainName, localName); err != nil {
			return fmt.Errorf("seed domain topology: %w", err)
		}
		if err := registerWithParent(ctx, router, globalName, domainName, cfg.AID, raftBindAddr); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("domain registration with global tier failed")
		}
		go pingParentLoop(ctx, router, globalName, domainName, cfg.HeartbeatInterval)

		// Local tier.
		localRV := resourceview.New(types.TierLocal, localName)
		if err := warmResourceView(localStore, localRV); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("local snapshot warm-up failed, starting from an empty view")
		}
		localCtrl := instancectrl.New(instancectrl.Config{
			Tier:                 types.TierLocal,
			Parent:               domainName,
			AffinityRetryBackoff: cfg.ScheduleRetry.Backoff,
		}, localRV, defaultFramework(), router, nil)
		localCtrl.SetEventBroker(broker)

		client := metastore.NewMemoryClient()
		svc := localsvc.New(localsvc.Config{
			Node:       localName,
			AID:        cfg.AID,
			AK:         cfg.AK,
			Prefix:     cfg.Prefix,
			BusinessID: cfg.BusinessID,
			LeaseTTL:   cfg.LeaseTTL,
		}, client, localCtrl, router, domainName, globalName)
		svc.SetEventBroker(broker)
		registerLocalEndpoint(router, localName, svc)

		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start local service: %w", err)
		}
		if err := registerWithParent(ctx, router, domainName, localName, cfg.AID, cfg.BindAddress); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("local registration with domain tier failed")
		}
		go pingParentLoop(ctx, router, domainName, localName, cfg.HeartbeatInterval)

		checker.SetReady(true)
		log.WithComponent("cmd").Info().
			Str("local", localName).Str("domain", domainName).Str("global", globalName).
			Msg("combined tier hierarchy ready")

		waitForShutdown()

		checker.SetReady(false)
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := svc.Shutdown(sctx); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("local tier shutdown reported an error")
		}
		if err := persistResourceView(localStore, localRV); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("local snapshot persist failed")
		}
		if err := persistResourceView(domainStore, domainRV); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("domain snapshot persist failed")
		}
		if err := persistResourceView(globalStore, globalRV); err != nil {
			log.WithComponent("cmd").Warn().Err(err).Msg("global snapshot persist failed")
		}
		_ = stopDiag(sctx)
		return nil
	},
}

func awaitLeadership(coord *globalcoord.Coordinator, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if coord.IsLeader() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return coord.IsLeader()
}

func init() {
	runCmd.Flags().String("config", "", "Path to a tier YAML config file (defaults applied if omitted)")
	runCmd.Flags().String("diag-addr", "127.0.0.1:9423", "Bind address for the /metrics and /healthz endpoints")
}
