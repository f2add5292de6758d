package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/fnsched/pkg/affinity"
	"github.com/cuemby/fnsched/pkg/health"
	"github.com/cuemby/fnsched/pkg/metrics"
	"github.com/cuemby/fnsched/pkg/scheduling"
)

// defaultFramework wires the compiled-in filter/scorer pipeline spec.md
// §4.3/§4.4 describe: resource feasibility, heterogeneous card matching
// and the instance/pod scope's label-affinity plugins, running strict
// mode (optimality enforced once an ancestor's root scorer has handed
// off top-down).
func defaultFramework() *scheduling.Framework {
	return scheduling.NewRegistry().
		Register(scheduling.DefaultPreFilter{}).
		Register(scheduling.DefaultFilter{}).
		Register(scheduling.ResourceSelectorFilter{}).
		Register(scheduling.DefaultHeterogeneousFilter{}).
		Register(affinity.StrictNonRootLabelAffinityFilter).
		Register(scheduling.DefaultScorer{}).
		Register(scheduling.DefaultHeterogeneousScorer{}).
		Register(affinity.StrictLabelAffinityScorer).
		Build()
}

// rootFramework is the variant wired at the global tier: it uses the
// root label-affinity plugins, whose scorer marks an attempt as
// top-down so the strict filters further down the tree enforce
// preferred-affinity optimality.
func rootFramework() *scheduling.Framework {
	return scheduling.NewRegistry().
		Register(scheduling.DefaultPreFilter{}).
		Register(scheduling.DefaultFilter{}).
		Register(scheduling.ResourceSelectorFilter{}).
		Register(scheduling.DefaultHeterogeneousFilter{}).
		Register(affinity.StrictRootLabelAffinityFilter).
		Register(scheduling.DefaultScorer{}).
		Register(scheduling.DefaultHeterogeneousScorer{}).
		Register(affinity.StrictLabelAffinityScorer).
		Build()
}

// serveDiagnostics starts the /metrics and /healthz HTTP endpoints every
// tier process exposes, returning a shutdown func the caller runs during
// its own graceful-shutdown sequence.
func serveDiagnostics(addr string, checker *health.Checker) (shutdown func(context.Context) error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", checker.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("diagnostics server error: %v\n", err)
		}
	}()
	fmt.Printf("diagnostics listening on http://%s (/metrics, /healthz)\n", addr)

	return func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
