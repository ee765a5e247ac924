package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/distr1/pkgforge"
	"github.com/distr1/pkgforge/internal/catalog"
	"github.com/distr1/pkgforge/internal/model"
	"github.com/distr1/pkgforge/internal/plan"
	"github.com/distr1/pkgforge/internal/provision"
	"github.com/distr1/pkgforge/internal/store"
)

// cmdplan computes and prints the invalidation planner's output without
// touching the VM or recording any build outcome (it only reads the
// artifact store, creating its directory layout if missing) — a dry run for
// operators inspecting what the next pkgforge-builder run would attempt.
func cmdplan(ctx context.Context, args []string) error {
	cfg := configFromFlags(args, "plan")
	logger := log.New(os.Stderr, "[pkgforge plan] ", log.LstdFlags)

	sources := []pkgforge.CatalogSource{{
		Path:     cfg.SnapshotURL,
		PkgPath:  strings.TrimSuffix(cfg.SnapshotURL, "/") + "/catalog",
		Snapshot: true,
	}}
	for _, extra := range cfg.PkgCatalogs {
		sources = append(sources, pkgforge.CatalogSource{Path: extra, PkgPath: extra})
	}

	catCtx := &catalog.Ctx{Log: logger, WorkDir: cfg.WorkDir, Sources: sources, Cache: true}
	details, err := catCtx.Archive(ctx)
	if err != nil {
		return err
	}

	provCtx := &provision.Ctx{Log: logger, WorkDir: cfg.WorkDir}
	baseline, err := provCtx.Reuse()
	if err != nil {
		logger.Printf("no cached installer baseline found, assuming an empty one: %v", err)
		baseline = &provision.Baseline{Pkgs: map[string]bool{}}
	}

	storeCtx := &store.Ctx{WorkDir: filepath.Join(cfg.WorkDir, "store")}
	if err := storeCtx.EnsureLayout(); err != nil {
		return err
	}

	planCtx := &plan.Ctx{
		Log:      logger,
		AllPkgs:  details.AllPkgs,
		Baseline: baseline.Pkgs,
		Details:  details.Details,
		Store:    storeCtx,
	}
	p, err := planCtx.Compute()
	if err != nil {
		return err
	}

	return printPlan(p)
}

func printPlan(p *model.Plan) error {
	fmt.Printf("%d plan item(s):\n", len(p.Items))
	for i, it := range p.Items {
		fmt.Printf("  %3d. %s\n", i+1, it.String())
	}
	if len(p.FailedPkgs) > 0 {
		fmt.Printf("%d package(s) remain up-to-date failures:\n", len(p.FailedPkgs))
		for pkg := range p.FailedPkgs {
			fmt.Printf("  - %s\n", pkg)
		}
	}
	return nil
}
