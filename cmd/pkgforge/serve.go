package main

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/distr1/pkgforge/internal/publish"
)

// cmdserve stands up the built-catalog HTTP server on its own, for
// operators who want to re-point a sandbox at an existing server/ tree
// without running a full build.
func cmdserve(ctx context.Context, args []string) error {
	cfg := configFromFlags(args, "serve")
	logger := log.New(os.Stderr, "[pkgforge serve] ", log.LstdFlags)

	pubCtx := &publish.Ctx{Log: logger, ServerDir: filepath.Join(cfg.WorkDir, "server")}
	return pubCtx.Serve(ctx, cfg.ServerPort)
}
