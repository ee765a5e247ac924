package main

import (
	"flag"
	"strings"

	"github.com/distr1/pkgforge/internal/env"
)

// configFromFlags parses, on a verb's own flag.FlagSet, the part of the
// configuration surface (spec.md §6) the verbs share: -work_dir,
// -snapshot_url, -installer_platform_name, -pkg_catalogs and -server_port.
// The VM, skip and build-tuning flags of pkgforge-builder are not accepted;
// those fields keep their DefaultConfig values.
func configFromFlags(args []string, verbName string) env.Config {
	cfg := env.DefaultConfig()
	fset := flag.NewFlagSet(verbName, flag.ExitOnError)
	fset.Usage = usage(fset, "pkgforge "+verbName+" [-flags]")

	workDir := fset.String("work_dir", cfg.WorkDir, "root of all host-side state")
	snapshotURL := fset.String("snapshot_url", cfg.SnapshotURL, "base URL of the installer + snapshot catalog")
	platform := fset.String("installer_platform_name", cfg.InstallerPlatformName, "key into installers/table.rktd")
	pkgCatalogs := fset.String("pkg_catalogs", "", "comma-separated extra catalog URLs")
	serverPort := fset.Int("server_port", cfg.ServerPort, "loopback port for the catalog HTTP server")
	fset.Parse(args)

	cfg.WorkDir = *workDir
	cfg.SnapshotURL = *snapshotURL
	cfg.InstallerPlatformName = *platform
	if *pkgCatalogs != "" {
		cfg.PkgCatalogs = strings.Split(*pkgCatalogs, ",")
	}
	cfg.ServerPort = *serverPort
	return cfg
}
