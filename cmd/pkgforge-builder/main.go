// Command pkgforge-builder is the unattended build loop (mirroring
// distr1/distri's cmd/autobuilder): on every -interval tick or SIGHUP it
// runs a full archive/provision/plan/build/publish/docs cycle, serving a
// status page the whole time. With -catalog_repo set, each iteration first
// lists the repository's commits and runs only if it has at least one; the
// latest commit is not compared with the one seen on the previous
// iteration.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/template"
	"time"

	"github.com/distr1/pkgforge"
	"github.com/distr1/pkgforge/internal/catalog"
	"github.com/distr1/pkgforge/internal/docs"
	"github.com/distr1/pkgforge/internal/engine"
	"github.com/distr1/pkgforge/internal/env"
	"github.com/distr1/pkgforge/internal/model"
	"github.com/distr1/pkgforge/internal/plan"
	"github.com/distr1/pkgforge/internal/provision"
	"github.com/distr1/pkgforge/internal/publish"
	"github.com/distr1/pkgforge/internal/repo"
	"github.com/distr1/pkgforge/internal/store"
	"github.com/distr1/pkgforge/internal/trace"
	"github.com/distr1/pkgforge/internal/vm"
	"github.com/google/go-github/v27/github"
	"golang.org/x/oauth2"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

var accessToken = flag.String("github_access_token", "", "oauth2 GitHub access token for polling -catalog_repo")

type builder struct {
	cfg env.Config

	catalogRepo string

	status struct {
		sync.Mutex
		lastRun  time.Time
		lastErr  error
		lastPlan []string
	}

	runMu sync.Mutex
}

func (b *builder) runOnce(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	logger := log.New(os.Stdout, "[pkgforge-builder] ", log.LstdFlags)

	sources, err := catalogSources(b.cfg)
	if err != nil {
		return err
	}
	catCtx := &catalog.Ctx{Log: logger, WorkDir: b.cfg.WorkDir, Sources: sources, Cache: true}
	var detailsMap *model.PackageDetailsMap
	if b.cfg.SkipArchive {
		detailsMap, err = catCtx.Reuse()
	} else {
		detailsMap, err = catCtx.Archive(ctx)
	}
	if err != nil {
		return xerrors.Errorf("archiving: %w", err)
	}

	vmCtx := &vm.Ctx{
		Log:  logger,
		Name: b.cfg.VMName,
		Host: b.cfg.VMHost,
		User: b.cfg.VMUser,
		Dir:  b.cfg.VMDir,

		TunnelPort: b.cfg.ServerPort,
	}

	var baseline *provision.Baseline
	provCtx := &provision.Ctx{
		Log:          logger,
		VM:           vmCtx,
		WorkDir:      b.cfg.WorkDir,
		InitSnapshot: b.cfg.VMInitSnapshot,
		Timeout:      b.cfg.Timeout,
	}
	if b.cfg.SkipInstall {
		baseline, err = provCtx.Reuse()
	} else {
		provCtx.InstallerPath, err = fetchInstaller(ctx, b.cfg)
		if err != nil {
			return xerrors.Errorf("resolving installer: %w", err)
		}
		baseline, err = provCtx.Provision(ctx)
	}
	if err != nil {
		return xerrors.Errorf("provisioning: %w", err)
	}

	storeCtx := &store.Ctx{WorkDir: filepath.Join(b.cfg.WorkDir, "store")}
	if err := storeCtx.EnsureLayout(); err != nil {
		return err
	}

	planCtx := &plan.Ctx{
		Log:      logger,
		AllPkgs:  detailsMap.AllPkgs,
		Baseline: baseline.Pkgs,
		Details:  detailsMap.Details,
		Store:    storeCtx,
	}
	p, err := planCtx.Compute()
	if err != nil {
		return xerrors.Errorf("planning: %w", err)
	}

	b.status.Lock()
	b.status.lastPlan = b.status.lastPlan[:0]
	for _, it := range p.Items {
		b.status.lastPlan = append(b.status.lastPlan, it.String())
	}
	b.status.Unlock()

	if b.cfg.SkipBuild || len(p.Items) == 0 {
		logger.Printf("nothing to build (%d plan items)", len(p.Items))
		return nil
	}

	serverDir := filepath.Join(b.cfg.WorkDir, "server")
	pubCtx := &publish.Ctx{Log: logger, ServerDir: serverDir, SnapshotPkgs: detailsMap.SnapshotPkgs}

	// Seed the leakage check with names the catalog already carries from
	// prior runs, so a group that legitimately depends on an already-built
	// package isn't failed as using a package "not previously built".
	published, err := pubCtx.Published()
	if err != nil {
		logger.Printf("reading prior catalog state, assuming empty: %v", err)
		published = make(map[string]bool)
	}

	engCtx := &engine.Ctx{
		Log:              logger,
		VM:               vmCtx,
		Store:            storeCtx,
		Publisher:        pubCtx,
		Details:          detailsMap.Details,
		Baseline:         baseline.Pkgs,
		MaxBuildTogether: b.cfg.MaxBuildTogether,
		Timeout:          b.cfg.Timeout,
		Published:        published,
		Progress:         engine.DefaultProgress(os.Stdout),
		WorkDir:          b.cfg.WorkDir,
		MinFreeBytes:     1 << 30, // refuse to start a group with less than 1 GiB free
	}
	if err := engCtx.Run(ctx, p.Items); err != nil {
		return xerrors.Errorf("build engine: %w", err)
	}

	if !b.cfg.SkipDocs {
		var built []string
		for _, o := range engCtx.Outcomes {
			if o.Succeeded {
				built = append(built, o.Item.Members()...)
			}
		}
		docCtx := &docs.Ctx{Log: logger, VM: vmCtx, Store: storeCtx, Timeout: b.cfg.Timeout}
		dest := filepath.Join(b.cfg.WorkDir, "docs.tar.gz")
		if err := docCtx.Assemble(ctx, built, func() (io.WriteCloser, error) { return os.Create(dest) }); err != nil {
			logger.Printf("doc assembler: %v", err)
		}
	}

	return nil
}

// fetchInstaller resolves cfg.InstallerPlatformName against the snapshot
// site's installers/table.rktd (a platform-name -> filename map; parsed as
// JSON for the same reason internal/docs treats doc manifests as JSON, see
// that package's comment) and downloads the installer locally.
func fetchInstaller(ctx context.Context, cfg env.Config) (string, error) {
	src := pkgforge.CatalogSource{Path: cfg.SnapshotURL, PkgPath: strings.TrimSuffix(cfg.SnapshotURL, "/") + "/installers"}
	rc, err := repo.Reader(ctx, src, "table.rktd", true)
	if err != nil {
		return "", xerrors.Errorf("fetching installers/table.rktd: %w", err)
	}
	defer rc.Close()
	var table map[string]string
	if err := json.NewDecoder(rc).Decode(&table); err != nil {
		return "", xerrors.Errorf("decoding installers/table.rktd: %w", err)
	}
	filename, ok := table[cfg.InstallerPlatformName]
	if !ok {
		return "", xerrors.Errorf("no installer for platform %q", cfg.InstallerPlatformName)
	}

	body, err := repo.Reader(ctx, src, filename, true)
	if err != nil {
		return "", xerrors.Errorf("fetching installer %s: %w", filename, err)
	}
	defer body.Close()

	dest := filepath.Join(cfg.WorkDir, "installer")
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return "", err
	}
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, body); err != nil {
		return "", err
	}
	return dest, nil
}

func catalogSources(cfg env.Config) ([]pkgforge.CatalogSource, error) {
	sources := []pkgforge.CatalogSource{{
		Path:     cfg.SnapshotURL,
		PkgPath:  strings.TrimSuffix(cfg.SnapshotURL, "/") + "/catalog",
		Snapshot: true,
	}}
	for _, extra := range cfg.PkgCatalogs {
		sources = append(sources, pkgforge.CatalogSource{Path: extra, PkgPath: extra})
	}
	return sources, nil
}

func (b *builder) pollAndRun(ctx context.Context) error {
	if b.catalogRepo == "" {
		return b.runOnce(ctx)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: *accessToken})
	tc := oauth2.NewClient(ctx, ts)
	client := github.NewClient(tc)
	parts := strings.SplitN(strings.TrimPrefix(b.catalogRepo, "https://github.com/"), "/", 2)
	if len(parts) != 2 {
		return xerrors.Errorf("invalid -catalog_repo %q, want https://github.com/owner/repo", b.catalogRepo)
	}
	commits, _, err := client.Repositories.ListCommits(ctx, parts[0], parts[1], &github.CommitsListOptions{
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return xerrors.Errorf("listing commits: %w", err)
	}
	if len(commits) == 0 {
		return nil
	}
	return b.runOnce(ctx)
}

var statusTmpl = template.Must(template.New("").Funcs(template.FuncMap{
	"formatTimestamp": func(t time.Time) string { return t.Format(time.RFC3339) },
	"formatBytes": func(bytesFree uint64) string {
		switch {
		case bytesFree > 1024*1024*1024:
			return fmt.Sprintf("%.2f GiB", float64(bytesFree)/1024/1024/1024)
		case bytesFree > 1024*1024:
			return fmt.Sprintf("%.2f MiB", float64(bytesFree)/1024/1024)
		default:
			return fmt.Sprintf("%d bytes", bytesFree)
		}
	},
}).Parse(`<!DOCTYPE html>
<head>
<meta charset="utf-8">
<title>pkgforge builder status</title>
<style type="text/css">
td { padding: 0.4em; }
</style>
</head>
<body>
<h1>last run</h1>
<p>
completed {{ formatTimestamp .LastRun }}<br>
{{ if .LastErr }}error: <code>{{ .LastErr }}</code>{{ else }}ok{{ end }}<br>
free disk space {{ formatBytes .DiskSpace }}
</p>
<h1>last plan</h1>
<ol>
{{ range .Plan }}<li><code>{{ . }}</code></li>
{{ end }}
</ol>
</body>
</html>`))

func (b *builder) serveStatusPage(w http.ResponseWriter, r *http.Request) {
	b.status.Lock()
	defer b.status.Unlock()

	var fs unix.Statfs_t
	if err := unix.Statfs(b.cfg.WorkDir, &fs); err != nil {
		log.Println(err)
	}

	var buf bytes.Buffer
	err := statusTmpl.Execute(&buf, struct {
		LastRun   time.Time
		LastErr   error
		Plan      []string
		DiskSpace uint64
	}{
		LastRun:   b.status.lastRun,
		LastErr:   b.status.lastErr,
		Plan:      b.status.lastPlan,
		DiskSpace: fs.Bavail * uint64(fs.Bsize),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	io.Copy(w, &buf)
}

func main() {
	cfg := env.DefaultConfig()
	var (
		workDir     = flag.String("work_dir", cfg.WorkDir, "root of all host-side state")
		snapshotURL = flag.String("snapshot_url", "", "base URL of the installer + snapshot catalog")
		platform    = flag.String("installer_platform_name", cfg.InstallerPlatformName, "key into installers/table.rktd")
		pkgCatalogs = flag.String("pkg_catalogs", "", "comma-separated extra catalog URLs")
		vmName      = flag.String("vm_name", "", "VM identity for snapshot/power operations")
		vmHost      = flag.String("vm_host", "127.0.0.1", "VM transport target")
		vmUser      = flag.String("vm_user", "", "VM transport user")
		vmDir       = flag.String("vm_dir", "", "remote working directory")
		initSnap    = flag.String("vm_init_snapshot", cfg.VMInitSnapshot, "pristine snapshot restored before provisioning")
		skipInstall = flag.Bool("skip_install", false, "reuse the cached installer baseline")
		skipArchive = flag.Bool("skip_archive", false, "reuse the last catalog archive")
		skipBuild   = flag.Bool("skip_build", false, "compute the plan but do not build")
		skipDocs    = flag.Bool("skip_docs", false, "skip doc assembly")
		timeout     = flag.Duration("timeout", cfg.Timeout, "per-remote-command timeout")
		maxTogether = flag.Int("max_build_together", cfg.MaxBuildTogether, "group size before forced bisection")
		serverPort  = flag.Int("server_port", cfg.ServerPort, "loopback port for the catalog HTTP server")
		catalogRepo = flag.String("catalog_repo", "", "git repository of package definitions to poll (empty: build from local state without polling)")
		once        = flag.Bool("once", false, "do one iteration instead of polling on -interval")
		interval    = flag.Duration("interval", 15*time.Minute, "how frequently to rerun the build cycle (checking -catalog_repo first, if set)")
		tracefile   = flag.String("tracefile", "", "if set, write a Chrome trace event file prefixed with this name")
	)
	flag.Parse()

	if *tracefile != "" {
		if err := trace.Enable(*tracefile); err != nil {
			log.Fatal(err)
		}
	}

	cfg.WorkDir = *workDir
	cfg.SnapshotURL = *snapshotURL
	cfg.InstallerPlatformName = *platform
	if *pkgCatalogs != "" {
		cfg.PkgCatalogs = strings.Split(*pkgCatalogs, ",")
	}
	cfg.VMName = *vmName
	cfg.VMHost = *vmHost
	cfg.VMUser = *vmUser
	cfg.VMDir = *vmDir
	cfg.VMInitSnapshot = *initSnap
	cfg.SkipInstall = *skipInstall
	cfg.SkipArchive = *skipArchive
	cfg.SkipBuild = *skipBuild
	cfg.SkipDocs = *skipDocs
	cfg.Timeout = *timeout
	cfg.MaxBuildTogether = *maxTogether
	cfg.ServerPort = *serverPort

	ctx, canc := pkgforge.InterruptibleContext()
	defer canc()

	b := &builder{cfg: cfg, catalogRepo: *catalogRepo}

	serverDir := filepath.Join(cfg.WorkDir, "server")
	pubCtx := &publish.Ctx{Log: log.Default(), ServerDir: serverDir}
	go func() {
		if err := pubCtx.Serve(ctx, cfg.ServerPort); err != nil {
			log.Printf("catalog server: %v", err)
		}
	}()

	http.HandleFunc("/status", b.serveStatusPage)
	go http.ListenAndServe(":3719", nil)

	runAndRecord := func() {
		err := b.pollAndRun(ctx)
		b.status.Lock()
		b.status.lastRun = time.Now()
		b.status.lastErr = err
		b.status.Unlock()
		if err != nil {
			log.Printf("run: %v", err)
		}
	}

	if *once {
		runAndRecord()
		return
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	for {
		runAndRecord()
		select {
		case <-hup:
		case <-time.After(*interval):
		case <-ctx.Done():
			return
		}
	}
}
