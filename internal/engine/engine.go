// Package engine implements the Build Engine (C6): it walks the planner's
// ordered items, batches adjacent items up to max_build_together, and
// drives one restore/install/leakage-check/doc-extraction/publish cycle per
// batch, bisecting on group failure. The batching-with-worker-status shape
// follows distri/internal/batch.scheduler; the actual per-command execution
// is delegated to internal/vm, replacing batch's local exec.Command calls.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/distr1/pkgforge/internal/model"
	"github.com/distr1/pkgforge/internal/oninterrupt"
	"github.com/distr1/pkgforge/internal/publish"
	"github.com/distr1/pkgforge/internal/store"
	"github.com/distr1/pkgforge/internal/trace"
	"github.com/distr1/pkgforge/internal/vm"
	"github.com/klauspost/compress/zip"
	"github.com/mattn/go-isatty"
	"github.com/orcaman/writerseeker"
	"golang.org/x/sys/unix"
)

// DefaultProgress returns a Ctx.Progress callback that redraws a single
// status line with carriage returns when out is an interactive terminal
// (replacing distri/internal/batch's raw termios check with the pack's
// dedicated isatty dependency), and falls back to one line per update
// otherwise so output piped to a log file or journald stays grep-able.
func DefaultProgress(out *os.File) func(done, total int) {
	interactive := isatty.IsTerminal(out.Fd())
	return func(done, total int) {
		if interactive {
			fmt.Fprintf(out, "\rbuilding: %d/%d plan items", done, total)
			if done == total {
				fmt.Fprintln(out)
			}
			return
		}
		fmt.Fprintf(out, "building: %d/%d plan items\n", done, total)
	}
}

const installedSnapshot = "installed"

// Ctx is a build engine context.
type Ctx struct {
	Log *log.Logger

	VM        *vm.Ctx
	Store     *store.Ctx
	Publisher *publish.Ctx

	Details  map[string]model.PackageDetails
	Baseline map[string]bool // I

	MaxBuildTogether int
	Timeout          time.Duration

	// WorkDir and MinFreeBytes gate each group attempt on available host
	// disk space (pulled artifacts and published zips land under WorkDir).
	// MinFreeBytes of zero disables the check.
	WorkDir      string
	MinFreeBytes uint64

	// Published tracks names the publisher has already emitted, for the
	// leakage check's "already published in the built catalog" clause.
	Published map[string]bool

	Outcomes []model.BuildOutcome

	// Progress, if set, is called after each batch of top-level plan items
	// is resolved (built, failed, or bisected away), reporting how many of
	// the original items have been consumed.
	Progress func(done, total int)
}

func (c *Ctx) checksum(pkg string) string { return c.Details[pkg].Checksum }

// Run drives every plan item to completion (possibly via bisection).
func (c *Ctx) Run(ctx context.Context, items []model.PlanItem) error {
	i := 0
	for i < len(items) {
		batch, n := c.nextBatch(items[i:])
		if err := c.attempt(ctx, batch); err != nil {
			return err
		}
		i += n
		if c.Progress != nil {
			c.Progress(i, len(items))
		}
	}
	return nil
}

// nextBatch greedily collects adjacent plan items whose combined member
// count fits under max_build_together, always consuming at least one item
// even if that item alone (an oversized SCC) exceeds the cap — an SCC is
// never split (spec.md §4.6 tie-breaks).
func (c *Ctx) nextBatch(items []model.PlanItem) ([]model.PlanItem, int) {
	total := len(items[0].Members())
	n := 1
	for n < len(items) {
		next := len(items[n].Members())
		if total+next > c.MaxBuildTogether {
			break
		}
		total += next
		n++
	}
	return items[:n], n
}

func flatten(batch []model.PlanItem) []string {
	var members []string
	for _, it := range batch {
		members = append(members, it.Members()...)
	}
	return members
}

// attempt drives one batch through restore/install/leakage/docs, bisecting
// on failure per spec.md §4.6 steps 6-7.
func (c *Ctx) attempt(ctx context.Context, batch []model.PlanItem) error {
	members := flatten(batch)
	if len(members) > c.MaxBuildTogether && len(batch) > 1 {
		return c.bisect(ctx, batch)
	}

	ev := trace.Event("build "+strings.Join(members, ","), 0)
	failFast := len(batch) == 1 && len(members) == 1
	result, artifacts := c.tryGroup(ctx, members, failFast)
	ev.Done()

	if result.Outcome == vm.Ok {
		c.recordSuccess(batch, artifacts)
		return nil
	}

	if len(batch) == 1 {
		c.recordFailure(batch[0], result.Transcript, artifacts)
		return nil
	}
	return c.bisect(ctx, batch)
}

func (c *Ctx) bisect(ctx context.Context, batch []model.PlanItem) error {
	mid := len(batch) / 2
	if mid == 0 {
		mid = 1
	}
	if err := c.attempt(ctx, batch[:mid]); err != nil {
		return err
	}
	return c.attempt(ctx, batch[mid:])
}

// artifact holds one package's produced build output, pulled back from the
// VM regardless of whether the overall group succeeded (spec.md §4.6 step
// 4: "Success of this step alone does not imply overall success.").
type artifact struct {
	zip  []byte
	docs []byte
}

// tryGroup restores the installed snapshot, starts the VM, installs the
// group, leakage-checks it, extracts docs, and always stops the VM before
// returning (spec.md §4.6 step 8, §9 "scoped VM acquisition").
func (c *Ctx) tryGroup(ctx context.Context, members []string, failFast bool) (vm.Result, map[string]artifact) {
	if err := c.checkDiskSpace(); err != nil {
		return vm.Result{Outcome: vm.Failed, Transcript: err.Error()}, nil
	}
	// Invalidate each member's stored zip before the attempt, so a crash
	// mid-rebuild cannot leave a zip on disk whose content disagrees with
	// the orig-CHECKSUM this attempt is about to record (spec.md §4.3).
	for _, m := range members {
		if err := c.Store.Invalidate(m); err != nil {
			c.Log.Printf("invalidating stale artifact for %s: %v", m, err)
		}
	}
	if err := c.VM.SnapshotRestore(ctx, installedSnapshot); err != nil {
		return vm.Result{Outcome: vm.Failed, Transcript: fmt.Sprintf("restoring snapshot: %v", err)}, nil
	}
	if err := c.VM.Start(ctx); err != nil {
		return vm.Result{Outcome: vm.Failed, Transcript: fmt.Sprintf("starting vm: %v", err)}, nil
	}
	// Guarantee the VM is stopped even if the run is interrupted mid-group
	// (spec.md §9, "scoped VM acquisition").
	stopOnce := sync.Once{}
	stop := func() { stopOnce.Do(func() { c.VM.Stop(context.Background(), false) }) }
	oninterrupt.Register(stop)
	defer stop()

	installResult, err := c.VM.RemoteExec(ctx, installCmd(members, failFast), c.Timeout, "")
	if err != nil {
		return vm.Result{Outcome: vm.Failed, Transcript: fmt.Sprintf("install: %v", err)}, nil
	}

	// Doc extraction and artifact pull-back happen regardless of install
	// outcome, so a failed group can still be salvaged.
	artifacts := c.pullArtifacts(ctx, members)

	if installResult.Outcome != vm.Ok {
		return installResult, artifacts
	}

	leakResult, err := c.leakageCheck(ctx, members)
	if err != nil {
		return vm.Result{Outcome: vm.Failed, Transcript: err.Error()}, artifacts
	}
	if leakResult != "" {
		return vm.Result{Outcome: vm.Failed, Transcript: leakResult}, artifacts
	}

	return vm.Result{Outcome: vm.Ok}, artifacts
}

// checkDiskSpace rejects a group attempt before it restores a snapshot if
// WorkDir has fallen below MinFreeBytes, the same preflight
// autobuilder.serveStatusPage surfaces for operators, applied here as a hard
// gate instead of a status-page-only warning.
func (c *Ctx) checkDiskSpace() error {
	if c.MinFreeBytes == 0 || c.WorkDir == "" {
		return nil
	}
	var fs unix.Statfs_t
	if err := unix.Statfs(c.WorkDir, &fs); err != nil {
		return fmt.Errorf("statfs %s: %w", c.WorkDir, err)
	}
	free := fs.Bavail * uint64(fs.Bsize)
	if free < c.MinFreeBytes {
		return fmt.Errorf("%s has %d bytes free, below the %d byte minimum", c.WorkDir, free, c.MinFreeBytes)
	}
	return nil
}

// leakageCheck lists user-installed packages after the group install and
// confirms every one is accounted for by the group, the baseline, or the
// already-published catalog (spec.md §4.6 step 3).
func (c *Ctx) leakageCheck(ctx context.Context, members []string) (string, error) {
	result, err := c.VM.RemoteExec(ctx, listInstalledCmd(), c.Timeout, "")
	if err != nil {
		return "", err
	}
	if result.Outcome != vm.Ok {
		return "", fmt.Errorf("listing installed packages: %s", result.Transcript)
	}
	inGroup := make(map[string]bool, len(members))
	for _, m := range members {
		inGroup[m] = true
	}
	for _, line := range strings.Fields(result.Transcript) {
		q := strings.TrimSpace(line)
		if q == "" {
			continue
		}
		if inGroup[q] || c.Baseline[q] || c.Published[q] {
			continue
		}
		return fmt.Sprintf("use of package not previously built: %s", q), nil
	}
	return "", nil
}

// pullArtifacts fetches each member's zip and doc manifest from the VM,
// best-effort (a package that failed to build simply has no zip to pull).
func (c *Ctx) pullArtifacts(ctx context.Context, members []string) map[string]artifact {
	out := make(map[string]artifact, len(members))
	for _, m := range members {
		var buf bytes.Buffer
		if err := c.streamZip(ctx, m, &buf); err != nil {
			c.Log.Printf("pulling zip for %s: %v", m, err)
			continue
		}
		docs, _ := c.fetchDocs(ctx, m)
		out[m] = artifact{zip: buf.Bytes(), docs: docs}
	}
	return out
}

// streamZip builds an in-memory zip archive holding, as a single entry named
// pkg, the output of the in-VM archive command for pkg, using writerseeker
// so the zip.Writer's seeking needs
// (central directory patch-up) are satisfied without a temp file.
func (c *Ctx) streamZip(ctx context.Context, pkg string, out *bytes.Buffer) error {
	ws := &writerseeker.WriterSeeker{}
	zw := zip.NewWriter(ws)

	result, err := c.VM.RemoteExec(ctx, catPackageCmd(pkg), c.Timeout, "")
	if err != nil {
		return err
	}
	if result.Outcome != vm.Ok {
		return fmt.Errorf("no build output for %s", pkg)
	}
	w, err := zw.Create(pkg)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(result.Transcript)); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	rdr := ws.Reader()
	_, err = out.ReadFrom(rdr)
	return err
}

func (c *Ctx) fetchDocs(ctx context.Context, pkg string) ([]byte, error) {
	result, err := c.VM.RemoteExec(ctx, docManifestCmd(pkg), c.Timeout, "")
	if err != nil || result.Outcome != vm.Ok {
		return nil, err
	}
	return []byte(result.Transcript), nil
}

func (c *Ctx) recordSuccess(batch []model.PlanItem, artifacts map[string]artifact) {
	entries := make(map[string]publish.Entry)
	zips := make(map[string][]byte)
	for _, it := range batch {
		for _, m := range it.Members() {
			a := artifacts[m]
			if err := c.Store.RecordSuccess(m, a.zip, a.docs, "ok"); err != nil {
				c.Log.Printf("recording success for %s: %v", m, err)
				continue
			}
			if err := c.Store.SetOrigChecksum(m, c.checksum(m)); err != nil {
				c.Log.Printf("updating orig-checksum for %s: %v", m, err)
			}
			sum, _ := c.Store.ZipChecksum(m)
			entries[m] = model.PackageDetails{
				Name:         m,
				Checksum:     sum,
				Source:       "pkg/" + m + ".zip",
				Dependencies: c.Details[m].Dependencies,
			}
			zips[m] = a.zip
			c.Published[m] = true
		}
		c.Outcomes = append(c.Outcomes, model.BuildOutcome{Item: it, Succeeded: true})
	}
	if err := c.Publisher.Publish(entries, zips); err != nil {
		c.Log.Printf("publishing batch: %v", err)
	}
}

// recordFailure handles spec.md §4.6 step 6: the transcript is written to
// fail/P_1 (the group's first member), every other member gets a copy, and
// orig-CHECKSUM is advanced for every member so the failure is recognized
// as "up to date" on the next run.
func (c *Ctx) recordFailure(item model.PlanItem, transcript string, artifacts map[string]artifact) {
	members := item.Members()
	for _, m := range members {
		if err := c.Store.RecordFailure(m, transcript); err != nil {
			c.Log.Printf("recording failure for %s: %v", m, err)
		}
		if err := c.Store.SetOrigChecksum(m, c.checksum(m)); err != nil {
			c.Log.Printf("updating orig-checksum for %s: %v", m, err)
		}
		a := artifacts[m]
		c.Store.Salvage(m, a.zip, a.docs)
	}
	c.Outcomes = append(c.Outcomes, model.BuildOutcome{Item: item, Succeeded: false, Transcript: transcript})
}

func installCmd(members []string, failFast bool) string {
	mode := "--permissive"
	if failFast {
		mode = "--fail-fast"
	}
	return fmt.Sprintf("pkgforge-agent install %s %s", mode, strings.Join(members, " "))
}

func listInstalledCmd() string { return "pkgforge-agent list-installed" }

func catPackageCmd(pkg string) string { return fmt.Sprintf("pkgforge-agent archive %s", pkg) }

func docManifestCmd(pkg string) string { return fmt.Sprintf("pkgforge-agent docs %s", pkg) }
