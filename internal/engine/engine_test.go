package engine

import (
	"bufio"
	"context"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/distr1/pkgforge/internal/model"
	"github.com/distr1/pkgforge/internal/publish"
	"github.com/distr1/pkgforge/internal/store"
	"github.com/distr1/pkgforge/internal/vm"
	"github.com/google/go-cmp/cmp"
)

// withFakeAgent writes a shell script named pkgforge-agent implementing
// script and prepends its directory to PATH, so the engine's loopback
// RemoteExec calls (spec.md §8 scenarios 3-4) reach it instead of a real VM.
func withFakeAgent(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pkgforge-agent")
	if err := ioutil.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+":"+os.Getenv("PATH"))
}

func newLoopbackCtx(t *testing.T) *Ctx {
	t.Helper()
	storeCtx := &store.Ctx{WorkDir: t.TempDir()}
	if err := storeCtx.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	return &Ctx{
		Log:   log.New(os.Stderr, "", 0),
		VM:    &vm.Ctx{VMTool: "true"}, // loopback; snapshot/start/stop become no-ops
		Store: storeCtx,
		Publisher: &publish.Ctx{
			Log:       log.New(os.Stderr, "", 0),
			ServerDir: t.TempDir(),
		},
		Details:          map[string]model.PackageDetails{"a": {Name: "a"}, "b": {Name: "b"}},
		Baseline:         map[string]bool{},
		Published:        map[string]bool{},
		MaxBuildTogether: 10,
		Timeout:          5 * time.Second,
	}
}

func item(members ...string) model.PlanItem {
	if len(members) == 1 {
		return model.PlanItem{Pkg: members[0]}
	}
	return model.PlanItem{Group: members}
}

func TestNextBatchRespectsMaxBuildTogether(t *testing.T) {
	c := &Ctx{MaxBuildTogether: 2}
	items := []model.PlanItem{item("a"), item("b"), item("c")}

	batch, n := c.nextBatch(items)
	if n != 2 {
		t.Fatalf("nextBatch() consumed %d items, want 2", n)
	}
	if diff := cmp.Diff([]string{"a", "b"}, flatten(batch)); diff != "" {
		t.Errorf("batch members mismatch (-want +got):\n%s", diff)
	}
}

func TestNextBatchAlwaysConsumesAtLeastOneOversizedItem(t *testing.T) {
	c := &Ctx{MaxBuildTogether: 1}
	items := []model.PlanItem{item("a", "b", "c"), item("d")}

	batch, n := c.nextBatch(items)
	if n != 1 {
		t.Fatalf("nextBatch() consumed %d items, want 1 (the oversized group alone)", n)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, flatten(batch)); diff != "" {
		t.Errorf("batch members mismatch (-want +got):\n%s", diff)
	}
}

func TestFlattenJoinsAllMembers(t *testing.T) {
	batch := []model.PlanItem{item("a"), item("b", "c")}
	got := flatten(batch)
	want := []string{"a", "b", "c"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("flatten() mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultProgressNonTerminalPrintsOneLinePerUpdate(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	report := DefaultProgress(w)
	report(1, 3)
	report(3, 3)
	w.Close()

	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	want := []string{"building: 1/3 plan items", "building: 3/3 plan items"}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("DefaultProgress output mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckDiskSpaceDisabledWhenUnconfigured(t *testing.T) {
	c := &Ctx{}
	if err := c.checkDiskSpace(); err != nil {
		t.Errorf("checkDiskSpace() with MinFreeBytes unset = %v, want nil", err)
	}
}

func TestCheckDiskSpaceRejectsImpossibleMinimum(t *testing.T) {
	c := &Ctx{WorkDir: t.TempDir(), MinFreeBytes: 1 << 62}
	if err := c.checkDiskSpace(); err == nil {
		t.Error("checkDiskSpace() with an impossible minimum = nil, want an error")
	}
}

// TestTryGroupLeakageFailure covers spec.md §8 scenario 3: installing a
// single-member group succeeds, but list-installed reports a package the
// group, the baseline, and the catalog don't account for.
func TestTryGroupLeakageFailure(t *testing.T) {
	withFakeAgent(t, `
case "$1" in
  install) exit 0 ;;
  list-installed) echo a; echo leaked ;;
  archive) echo "zip-for-$2" ;;
  docs) echo "{}" ;;
esac
`)
	c := newLoopbackCtx(t)

	result, _ := c.tryGroup(context.Background(), []string{"a"}, true)
	if result.Outcome != vm.Failed {
		t.Fatalf("tryGroup() outcome = %v, want Failed", result.Outcome)
	}
	if !strings.Contains(result.Transcript, "leaked") {
		t.Errorf("tryGroup() transcript = %q, want it to name the leaked package", result.Transcript)
	}
}

// TestAttemptBisectsOnGroupFailure covers spec.md §8 scenario 4: a two-member
// group install fails, so attempt bisects down to single-member attempts,
// succeeding for a and failing for b.
func TestAttemptBisectsOnGroupFailure(t *testing.T) {
	withFakeAgent(t, `
case "$1" in
  install)
    shift 2 # drop the subcommand and --permissive/--fail-fast flag
    if [ "$#" -ge 2 ]; then
      exit 1
    fi
    [ "$1" = "a" ] && exit 0
    exit 1
    ;;
  list-installed) echo a ;;
  archive) echo "zip-for-$2" ;;
  docs) echo "{}" ;;
esac
`)
	c := newLoopbackCtx(t)

	batch := []model.PlanItem{item("a"), item("b")}
	if err := c.attempt(context.Background(), batch); err != nil {
		t.Fatalf("attempt() = %v, want nil (failures are recorded, not returned)", err)
	}

	if len(c.Outcomes) != 2 {
		t.Fatalf("len(Outcomes) = %d, want 2 (one per bisected single-member attempt)", len(c.Outcomes))
	}
	for _, o := range c.Outcomes {
		switch o.Item.Pkg {
		case "a":
			if !o.Succeeded {
				t.Errorf("a: Succeeded = false, want true")
			}
		case "b":
			if o.Succeeded {
				t.Errorf("b: Succeeded = true, want false")
			}
		default:
			t.Errorf("unexpected outcome for %q", o.Item.Pkg)
		}
	}

	if !c.Store.HasSuccess("a") {
		t.Error("store has no success marker for a")
	}
	if !c.Store.HasFail("b") {
		t.Error("store has no fail marker for b")
	}
	if !c.Published["a"] {
		t.Error("Published[a] = false, want true after a successful solo attempt")
	}
}

func TestInstallCmdModeFlag(t *testing.T) {
	if got, want := installCmd([]string{"a"}, true), "pkgforge-agent install --fail-fast a"; got != want {
		t.Errorf("installCmd(failFast) = %q, want %q", got, want)
	}
	if got, want := installCmd([]string{"a", "b"}, false), "pkgforge-agent install --permissive a b"; got != want {
		t.Errorf("installCmd(group) = %q, want %q", got, want)
	}
}
