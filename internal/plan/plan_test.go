package plan

import (
	"log"
	"os"
	"testing"

	"github.com/distr1/pkgforge/internal/model"
	"github.com/distr1/pkgforge/internal/store"
	"github.com/google/go-cmp/cmp"
)

func dep(names ...string) []model.Dep {
	deps := make([]model.Dep, len(names))
	for i, n := range names {
		deps[i] = model.Dep{Name: n}
	}
	return deps
}

func newCtx(t *testing.T, details map[string]model.PackageDetails, baseline map[string]bool) *Ctx {
	t.Helper()
	dir, err := os.MkdirTemp("", "pkgforge-plan-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	storeCtx := &store.Ctx{WorkDir: dir}
	if err := storeCtx.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	all := make(map[string]bool, len(details))
	for p := range details {
		all[p] = true
	}
	return &Ctx{
		Log:      log.New(os.Stderr, "", 0),
		AllPkgs:  all,
		Baseline: baseline,
		Details:  details,
		Store:    storeCtx,
	}
}

func TestComputeLinearChain(t *testing.T) {
	details := map[string]model.PackageDetails{
		"a": {Name: "a", Checksum: "h(a)"},
		"b": {Name: "b", Checksum: "h(b)", Dependencies: dep("a")},
		"c": {Name: "c", Checksum: "h(c)", Dependencies: dep("b")},
	}
	c := newCtx(t, details, map[string]bool{})

	p, err := c.Compute()
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, it := range p.Items {
		got = append(got, it.String())
	}
	want := []string{"a", "b", "c"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("plan order mismatch (-want +got):\n%s", diff)
	}
}

func TestComputeBaselineSkipsPackage(t *testing.T) {
	details := map[string]model.PackageDetails{
		"a": {Name: "a", Checksum: "h(a)"},
		"b": {Name: "b", Checksum: "h(b)", Dependencies: dep("a")},
	}
	c := newCtx(t, details, map[string]bool{"a": true})

	p, err := c.Compute()
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Items) != 1 || p.Items[0].Pkg != "b" {
		t.Errorf("Compute() items = %v, want just [b]", p.Items)
	}
}

func TestComputeCycleCollapsesToGroup(t *testing.T) {
	details := map[string]model.PackageDetails{
		"a": {Name: "a", Checksum: "h(a)", Dependencies: dep("b")},
		"b": {Name: "b", Checksum: "h(b)", Dependencies: dep("a")},
		"c": {Name: "c", Checksum: "h(c)", Dependencies: dep("b")},
	}
	c := newCtx(t, details, map[string]bool{})

	p, err := c.Compute()
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Items) != 2 {
		t.Fatalf("Compute() = %d items, want 2 (one group, one singleton): %v", len(p.Items), p.Items)
	}
	group := p.Items[0]
	if len(group.Group) != 2 {
		t.Fatalf("first item = %v, want a 2-member group", group)
	}
	if diff := cmp.Diff([]string{"a", "b"}, group.Group); diff != "" {
		t.Errorf("group members mismatch (-want +got):\n%s", diff)
	}
	if p.Items[1].Pkg != "c" {
		t.Errorf("second item = %v, want singleton c", p.Items[1])
	}
}

func TestComputeUpToDateFailureExcludedFromNeedPkgs(t *testing.T) {
	details := map[string]model.PackageDetails{
		"a": {Name: "a", Checksum: "h(a)"},
	}
	c := newCtx(t, details, map[string]bool{})
	if err := c.Store.SetOrigChecksum("a", "h(a)"); err != nil {
		t.Fatal(err)
	}
	if err := c.Store.RecordFailure("a", "build failed: missing dependency"); err != nil {
		t.Fatal(err)
	}

	p, err := c.Compute()
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Items) != 0 {
		t.Errorf("Compute() items = %v, want none (a is an up-to-date failure)", p.Items)
	}
	if !p.FailedPkgs["a"] {
		t.Errorf("FailedPkgs = %v, want a marked failed", p.FailedPkgs)
	}
}

func TestComputeChangedChecksumRebuildsPastFailure(t *testing.T) {
	details := map[string]model.PackageDetails{
		"a": {Name: "a", Checksum: "h(a)-v2"},
	}
	c := newCtx(t, details, map[string]bool{})
	if err := c.Store.SetOrigChecksum("a", "h(a)-v1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Store.RecordFailure("a", "build failed"); err != nil {
		t.Fatal(err)
	}

	p, err := c.Compute()
	if err != nil {
		t.Fatal(err)
	}
	if p.FailedPkgs["a"] {
		t.Errorf("FailedPkgs = %v, want a not marked failed (checksum changed)", p.FailedPkgs)
	}
	if len(p.Items) != 1 || p.Items[0].Pkg != "a" {
		t.Errorf("Compute() items = %v, want [a] to be rebuilt", p.Items)
	}
}
