// Package plan implements the Invalidation Planner (C4): it turns catalog
// state, the installer baseline, and artifact-store state into an ordered
// build plan, collapsing mutually dependent packages into groups. The node
// bookkeeping style (small ID-carrying node type, lexicographic visit order)
// follows distri/internal/batch.Ctx's scheduling graph; the graph package
// itself (gonum/graph/simple + topo.Sort) is kept on as a post-condensation
// sanity check that the hand-rolled union-find pass produced an acyclic
// condensation, the same role topo.Sort played in distri's batch scheduler.
package plan

import (
	"log"
	"sort"

	"github.com/distr1/pkgforge/internal/model"
	"github.com/distr1/pkgforge/internal/store"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Ctx is an invalidation planner context.
type Ctx struct {
	Log *log.Logger

	// AllPkgs is the universe of known package names (catalog's all_pkgs).
	AllPkgs map[string]bool
	// Baseline is I, the packages already present after provisioning.
	Baseline map[string]bool
	// Details is the catalog's per-package record map.
	Details map[string]model.PackageDetails
	// Store is consulted for orig-CHECKSUM, zip presence, and fail markers.
	Store *store.Ctx
}

// isCurrent reports whether P needs no action this run: its recorded
// checksum matches the catalog's current checksum, and it is either already
// installed, already known-failed at that checksum, or already built.
func (c *Ctx) isCurrent(pkg string) bool {
	want, ok := c.Details[pkg]
	if !ok {
		return false
	}
	got, haveOrig := c.Store.OrigChecksum(pkg)
	if !haveOrig || got != want.Checksum {
		return false
	}
	if c.Baseline[pkg] {
		return true
	}
	if c.Store.HasFail(pkg) {
		return true
	}
	return c.Store.HasZip(pkg)
}

// failedAt reports whether pkg is an "up-to-date failure" per spec.md §4.4:
// not in the baseline, its checksum matches the last attempt, and that
// attempt failed.
func (c *Ctx) failedAt(pkg string) bool {
	if c.Baseline[pkg] {
		return false
	}
	want, ok := c.Details[pkg]
	if !ok {
		return false
	}
	got, haveOrig := c.Store.OrigChecksum(pkg)
	if !haveOrig || got != want.Checksum {
		return false
	}
	return c.Store.HasFail(pkg)
}

// Compute derives failed_pkgs, changed_pkgs, update_pkgs and need_pkgs, then
// orders need_pkgs into a Plan via cycle-collapsing DFS.
func (c *Ctx) Compute() (*model.Plan, error) {
	failedPkgs := make(map[string]bool)
	changedPkgs := make(map[string]bool)
	for pkg := range c.AllPkgs {
		if c.failedAt(pkg) {
			failedPkgs[pkg] = true
		}
		if !c.isCurrent(pkg) {
			changedPkgs[pkg] = true
		}
	}

	updatePkgs := make(map[string]bool, len(changedPkgs))
	for p := range changedPkgs {
		updatePkgs[p] = true
	}
	// Least fixed point: repeat until a pass adds nothing.
	for {
		added := false
		for pkg := range c.AllPkgs {
			if updatePkgs[pkg] || c.Baseline[pkg] {
				continue
			}
			for _, dep := range c.Details[pkg].DependencyNames() {
				if updatePkgs[dep] {
					updatePkgs[pkg] = true
					added = true
					break
				}
			}
		}
		if !added {
			break
		}
	}

	needPkgs := make(map[string]bool, len(updatePkgs))
	for p := range updatePkgs {
		if !c.Baseline[p] && !failedPkgs[p] {
			needPkgs[p] = true
		}
	}

	items, err := c.order(needPkgs)
	if err != nil {
		return nil, err
	}

	return &model.Plan{
		Items:      items,
		FailedPkgs: failedPkgs,
		NeedPkgs:   needPkgs,
	}, nil
}

// unionFind is a plain disjoint-set over package names.
type unionFind struct {
	parent map[string]string
}

func newUnionFind(pkgs map[string]bool) *unionFind {
	uf := &unionFind{parent: make(map[string]string, len(pkgs))}
	for p := range pkgs {
		uf.parent[p] = p
	}
	return uf
}

func (uf *unionFind) find(x string) string {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]] // path halving
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b string) {
	ra, rb := uf.find(a), uf.find(b)
	if ra != rb {
		uf.parent[ra] = rb
	}
}

// order performs the DFS-with-union-find cycle collapsing spec.md §4.4
// describes: packages are visited in lexicographic order, a cycle closing
// back onto the current DFS stack (directly, or through an already finished
// package whose set holds a stack member) unions every member from the cycle
// root down to the current package, and a package is emitted (postorder) once
// its own recursion finishes. Every dependency edge that does not target a
// need_pkgs member is ignored — such a dependency is already satisfied by
// the baseline, by a known failure, or is simply not part of this run.
func (c *Ctx) order(needPkgs map[string]bool) ([]model.PlanItem, error) {
	uf := newUnionFind(needPkgs)

	var stack []string
	onStack := make(map[string]int) // pkg -> index in stack
	visited := make(map[string]bool)
	var postorder []string

	var visit func(string)
	visit = func(p string) {
		if visited[p] {
			return
		}
		visited[p] = true
		onStack[p] = len(stack)
		stack = append(stack, p)

		deps := append([]string(nil), c.Details[p].DependencyNames()...)
		sort.Strings(deps)
		for _, dep := range deps {
			if !needPkgs[dep] {
				continue
			}
			if idx, onStk := onStack[dep]; onStk {
				// Cycle: union everything from the cycle root down to p.
				for i := idx; i < len(stack); i++ {
					uf.union(stack[i], dep)
				}
				continue
			}
			if visited[dep] {
				// dep has finished; if its set already holds a package still
				// on the stack, dep closes a cycle through that package too.
				root := uf.find(dep)
				for idx, s := range stack {
					if uf.find(s) == root {
						for i := idx; i < len(stack); i++ {
							uf.union(stack[i], dep)
						}
						break
					}
				}
				continue
			}
			visit(dep)
		}

		stack = stack[:len(stack)-1]
		delete(onStack, p)
		postorder = append(postorder, p)
	}

	names := make([]string, 0, len(needPkgs))
	for p := range needPkgs {
		names = append(names, p)
	}
	sort.Strings(names)
	for _, p := range names {
		visit(p)
	}

	// Each SCC's position in the final plan is the position of the last of
	// its members to finish (the outermost member of the cycle, the one
	// that "chooses itself as representative" once the whole cycle has been
	// explored) — this is what keeps acyclic prerequisites outside the SCC
	// ordered correctly relative to it.
	lastPos := make(map[string]int, len(postorder))
	for i, p := range postorder {
		lastPos[uf.find(p)] = i
	}
	groups := make(map[string][]string)
	for p := range needPkgs {
		root := uf.find(p)
		groups[root] = append(groups[root], p)
	}

	roots := make([]string, 0, len(groups))
	for root := range groups {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool { return lastPos[roots[i]] < lastPos[roots[j]] })

	items := make([]model.PlanItem, 0, len(roots))
	for _, root := range roots {
		members := groups[root]
		sort.Strings(members)
		if len(members) == 1 {
			items = append(items, model.PlanItem{Pkg: members[0]})
		} else {
			items = append(items, model.PlanItem{Group: members})
		}
	}

	if err := c.sanityCheckAcyclic(items); err != nil {
		return nil, err
	}
	return items, nil
}

// sanityCheckAcyclic re-validates the condensation with gonum's topo.Sort:
// one node per plan item, one edge per cross-item dependency. A cycle here
// would mean the hand-rolled union-find pass above failed to collapse some
// mutual dependency, which is a planner bug, not a normal outcome.
func (c *Ctx) sanityCheckAcyclic(items []model.PlanItem) error {
	g := simple.NewDirectedGraph()
	nodeOf := make(map[string]int64, len(items))
	itemOf := make(map[string]int)
	for i, it := range items {
		id := int64(i)
		g.AddNode(simple.Node(id))
		for _, m := range it.Members() {
			nodeOf[m] = id
			itemOf[m] = i
		}
	}
	for i, it := range items {
		for _, m := range it.Members() {
			for _, dep := range c.Details[m].DependencyNames() {
				j, ok := itemOf[dep]
				if !ok || j == i {
					continue
				}
				from, to := int64(j), int64(i)
				if !g.HasEdgeFromTo(from, to) {
					g.SetEdge(g.NewEdge(g.Node(from), g.Node(to)))
				}
			}
		}
	}
	if _, err := topo.Sort(g); err != nil {
		return xerrors.Errorf("planner produced a cyclic condensation: %w", err)
	}
	return nil
}
