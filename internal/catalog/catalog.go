// Package catalog implements the Catalog Archiver (C1): it mirrors the
// implicit upstream snapshot catalog plus any configured extra catalogs,
// producing the PackageDetails map and the snapshot/all-packages sets the
// Invalidation Planner and Built-Catalog Publisher need (spec.md §3, §4.1).
package catalog

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	"github.com/distr1/pkgforge"
	"github.com/distr1/pkgforge/internal/model"
	"github.com/distr1/pkgforge/internal/repo"
	"golang.org/x/xerrors"
)

// Ctx is a catalog archiver context, containing configuration and state,
// following the Ctx convention used throughout this module (see
// internal/plan.Ctx, internal/engine.Ctx).
type Ctx struct {
	Log     *log.Logger
	WorkDir string

	// Sources lists every catalog to mirror, implicit snapshot catalog
	// first. Exactly one entry should have Snapshot set.
	Sources []pkgforge.CatalogSource

	// Cache enables the on-disk HTTP response cache used by internal/repo.
	Cache bool
}

func (c *Ctx) mirrorPath() string {
	return filepath.Join(c.WorkDir, "catalog-mirror.json")
}

// Archive mirrors every configured catalog and returns the union
// PackageDetailsMap. A per-package decode failure is logged and that
// package is skipped; it is not fatal to the run (spec.md §7).
func (c *Ctx) Archive(ctx context.Context) (*model.PackageDetailsMap, error) {
	out := model.NewPackageDetailsMap()
	for _, src := range c.Sources {
		details, err := c.archiveOne(ctx, src)
		if err != nil {
			return nil, xerrors.Errorf("archiving catalog %s: %w", src.Path, err)
		}
		for name, d := range details {
			out.AllPkgs[name] = true
			if src.Snapshot {
				out.SnapshotPkgs[name] = true
			}
			out.Details[name] = normalize(d)
		}
	}
	return out, c.save(out)
}

// Reuse loads the last successful archive verbatim, for skip_archive runs.
func (c *Ctx) Reuse() (*model.PackageDetailsMap, error) {
	out := model.NewPackageDetailsMap()
	if err := model.ReadJSONFile(c.mirrorPath(), out); err != nil {
		return nil, xerrors.Errorf("skip_archive set but no prior archive found: %w", err)
	}
	return out, nil
}

func (c *Ctx) save(m *model.PackageDetailsMap) error {
	if err := os.MkdirAll(c.WorkDir, 0755); err != nil {
		return err
	}
	f, err := os.Create(c.mirrorPath() + ".tmp")
	if err != nil {
		return err
	}
	if err := model.WriteJSON(f, m); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(c.mirrorPath()+".tmp", c.mirrorPath())
}

// archiveOne mirrors a single catalog. Catalogs advertise their packages as
// a pkgs-all JSON document (the same shape the Built-Catalog Publisher
// writes, see internal/publish) — this lets a prior pkgforge run's output
// serve as an extra catalog for a later one. When a catalog has no such
// manifest (a plain upstream directory listing), archiveOne falls back to
// scraping it (resolve.go).
func (c *Ctx) archiveOne(ctx context.Context, src pkgforge.CatalogSource) (map[string]model.PackageDetails, error) {
	rc, err := repo.Reader(ctx, src, "pkgs-all", c.Cache)
	if err != nil {
		if _, ok := err.(*repo.ErrNotFound); ok {
			c.Log.Printf("catalog %s has no pkgs-all manifest, scraping", src.Path)
			return c.scrape(ctx, src)
		}
		return nil, err
	}
	defer rc.Close()

	var all map[string]json.RawMessage
	if err := json.NewDecoder(rc).Decode(&all); err != nil {
		return nil, xerrors.Errorf("decoding pkgs-all from %s: %w", src.Path, err)
	}
	result := make(map[string]model.PackageDetails, len(all))
	for name, raw := range all {
		var d model.PackageDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			c.Log.Printf("catalog %s: decoding %s: %v, skipping", src.Path, name, err)
			continue
		}
		d.Name = name
		result[name] = d
	}
	return result, nil
}

// normalize applies the dependency-name remap spec.md §3 requires
// ("racket" → "base") to every dependency of a package record.
func normalize(d model.PackageDetails) model.PackageDetails {
	for i, dep := range d.Dependencies {
		d.Dependencies[i].Name = model.NormalizeDepName(dep.Name)
	}
	return d
}
