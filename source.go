// Package pkgforge holds the small set of utilities shared by every
// component of the build orchestrator: interrupt handling, shutdown hooks,
// and the CatalogSource type describing where a package catalog lives.
package pkgforge

// CatalogSource describes one catalog to mirror: either the implicit
// upstream snapshot catalog or one of the configured extra catalogs
// (spec.md §6, pkg_catalogs). Path is a filesystem path or an http(s) URL,
// mirroring distri.Repo.
type CatalogSource struct {
	Path string

	// PkgPath is Path joined with the catalog's package subdirectory.
	PkgPath string

	// Snapshot marks this as the single implicit upstream snapshot catalog
	// (as opposed to one of the configured extra catalogs). Every package
	// found here populates PackageDetailsMap.SnapshotPkgs (invariant V4).
	Snapshot bool
}
