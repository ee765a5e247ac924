// Package store implements the Artifact Store (C3): pure file-backed
// operations over the on-disk layout in spec.md §3 (pkgs/, success/, fail/,
// docs/, dumpster/). It is mutated by the Build Engine and read by the
// Invalidation Planner and the Doc Assembler; every write that must survive a crash uses
// renameio's atomic truncate+replace, matching distri/cmd/autobuilder's use
// of renameio.Symlink for its "latest built commit" pointer.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Ctx is an artifact store context rooted at WorkDir.
type Ctx struct {
	WorkDir string
}

func (c *Ctx) path(parts ...string) string {
	return filepath.Join(append([]string{c.WorkDir}, parts...)...)
}

func (c *Ctx) origChecksumPath(pkg string) string { return c.path("pkgs", pkg+".orig-CHECKSUM") }
func (c *Ctx) zipPath(pkg string) string          { return c.path("pkgs", pkg+".zip") }
func (c *Ctx) zipChecksumPath(pkg string) string  { return c.path("pkgs", pkg+".zip.CHECKSUM") }
func (c *Ctx) successPath(pkg string) string      { return c.path("success", pkg) }
func (c *Ctx) failPath(pkg string) string         { return c.path("fail", pkg) }
func (c *Ctx) docsPath(pkg string) string         { return c.path("docs", pkg+"-docs.rktd") }
func (c *Ctx) dumpsterZipPath(pkg string) string  { return c.path("dumpster", "pkgs", pkg+".zip") }
func (c *Ctx) dumpsterDocsPath(pkg string) string { return c.path("dumpster", "docs", pkg+"-docs.rktd") }

// EnsureLayout creates every top-level directory the store needs.
func (c *Ctx) EnsureLayout() error {
	for _, dir := range []string{"pkgs", "success", "fail", "docs",
		filepath.Join("dumpster", "pkgs"), filepath.Join("dumpster", "docs")} {
		if err := os.MkdirAll(c.path(dir), 0755); err != nil {
			return err
		}
	}
	return nil
}

func readFileOrEmpty(path string) (string, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// OrigChecksum returns the checksum P's current zip corresponds to, and
// whether one is recorded at all.
func (c *Ctx) OrigChecksum(pkg string) (string, bool) {
	return readFileOrEmpty(c.origChecksumPath(pkg))
}

// SetOrigChecksum atomically records the checksum a build attempt for pkg
// was run against (invariant V1: orig-CHECKSUM mirrors the latest outcome's
// source checksum, success or failure).
func (c *Ctx) SetOrigChecksum(pkg, checksum string) error {
	if err := os.MkdirAll(c.path("pkgs"), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(c.origChecksumPath(pkg), []byte(checksum), 0644)
}

func (c *Ctx) HasZip(pkg string) bool {
	_, err1 := os.Stat(c.zipPath(pkg))
	_, err2 := os.Stat(c.zipChecksumPath(pkg))
	return err1 == nil && err2 == nil
}

func (c *Ctx) HasSuccess(pkg string) bool {
	_, err := os.Stat(c.successPath(pkg))
	return err == nil
}

func (c *Ctx) HasFail(pkg string) bool {
	_, err := os.Stat(c.failPath(pkg))
	return err == nil
}

// FailTranscript returns the recorded failure transcript, if any.
func (c *Ctx) FailTranscript(pkg string) (string, bool) {
	return readFileOrEmpty(c.failPath(pkg))
}

// ZipChecksum returns the content hash of pkg's built zip, as recorded at
// build time (distinct from the source checksum H(P)).
func (c *Ctx) ZipChecksum(pkg string) (string, bool) {
	return readFileOrEmpty(c.zipChecksumPath(pkg))
}

// ZipPath returns the on-disk location of pkg's built archive.
func (c *Ctx) ZipPath(pkg string) string { return c.zipPath(pkg) }

// DocsPath returns the on-disk location of pkg's documentation manifest.
func (c *Ctx) DocsPath(pkg string) string { return c.docsPath(pkg) }

// RecordSuccess atomically writes the success marker, the zip + its content
// checksum, and the doc manifest for pkg, and removes any stale fail marker
// (spec.md §4.6 step 5). zip and docs are the already-produced bytes; the
// content checksum is computed here so it always matches what gets written.
func (c *Ctx) RecordSuccess(pkg string, zip, docs []byte, humanNote string) error {
	if err := c.EnsureLayout(); err != nil {
		return err
	}
	sum := sha256.Sum256(zip)
	sumHex := hex.EncodeToString(sum[:])
	if err := renameio.WriteFile(c.zipPath(pkg), zip, 0644); err != nil {
		return xerrors.Errorf("writing zip for %s: %w", pkg, err)
	}
	if err := renameio.WriteFile(c.zipChecksumPath(pkg), []byte(sumHex), 0644); err != nil {
		return xerrors.Errorf("writing zip checksum for %s: %w", pkg, err)
	}
	if len(docs) > 0 {
		if err := renameio.WriteFile(c.docsPath(pkg), docs, 0644); err != nil {
			return xerrors.Errorf("writing docs for %s: %w", pkg, err)
		}
	}
	if err := renameio.WriteFile(c.successPath(pkg), []byte(humanNote), 0644); err != nil {
		return xerrors.Errorf("writing success marker for %s: %w", pkg, err)
	}
	if err := os.Remove(c.failPath(pkg)); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("clearing stale fail marker for %s: %w", pkg, err)
	}
	return nil
}

// RecordFailure atomically writes the failure transcript for pkg
// (spec.md §4.6 step 6). Any prior success marker is left untouched per V1
// ("fail/P present ⇒ success/P ignored"); the next successful build clears
// it via RecordSuccess.
func (c *Ctx) RecordFailure(pkg, transcript string) error {
	if err := c.EnsureLayout(); err != nil {
		return err
	}
	return renameio.WriteFile(c.failPath(pkg), []byte(transcript), 0644)
}

// Invalidate removes a package's zip and zip checksum so that a crash
// mid-rebuild cannot leave a zip present whose orig-CHECKSUM disagrees with
// H(P) (spec.md §4.3). It does not touch success/fail markers — those are
// overwritten by the next build attempt's outcome.
func (c *Ctx) Invalidate(pkg string) error {
	for _, p := range []string{c.zipPath(pkg), c.zipChecksumPath(pkg)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Salvage performs a best-effort copy of a failed group's partial outputs
// into the dumpster (spec.md §4.6 step 6, §7 "ignored (best effort)").
// I/O failures here are swallowed by design.
func (c *Ctx) Salvage(pkg string, zip, docs []byte) {
	if len(zip) > 0 {
		if err := os.MkdirAll(filepath.Dir(c.dumpsterZipPath(pkg)), 0755); err == nil {
			_ = renameio.WriteFile(c.dumpsterZipPath(pkg), zip, 0644)
		}
	}
	if len(docs) > 0 {
		if err := os.MkdirAll(filepath.Dir(c.dumpsterDocsPath(pkg)), 0755); err == nil {
			_ = renameio.WriteFile(c.dumpsterDocsPath(pkg), docs, 0644)
		}
	}
}

// CopyDocsFrom is a small helper used by the Doc Assembler (C8) to stream a
// package's stored doc manifest without loading the whole store layout.
func (c *Ctx) CopyDocsFrom(pkg string, w io.Writer) error {
	f, err := os.Open(c.docsPath(pkg))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
