// Package docs implements the Doc Assembler (C8): after all builds
// complete, it installs every package with non-empty documentation in one
// VM session and tars those packages' stored doc manifests, using pgzip the way
// distri/cmd/distri's install path notes as its preferred gzip
// implementation for large archives.
package docs

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"sort"
	"time"

	"github.com/distr1/pkgforge/internal/store"
	"github.com/distr1/pkgforge/internal/vm"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"
)

// Ctx is a doc assembler context.
type Ctx struct {
	Log   *log.Logger
	VM    *vm.Ctx
	Store *store.Ctx

	// Timeout bounds the doc-union install command, same as the Build
	// Engine's per-remote-command timeout (spec.md §6).
	Timeout time.Duration
}

// candidates returns the subset of built whose stored doc manifest declares
// non-empty docs for themselves.
func (c *Ctx) candidates(built []string) []string {
	var out []string
	for _, pkg := range built {
		var buf bytes.Buffer
		if err := c.Store.CopyDocsFrom(pkg, &buf); err != nil {
			continue
		}
		if hasOwnDocs(pkg, buf.Bytes()) {
			out = append(out, pkg)
		}
	}
	sort.Strings(out)
	return out
}

// hasOwnDocs treats the manifest as a JSON name->list map (the in-VM tool's
// actual on-disk doc-manifest grammar is produced by an out-of-scope
// external program; pkgforge only needs to know whether pkg's own entry is
// non-empty).
func hasOwnDocs(pkg string, manifest []byte) bool {
	var m map[string][]string
	if err := json.Unmarshal(manifest, &m); err != nil {
		return len(manifest) > 0
	}
	return len(m[pkg]) > 0
}

// Assemble installs the union of doc-bearing packages in one VM session and,
// once that install succeeds, writes each package's doc manifest from the
// artifact store into a gzipped tarball (as <pkg>/docs) on the writer dest
// returns. The documentation tree installed inside the VM is not copied out.
func (c *Ctx) Assemble(ctx context.Context, built []string, dest func() (io.WriteCloser, error)) error {
	names := c.candidates(built)
	if len(names) == 0 {
		c.Log.Printf("doc assembler: nothing to do")
		return nil
	}

	if err := c.VM.SnapshotRestore(ctx, "installed"); err != nil {
		return xerrors.Errorf("restoring snapshot: %w", err)
	}
	if err := c.VM.Start(ctx); err != nil {
		return xerrors.Errorf("starting vm: %w", err)
	}
	defer c.VM.Stop(ctx, false)

	result, err := c.VM.RemoteExec(ctx, installAllDocsCmd(names), c.Timeout, "")
	if err != nil {
		return xerrors.Errorf("installing docs union: %w", err)
	}
	if result.Outcome != vm.Ok {
		return xerrors.Errorf("doc union install failed: %s", result.Transcript)
	}

	out, err := dest()
	if err != nil {
		return err
	}
	defer out.Close()

	gw := pgzip.NewWriter(out)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	for _, pkg := range names {
		var buf bytes.Buffer
		if err := c.Store.CopyDocsFrom(pkg, &buf); err != nil {
			continue
		}
		hdr := &tar.Header{
			Name: pkg + "/docs",
			Mode: 0644,
			Size: int64(buf.Len()),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func installAllDocsCmd(names []string) string {
	cmd := "pkgforge-agent install --permissive"
	for _, n := range names {
		cmd += " " + n
	}
	return cmd
}
