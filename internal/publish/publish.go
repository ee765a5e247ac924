// Package publish implements the Built-Catalog Publisher (C5): it maintains
// the served directory's pkg/P, pkgs-all and pkgs files with atomic
// replace, and fronts them with the loopback static-file HTTP server the
// sandbox reaches through C7's reverse tunnel — the same shape as
// cmd/distri/export.go's gzipped.FileServer + addrfd + errgroup server.
package publish

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/distr1/pkgforge/internal/addrfd"
	"github.com/distr1/pkgforge/internal/model"
	"github.com/google/renameio"
	"github.com/lpar/gzipped/v2"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// maxCatalogConns bounds concurrent connections to the loopback catalog
// server: the only client is a single VM reaching it through one reverse
// tunnel, so there is no reason to let it accumulate unbounded connections.
const maxCatalogConns = 8

// Ctx is a built-catalog publisher context, rooted at ServerDir (the
// directory served over HTTP).
type Ctx struct {
	Log       *log.Logger
	ServerDir string

	// SnapshotPkgs holds the names that must never appear in the published
	// catalog even if rebuilt to obtain docs (invariant V4).
	SnapshotPkgs map[string]bool
}

func (c *Ctx) pkgPath(name string) string { return filepath.Join(c.ServerDir, "pkg", name) }
func (c *Ctx) pkgsAllPath() string        { return filepath.Join(c.ServerDir, "pkgs-all") }
func (c *Ctx) pkgsPath() string           { return filepath.Join(c.ServerDir, "pkgs") }

// Entry is one published package record: the catalog's PackageDetails with
// Source rewritten to the relative zip path and Checksum replaced by the
// zip's content hash (spec.md §4.5).
type Entry = model.PackageDetails

// Publish extends the built catalog with a successful group's entries,
// copying each member's built zip alongside the metadata so the sandbox can
// install it over the tunneled catalog server on a later build without
// rebuilding it (spec.md §2 data flow: "C5 serves artifacts back to C6 via
// C7"). Any name present in SnapshotPkgs is silently dropped (V4): a group
// rebuilt only to refresh documentation for a snapshot-only package must
// not leak into the catalog it was never meant to join.
func (c *Ctx) Publish(entries map[string]Entry, zips map[string][]byte) error {
	if err := os.MkdirAll(filepath.Join(c.ServerDir, "pkg"), 0755); err != nil {
		return err
	}

	all, err := c.readAll()
	if err != nil {
		return err
	}
	for name, e := range entries {
		if c.SnapshotPkgs[name] {
			continue
		}
		if err := c.writeZip(e.Source, zips[name]); err != nil {
			return xerrors.Errorf("publishing %s: %w", name, err)
		}
		if err := c.writeOne(name, e); err != nil {
			return xerrors.Errorf("publishing %s: %w", name, err)
		}
		all[name] = e
	}
	return c.writeIndexes(all)
}

// writeZip copies a built archive's bytes to its advertised Source path
// under ServerDir, so the catalog HTTP server actually has it to serve.
func (c *Ctx) writeZip(source string, zip []byte) error {
	dest := filepath.Join(c.ServerDir, source)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return renameio.WriteFile(dest, zip, 0644)
}

// Published returns the set of package names already present in the
// on-disk catalog, for seeding a new Build Engine run's leakage check with
// names the catalog already carries from prior runs.
func (c *Ctx) Published() (map[string]bool, error) {
	all, err := c.readAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(all))
	for name := range all {
		out[name] = true
	}
	return out, nil
}

func (c *Ctx) readAll() (map[string]Entry, error) {
	all := make(map[string]Entry)
	f, err := os.Open(c.pkgsAllPath())
	if err != nil {
		if os.IsNotExist(err) {
			return all, nil
		}
		return nil, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&all); err != nil {
		return nil, xerrors.Errorf("decoding existing pkgs-all: %w", err)
	}
	return all, nil
}

func (c *Ctx) writeOne(name string, e Entry) error {
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(c.pkgPath(name), b, 0644)
}

func (c *Ctx) writeIndexes(all map[string]Entry) error {
	allBytes, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(c.pkgsAllPath(), allBytes, 0644); err != nil {
		return xerrors.Errorf("writing pkgs-all: %w", err)
	}

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	listBytes, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(c.pkgsPath(), listBytes, 0644)
}

// tcpKeepAliveListener mirrors net/http.Server's own default Listener
// behavior (and cmd/distri/export.go's copy of it), so Serve behaves
// identically whether invoked via ListenAndServe or a pre-bound Listener.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	return tc, nil
}

// Serve runs the loopback static-file HTTP server until ctx is canceled.
// The listen address is written to the configured -addrfd file descriptor,
// if any, for test harnesses to discover the bound port.
func (c *Ctx) Serve(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return xerrors.Errorf("binding catalog server: %w", err)
	}
	addr := ln.Addr().String()
	c.Log.Printf("serving built catalog on %s", addr)

	mux := http.NewServeMux()
	mux.Handle("/", gzipped.FileServer(http.Dir(c.ServerDir)))
	server := &http.Server{Addr: addr, Handler: mux}

	addrfd.MustWrite(addr)

	limited := netutil.LimitListener(tcpKeepAliveListener{ln.(*net.TCPListener)}, maxCatalogConns)

	var eg errgroup.Group
	eg.Go(func() error { return server.Serve(limited) })
	eg.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})
	if err := eg.Wait(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
