// Package serve_test exercises the Built-Catalog Publisher's HTTP server
// (internal/publish.Ctx.Serve) end to end, the way distri's integration/
// tests exercise cmd/distri/export.go by spawning the real binary via
// internal/distritest.Export. It assumes a pkgforge binary built and on
// PATH, as those tests assume a distri binary.
package serve_test

import (
	"context"
	"io/ioutil"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/distr1/pkgforge/internal/pkgforgetest"
	"github.com/distr1/pkgforge/internal/publish"
)

func TestServeServesPublishedArchive(t *testing.T) {
	ctx, canc := context.WithCancel(context.Background())
	defer canc()

	workDir, err := ioutil.TempDir("", "pkgforge-serve-test")
	if err != nil {
		t.Fatal(err)
	}
	defer pkgforgetest.RemoveAll(t, workDir)

	// pkgforge serve serves the server/ directory under its -work_dir.
	pubCtx := &publish.Ctx{ServerDir: filepath.Join(workDir, "server")}
	zip := []byte("fake zip contents")
	if err := pubCtx.Publish(map[string]publish.Entry{
		"hello": {Name: "hello", Checksum: "deadbeef", Source: "pkg/hello.zip"},
	}, map[string][]byte{"hello": zip}); err != nil {
		t.Fatal(err)
	}

	addr, cleanup, err := pkgforgetest.Serve(ctx, workDir)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	resp, err := http.Get("http://" + addr + "/pkg/hello.zip")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /pkg/hello.zip: status = %d, want 200", resp.StatusCode)
	}
	got, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(zip) {
		t.Errorf("GET /pkg/hello.zip body = %q, want %q", got, zip)
	}

	metaResp, err := http.Get("http://" + addr + "/pkgs-all")
	if err != nil {
		t.Fatal(err)
	}
	defer metaResp.Body.Close()
	if metaResp.StatusCode != http.StatusOK {
		t.Fatalf("GET /pkgs-all: status = %d, want 200", metaResp.StatusCode)
	}
}
