package provision

import (
	"encoding/json"
	"testing"
)

func TestSaveThenReuseRoundTrips(t *testing.T) {
	c := &Ctx{WorkDir: t.TempDir()}
	want := &Baseline{
		Pkgs: map[string]bool{"base": true, "zlib": true},
		Docs: map[string]json.RawMessage{"zlib": json.RawMessage(`["index.html"]`)},
	}
	if err := c.save(want); err != nil {
		t.Fatal(err)
	}

	got, err := c.Reuse()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Pkgs["base"] || !got.Pkgs["zlib"] {
		t.Errorf("Reuse().Pkgs = %v, want base and zlib present", got.Pkgs)
	}
	if string(got.Docs["zlib"]) != `["index.html"]` {
		t.Errorf("Reuse().Docs[zlib] = %s, want [\"index.html\"]", got.Docs["zlib"])
	}
}

func TestReuseWithoutPriorBaselineFails(t *testing.T) {
	c := &Ctx{WorkDir: t.TempDir()}
	if _, err := c.Reuse(); err == nil {
		t.Error("Reuse() on an empty work dir = nil error, want failure")
	}
}
