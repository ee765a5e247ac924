package catalog

import (
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPickLatestSemver(t *testing.T) {
	got := pickLatest([]string{"1.2.0", "1.10.0", "1.9.0"})
	if got != "1.10.0" {
		t.Errorf("pickLatest(semver) = %q, want 1.10.0", got)
	}
}

func TestPickLatestFallsBackToLexicographic(t *testing.T) {
	// "latest" here isn't valid semver, so all candidates fail and the
	// fallback reverse-lexicographic sort takes over.
	got := pickLatest([]string{"2020-01-01", "2021-06-30", "latest"})
	if got != "latest" {
		t.Errorf("pickLatest(non-semver) = %q, want reverse-lexicographic max \"latest\"", got)
	}
}

func TestFilenamePatternMatchesVersionedArchives(t *testing.T) {
	for _, test := range []struct {
		fn       string
		wantName string
		wantVer  string
	}{
		{"gtk-3.24.1.tar.gz", "gtk", "3.24.1"},
		{"openssl-1.1.1k.tar.xz", "openssl", "1.1.1k"},
		{"README.md", "", ""},
	} {
		m := filenamePattern.FindStringSubmatch(test.fn)
		if test.wantName == "" {
			if m != nil {
				t.Errorf("filenamePattern matched %q unexpectedly: %v", test.fn, m)
			}
			continue
		}
		if m == nil {
			t.Fatalf("filenamePattern did not match %q", test.fn)
		}
		if m[1] != test.wantName || m[2] != test.wantVer {
			t.Errorf("filenamePattern(%q) = (%q, %q), want (%q, %q)", test.fn, m[1], m[2], test.wantName, test.wantVer)
		}
	}
}

func TestExtractLinksResolvesRelativeHrefs(t *testing.T) {
	parent, err := url.Parse("https://mirror.example.com/pkgs/")
	if err != nil {
		t.Fatal(err)
	}
	html := `<html><body>
		<a href="gtk-3.24.1.tar.gz">gtk-3.24.1.tar.gz</a>
		<a href="/other/cairo-1.2.tar.gz">cairo</a>
	</body></html>`
	got, err := extractLinks(parent, []byte(html))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"https://mirror.example.com/pkgs/gtk-3.24.1.tar.gz",
		"https://mirror.example.com/other/cairo-1.2.tar.gz",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("extractLinks() mismatch (-want +got):\n%s", diff)
	}
}
