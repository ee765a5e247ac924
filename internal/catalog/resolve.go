package catalog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/distr1/pkgforge"
	"github.com/distr1/pkgforge/internal/model"
	"golang.org/x/mod/semver"
	"golang.org/x/net/html"
	"golang.org/x/xerrors"
)

var filenamePattern = regexp.MustCompile(`^(.+?)-(\d[\w.+-]*)\.(zip|tar\.gz|tar\.xz|tar\.bz2)$`)

// scrape is the best-effort fallback used when a catalog publishes no
// pkgs-all manifest: a plain upstream HTTP directory listing. It groups
// linked filenames by their package-name prefix, picks the newest version
// of each (semver when possible, reverse string sort otherwise — the same
// fallback distri/internal/checkupstream.extractVersions uses), and hashes
// the chosen artifact to stand in for a catalog-advertised checksum.
//
// This never resolves dependencies: a scraped catalog entry always has an
// empty Dependencies list, since directory listings carry no dependency
// metadata. Packages whose only source is a scraped catalog therefore never
// gain transitive update propagation from this catalog alone.
func (c *Ctx) scrape(ctx context.Context, src pkgforge.CatalogSource) (map[string]model.PackageDetails, error) {
	base := src.PkgPath
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", base, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Errorf("%s: HTTP status %v", base, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	links, err := extractLinks(u, body)
	if err != nil {
		return nil, err
	}

	// group candidate filenames by package name
	candidates := make(map[string][]string) // name -> []version
	byNameVersion := make(map[[2]string]string)
	for _, link := range links {
		lu, err := url.Parse(link)
		if err != nil {
			continue
		}
		fn := path.Base(lu.Path)
		m := filenamePattern.FindStringSubmatch(fn)
		if m == nil {
			continue
		}
		name, version := m[1], m[2]
		candidates[name] = append(candidates[name], version)
		byNameVersion[[2]string{name, version}] = link
	}

	result := make(map[string]model.PackageDetails, len(candidates))
	for name, versions := range candidates {
		best := pickLatest(versions)
		link := byNameVersion[[2]string{name, best}]
		sum, err := hashRemote(ctx, link)
		if err != nil {
			c.Log.Printf("catalog scrape: hashing %s: %v", link, err)
			continue // per-package failure is logged and skipped, spec.md §7
		}
		result[name] = model.PackageDetails{
			Name:     name,
			Checksum: sum,
			Source:   link,
		}
	}
	return result, nil
}

// pickLatest mirrors extractVersions' sorting: semver comparison when every
// candidate parses as semver, reverse lexicographic otherwise.
func pickLatest(versions []string) string {
	vs := append([]string(nil), versions...)
	valid := true
	for _, v := range vs {
		if !semver.IsValid(maybeV(v)) {
			valid = false
			break
		}
	}
	if valid {
		sort.Slice(vs, func(i, j int) bool {
			return semver.Compare(maybeV(vs[i]), maybeV(vs[j])) > 0
		})
	} else {
		sort.Sort(sort.Reverse(sort.StringSlice(vs)))
	}
	return vs[0]
}

func maybeV(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func extractLinks(parent *url.URL, b []byte) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	var links []string
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				if uri, err := url.Parse(attr.Val); err == nil {
					links = append(links, parent.ResolveReference(uri).String())
				}
				break
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(doc)
	return links, nil
}

func hashRemote(ctx context.Context, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", link, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", xerrors.Errorf("%s: HTTP status %v", link, resp.Status)
	}
	h := sha256.New()
	if _, err := io.Copy(h, resp.Body); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
