// Package model holds the data types shared across pkgforge's components:
// package catalog records, build plans and build outcomes. It is the direct
// analogue of distri's pb package (which decodes build.textproto/meta.textproto
// via generated protobuf types): here the wire format is JSON, since no
// protobuf generator is available, but the shape — one record type per
// on-disk/over-the-wire artifact, a ReadXFile loader — is the same.
package model

import (
	"encoding/json"
	"io"
	"os"
)

// Dep is a single dependency reference from a catalog. In the upstream
// catalog format a dependency is either a bare package name or a structured
// tuple whose first element is the name (e.g. ["sqlite", #:version "3.40"]);
// Name is always populated with the resolved package name, Extra carries
// whatever else the tuple held (opaque, informational only — pkgforge does
// not interpret version constraints, see spec.md Non-goals).
type Dep struct {
	Name  string          `json:"name"`
	Extra json.RawMessage `json:"extra,omitempty"`
}

// UnmarshalJSON accepts a bare name, a tuple whose first element is the name
// (Extra then holds the whole tuple), or the {"name", "extra"} object form.
func (d *Dep) UnmarshalJSON(b []byte) error {
	var tuple []json.RawMessage
	if json.Unmarshal(b, &d.Name) == nil {
		return nil
	} else if json.Unmarshal(b, &tuple) == nil && len(tuple) > 0 {
		d.Extra = append(json.RawMessage(nil), b...)
		return json.Unmarshal(tuple[0], &d.Name)
	}
	type plain Dep
	return json.Unmarshal(b, (*plain)(d))
}

// legacyCoreDep and coreDep are the synthetic dependency remapping spec.md §3 requires:
// every reference to "racket" is rewritten to "base" wherever it appears in
// a dependency list.
const (
	legacyCoreDep = "racket"
	coreDep       = "base"
)

// NormalizeDepName applies the catalog's one synthetic rename.
func NormalizeDepName(name string) string {
	if name == legacyCoreDep {
		return coreDep
	}
	return name
}

// PackageDetails is the per-package record a catalog advertises: its
// checksum, where its source lives, and what it depends on.
type PackageDetails struct {
	Name         string `json:"name"`
	Checksum     string `json:"checksum"`
	Source       string `json:"source"`
	Dependencies []Dep  `json:"dependencies,omitempty"`
}

// DependencyNames returns the (already-normalized) dependency package names,
// discarding any structured tuple payload.
func (d PackageDetails) DependencyNames() []string {
	names := make([]string, len(d.Dependencies))
	for i, dep := range d.Dependencies {
		names[i] = NormalizeDepName(dep.Name)
	}
	return names
}

// PackageDetailsMap is what the Catalog Archiver (C1) produces: PackageDetails
// keyed by package name, plus the auxiliary sets needed by the planner and
// publisher.
type PackageDetailsMap struct {
	Details      map[string]PackageDetails `json:"details"`
	SnapshotPkgs map[string]bool           `json:"snapshot_pkgs"` // V4
	AllPkgs      map[string]bool           `json:"all_pkgs"`
}

func NewPackageDetailsMap() *PackageDetailsMap {
	return &PackageDetailsMap{
		Details:      make(map[string]PackageDetails),
		SnapshotPkgs: make(map[string]bool),
		AllPkgs:      make(map[string]bool),
	}
}

// PlanItem is one element of the Invalidation Planner's (C4) ordered plan: a
// single package name, or a non-empty set of mutually dependent names
// collapsed into one SCC group. Exactly one of Pkg / Group is set.
type PlanItem struct {
	Pkg   string   `json:"pkg,omitempty"`
	Group []string `json:"group,omitempty"`
}

// Members returns the package name(s) represented by this item.
func (p PlanItem) Members() []string {
	if len(p.Group) > 0 {
		return p.Group
	}
	return []string{p.Pkg}
}

func (p PlanItem) String() string {
	if len(p.Group) > 0 {
		s := "["
		for i, m := range p.Group {
			if i > 0 {
				s += " "
			}
			s += m
		}
		return s + "]"
	}
	return p.Pkg
}

// Plan is the ordered output of the Invalidation Planner.
type Plan struct {
	Items      []PlanItem      `json:"items"`
	FailedPkgs map[string]bool `json:"failed_pkgs"`
	NeedPkgs   map[string]bool `json:"need_pkgs"`
}

// BuildOutcome records what happened to one plan item; pkgforge-builder
// reads the successful ones to choose the Doc Assembler's inputs.
type BuildOutcome struct {
	Item      PlanItem `json:"item"`
	Succeeded bool     `json:"succeeded"`
	Bisected  bool     `json:"bisected"`
	Transcript string  `json:"transcript,omitempty"`
}

// ReadJSONFile decodes a JSON file into v, mirroring pb.ReadBuildFile's
// "open, read fully, decode" shape.
func ReadJSONFile(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}

// WriteJSON serializes v as indented JSON, for files meant to be
// human-readable (the catalog mirror, the installer baseline).
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
