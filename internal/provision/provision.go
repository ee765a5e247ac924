// Package provision implements the Installer Provisioner (C2): it boots a
// clean snapshot, installs the distribution's installer, queries the
// resulting baseline package set, captures the baseline doc manifest, and
// snapshots the result as "installed" for every subsequent build attempt to
// restore from.
package provision

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/distr1/pkgforge/internal/model"
	"github.com/distr1/pkgforge/internal/vm"
	"golang.org/x/xerrors"
)

const installedSnapshot = "installed"

// Ctx is an installer provisioner context.
type Ctx struct {
	Log *log.Logger

	VM      *vm.Ctx
	WorkDir string

	// InitSnapshot is the pristine snapshot restored before installing
	// (spec.md §6, vm_init_snapshot).
	InitSnapshot string

	// InstallerPath is the local path of the installer image to push.
	InstallerPath string

	// Timeout bounds each remote command issued during provisioning.
	Timeout time.Duration
}

func (c *Ctx) baselinePath() string { return filepath.Join(c.WorkDir, "install-list.json") }

// Baseline is I and its baseline doc manifest, captured once per
// provisioning run.
type Baseline struct {
	Pkgs map[string]bool            `json:"pkgs"`
	Docs map[string]json.RawMessage `json:"docs"`
}

// Provision runs the full boot/install/capture/snapshot cycle.
func (c *Ctx) Provision(ctx context.Context) (*Baseline, error) {
	if err := c.VM.SnapshotRestore(ctx, c.InitSnapshot); err != nil {
		return nil, xerrors.Errorf("restoring %s: %w", c.InitSnapshot, err)
	}
	if err := c.VM.Start(ctx); err != nil {
		return nil, xerrors.Errorf("starting vm: %w", err)
	}
	defer c.VM.Stop(ctx, false)

	remoteInstaller := "/tmp/installer"
	if err := c.VM.FilePush(ctx, c.InstallerPath, remoteInstaller); err != nil {
		return nil, xerrors.Errorf("pushing installer: %w", err)
	}

	installResult, err := c.VM.RemoteExec(ctx, "sh "+remoteInstaller, c.Timeout, "")
	if err != nil {
		return nil, xerrors.Errorf("running installer: %w", err)
	}
	if installResult.Outcome != vm.Ok {
		return nil, xerrors.Errorf("installer failed: %s", installResult.Transcript)
	}

	pkgsResult, err := c.VM.RemoteExec(ctx, "pkgforge-agent list-installed", c.Timeout, "")
	if err != nil || pkgsResult.Outcome != vm.Ok {
		return nil, xerrors.Errorf("querying baseline packages: %v %s", err, pkgsResult.Transcript)
	}
	pkgs := make(map[string]bool)
	for _, name := range strings.Fields(pkgsResult.Transcript) {
		pkgs[name] = true
	}

	docsResult, err := c.VM.RemoteExec(ctx, "pkgforge-agent docs-all", c.Timeout, "")
	if err != nil || docsResult.Outcome != vm.Ok {
		return nil, xerrors.Errorf("querying baseline docs: %v %s", err, docsResult.Transcript)
	}
	var docs map[string]json.RawMessage
	if err := json.Unmarshal([]byte(docsResult.Transcript), &docs); err != nil {
		docs = map[string]json.RawMessage{}
	}

	if exists, err := c.VM.SnapshotExists(ctx, installedSnapshot); err != nil {
		return nil, err
	} else if exists {
		if err := c.VM.SnapshotDelete(ctx, installedSnapshot); err != nil {
			return nil, xerrors.Errorf("deleting prior %s snapshot: %w", installedSnapshot, err)
		}
	}
	if err := c.VM.SnapshotTake(ctx, installedSnapshot); err != nil {
		return nil, xerrors.Errorf("taking %s snapshot: %w", installedSnapshot, err)
	}

	b := &Baseline{Pkgs: pkgs, Docs: docs}
	if err := c.save(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Reuse loads a previously captured baseline, for skip_install runs. The
// caller is responsible for the documented precondition that the cached
// listing is still current (spec.md §8, scenario 6).
func (c *Ctx) Reuse() (*Baseline, error) {
	b := &Baseline{}
	if err := model.ReadJSONFile(c.baselinePath(), b); err != nil {
		return nil, xerrors.Errorf("skip_install set but no prior baseline found: %w", err)
	}
	return b, nil
}

func (c *Ctx) save(b *Baseline) error {
	if err := os.MkdirAll(c.WorkDir, 0755); err != nil {
		return err
	}
	f, err := os.Create(c.baselinePath())
	if err != nil {
		return err
	}
	defer f.Close()
	return model.WriteJSON(f, b)
}
