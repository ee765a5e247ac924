// Package vm implements the VM / Transport Adapter (C7): snapshot
// management, remote command execution with a tee'd transcript and a
// per-command timeout, and file transfer, all shelled out to ssh/scp/a VM
// management tool on the host PATH (spec.md §6 host preconditions), the
// same way distri/internal/batch and cmd/autobuilder shell out to external
// tools via os/exec rather than linking a client library.
package vm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Outcome tags the result of a remote command without raising an exception
// for the expected failure modes (spec.md §9, "exception-driven timeout
// control" re-expressed as a tagged outcome).
type Outcome int

const (
	Ok Outcome = iota
	Failed
	TimedOut
)

// Result is the outcome of one remote_exec call.
type Result struct {
	Outcome    Outcome
	Transcript string
}

// Ctx is a VM/transport adapter context. Name identifies the VM to the
// configured management tool (snapshot operations); Host/User/Dir address
// the SSH transport remote_exec and file_push/file_pull use.
type Ctx struct {
	Log *log.Logger

	Name string // VM identity, for snapshot_* and vm_start/vm_stop
	Host string
	User string
	Dir  string // remote working directory

	// VMTool is the executable used for snapshot and power operations
	// (e.g. "virsh"); overridable for tests.
	VMTool string
	// SSHPath / SCPPath default to "ssh" / "scp" on the host PATH.
	SSHPath string
	SCPPath string

	// TunnelPort is the loopback catalog-server port the reverse tunnel
	// forwards into the VM (spec.md §4.7, §6).
	TunnelPort int
}

func (c *Ctx) vmTool() string {
	if c.VMTool != "" {
		return c.VMTool
	}
	return "vmctl"
}

func (c *Ctx) sshPath() string {
	if c.SSHPath != "" {
		return c.SSHPath
	}
	return "ssh"
}

func (c *Ctx) scpPath() string {
	if c.SCPPath != "" {
		return c.SCPPath
	}
	return "scp"
}

// loopback reports whether remote_exec should short-circuit to a local
// command instead of going through SSH (spec.md §4.7).
func (c *Ctx) loopback() bool {
	return (c.Host == "127.0.0.1" || c.Host == "localhost" || c.Host == "") && c.User == ""
}

func (c *Ctx) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("%v: %w", cmd.Args, err)
	}
	return nil
}

func (c *Ctx) SnapshotExists(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, c.vmTool(), "snapshot-info", c.Name, name)
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Ctx) SnapshotTake(ctx context.Context, name string) error {
	return c.run(ctx, c.vmTool(), "snapshot-create", c.Name, name)
}

func (c *Ctx) SnapshotDelete(ctx context.Context, name string) error {
	return c.run(ctx, c.vmTool(), "snapshot-delete", c.Name, name)
}

func (c *Ctx) SnapshotRestore(ctx context.Context, name string) error {
	return c.run(ctx, c.vmTool(), "snapshot-restore", c.Name, name)
}

func (c *Ctx) Start(ctx context.Context) error {
	return c.run(ctx, c.vmTool(), "start", c.Name)
}

// Stop always stops the VM; saveState controls whether the hypervisor is
// asked to persist memory state (the Build Engine always passes false, per
// spec.md §5: "no state saved between builds").
func (c *Ctx) Stop(ctx context.Context, saveState bool) error {
	args := []string{"stop", c.Name}
	if !saveState {
		args = append(args, "-discard-state")
	}
	return c.run(ctx, c.vmTool(), args...)
}

// RemoteExec runs cmd on the VM (or locally, per loopback short-circuit),
// tee-ing stdout and stderr to both the console and an in-memory
// transcript, and enforcing timeout. On failure (including timeout) the
// transcript is atomically written to captureDest, if non-empty.
func (c *Ctx) RemoteExec(ctx context.Context, cmd string, timeout time.Duration, captureDest string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var execCmd *exec.Cmd
	if c.loopback() {
		execCmd = exec.CommandContext(cctx, "sh", "-c", cmd)
	} else {
		target := c.Host
		if c.User != "" {
			target = c.User + "@" + c.Host
		}
		var sshArgs []string
		if c.TunnelPort != 0 {
			sshArgs = append(sshArgs, "-R", fmt.Sprintf("%d:127.0.0.1:%d", c.TunnelPort, c.TunnelPort))
		}
		sshArgs = append(sshArgs, target)
		if c.Dir != "" {
			sshArgs = append(sshArgs, fmt.Sprintf("cd %s && %s", shellQuote(c.Dir), cmd))
		} else {
			sshArgs = append(sshArgs, cmd)
		}
		execCmd = exec.CommandContext(cctx, c.sshPath(), sshArgs...)
	}

	var transcript bytes.Buffer
	stdoutPipe, err := execCmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	stderrPipe, err := execCmd.StderrPipe()
	if err != nil {
		return Result{}, err
	}

	if err := execCmd.Start(); err != nil {
		return Result{}, xerrors.Errorf("starting %v: %w", execCmd.Args, err)
	}

	var mu sync.Mutex
	eg, _ := errgroup.WithContext(cctx)
	eg.Go(func() error { return teeInto(stdoutPipe, os.Stdout, &transcript, &mu) })
	eg.Go(func() error { return teeInto(stderrPipe, os.Stderr, &transcript, &mu) })
	teeErr := eg.Wait()

	runErr := execCmd.Wait()

	result := Result{Outcome: Ok, Transcript: transcript.String()}
	switch {
	case cctx.Err() == context.DeadlineExceeded:
		result.Outcome = TimedOut
		result.Transcript += fmt.Sprintf("\nTimeout after %d seconds\n", int(timeout.Seconds()))
	case runErr != nil || teeErr != nil:
		result.Outcome = Failed
	}

	if result.Outcome != Ok && captureDest != "" {
		if err := renameio.WriteFile(captureDest, []byte(result.Transcript), 0644); err != nil {
			return result, xerrors.Errorf("writing transcript to %s: %w", captureDest, err)
		}
	}
	return result, nil
}

// FilePush copies a local file to the VM (no-op passthrough to a plain copy
// when loopback).
func (c *Ctx) FilePush(ctx context.Context, local, remote string) error {
	if c.loopback() {
		return c.run(ctx, "cp", local, remote)
	}
	target := c.Host + ":" + remote
	if c.User != "" {
		target = c.User + "@" + target
	}
	return c.run(ctx, c.scpPath(), local, target)
}

// FilePull copies a file back from the VM. When mayFail is set, a missing
// remote file is not an error (used for best-effort doc/zip salvage).
func (c *Ctx) FilePull(ctx context.Context, remote, local string, mayFail bool) error {
	var err error
	if c.loopback() {
		err = c.run(ctx, "cp", remote, local)
	} else {
		source := c.Host + ":" + remote
		if c.User != "" {
			source = c.User + "@" + source
		}
		err = c.run(ctx, c.scpPath(), source, local)
	}
	if err != nil && mayFail {
		return nil
	}
	return err
}

func teeInto(r io.Reader, console io.Writer, transcript *bytes.Buffer, mu *sync.Mutex) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			console.Write(buf[:n])
			mu.Lock()
			transcript.Write(buf[:n])
			mu.Unlock()
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
