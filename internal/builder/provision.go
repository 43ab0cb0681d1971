package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/imagekiln/kiln/internal/logging"
	"github.com/imagekiln/kiln/internal/runner"
)

// Tool paths inside the chroot.
const (
	systemctlPath = "/usr/bin/systemctl"
	useraddPath   = "/usr/sbin/useradd"
	groupaddPath  = "/usr/sbin/groupadd"
	usermodPath   = "/usr/sbin/usermod"
	chmodPath     = "/usr/bin/chmod"
	npmPath       = "/usr/bin/npm"
	gitPath       = "/usr/bin/git"
	goToolPath    = "/usr/bin/go"
)

// Runner user layout, mirroring the hosted-runner convention.
const (
	runnerUser = "ubuntu"
	runnerHome = "/home/ubuntu"

	dockerGroup   = "docker"
	microk8sGroup = "microk8s"
	lxdGroup      = "lxd"
)

const (
	pythonPath        = "/usr/bin/python3"
	pythonSymlinkPath = "/usr/bin/python"
)

const yqSourceDir = "/tmp/yq-src"

// aptUnits are the unattended-upgrade timers and services that would race
// chroot provisioning for the apt lock.
var aptUnits = []string{
	"apt-daily.timer",
	"apt-daily.service",
	"apt-daily-upgrade.timer",
	"apt-daily-upgrade.service",
}

var nonInteractiveEnv = []string{"DEBIAN_FRONTEND=noninteractive"}

// provision configures the mounted image from inside the chroot. All
// filesystem paths here resolve against the image root.
func (b *Builder) provision(ctx context.Context) error {
	logging.Info("Installing image packages")
	if err := b.installPackages(ctx); err != nil {
		return err
	}

	logging.Info("Creating python symlinks")
	if err := b.createPythonSymlink(); err != nil {
		return err
	}

	logging.Info("Disabling unattended upgrades")
	if err := b.disableUnattendedUpgrades(ctx); err != nil {
		return err
	}

	logging.Info("Configuring runner user")
	if err := b.configureRunnerUser(ctx); err != nil {
		return err
	}

	logging.Info("Installing external tools")
	return b.installExternalTools(ctx)
}

// installPackages refreshes the package index and installs the manifest's
// apt set non-interactively.
func (b *Builder) installPackages(ctx context.Context) error {
	if _, err := b.Run.Run(ctx, runner.Command{
		Path:        aptGetPath,
		Args:        []string{"update", "-y"},
		Timeout:     10 * time.Minute,
		Env:         nonInteractiveEnv,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to update package index: %w", err)
	}

	args := append([]string{"install", "-y", "--no-install-recommends"}, b.Config.Manifest.Packages.Apt...)
	if _, err := b.Run.Run(ctx, runner.Command{
		Path:        aptGetPath,
		Args:        args,
		Timeout:     20 * time.Minute,
		Env:         nonInteractiveEnv,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to install packages: %w", err)
	}
	return nil
}

func (b *Builder) createPythonSymlink() error {
	link := filepath.Join(b.ProvisionRoot, pythonSymlinkPath)
	if err := os.Symlink(pythonPath, link); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to create python symlink: %w", err)
	}
	return nil
}

// disableUnattendedUpgrades stops, disables, and masks the apt background
// units, reloads systemd, and removes the unattended-upgrades package so
// later steps cannot race background apt locks.
func (b *Builder) disableUnattendedUpgrades(ctx context.Context) error {
	for _, unit := range aptUnits {
		for _, action := range []string{"stop", "disable", "mask"} {
			if _, err := b.Run.Run(ctx, runner.Command{
				Path:        systemctlPath,
				Args:        []string{action, unit},
				Timeout:     30 * time.Second,
				MustSucceed: true,
			}); err != nil {
				return fmt.Errorf("failed to %s %s: %w", action, unit, err)
			}
		}
	}

	if _, err := b.Run.Run(ctx, runner.Command{
		Path:        systemctlPath,
		Args:        []string{"daemon-reload"},
		Timeout:     30 * time.Second,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}

	if _, err := b.Run.Run(ctx, runner.Command{
		Path:        aptGetPath,
		Args:        []string{"remove", "-y", "unattended-upgrades"},
		Timeout:     30 * time.Second,
		Env:         nonInteractiveEnv,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to remove unattended-upgrades: %w", err)
	}
	return nil
}

// configureRunnerUser creates the runner account, extends its PATH, and
// grants it the container tooling groups.
func (b *Builder) configureRunnerUser(ctx context.Context) error {
	if _, err := b.Run.Run(ctx, runner.Command{
		Path:        useraddPath,
		Args:        []string{"-m", runnerUser},
		Timeout:     30 * time.Second,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to create user %s: %w", runnerUser, err)
	}

	pathLine := fmt.Sprintf("PATH=$PATH:%s/.local/bin\n", runnerHome)
	for _, initFile := range []string{".profile", ".bashrc"} {
		if err := appendLine(filepath.Join(b.ProvisionRoot, runnerHome, initFile), pathLine); err != nil {
			return err
		}
	}

	if _, err := b.Run.Run(ctx, runner.Command{
		Path:        groupaddPath,
		Args:        []string{microk8sGroup},
		Timeout:     30 * time.Second,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to create group %s: %w", microk8sGroup, err)
	}

	for _, group := range []string{dockerGroup, microk8sGroup, lxdGroup} {
		if _, err := b.Run.Run(ctx, runner.Command{
			Path:        usermodPath,
			Args:        []string{"-aG", group, runnerUser},
			Timeout:     30 * time.Second,
			MustSucceed: true,
		}); err != nil {
			return fmt.Errorf("failed to add %s to group %s: %w", runnerUser, group, err)
		}
	}

	// Hosted runners expect tools to be droppable into /usr/local/bin by
	// the runner user.
	if _, err := b.Run.Run(ctx, runner.Command{
		Path:        chmodPath,
		Args:        []string{"777", "/usr/local/bin"},
		Timeout:     30 * time.Second,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to relax /usr/local/bin permissions: %w", err)
	}
	return nil
}

// installExternalTools installs tooling not available via apt: yarn through
// npm, and yq built from its pinned upstream source.
func (b *Builder) installExternalTools(ctx context.Context) error {
	tools := b.Config.Manifest.Tools

	if _, err := b.Run.Run(ctx, runner.Command{
		Path:        npmPath,
		Args:        []string{"install", "--global", tools.YarnPackage},
		Timeout:     5 * time.Minute,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to install %s: %w", tools.YarnPackage, err)
	}
	if _, err := b.Run.Run(ctx, runner.Command{
		Path:        npmPath,
		Args:        []string{"cache", "clean", "--force"},
		Timeout:     60 * time.Second,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to clean npm cache: %w", err)
	}

	return b.buildYq(ctx, tools.YqRepository)
}

// buildYq clones yq from its upstream repository and builds it with the Go
// toolchain installed by the package step.
func (b *Builder) buildYq(ctx context.Context, repository string) error {
	srcDir := filepath.Join(b.ProvisionRoot, yqSourceDir)
	if err := os.RemoveAll(srcDir); err != nil {
		return fmt.Errorf("failed to clear yq source dir: %w", err)
	}

	if _, err := b.Run.Run(ctx, runner.Command{
		Path:        gitPath,
		Args:        []string{"clone", "--depth", "1", repository, srcDir},
		Timeout:     5 * time.Minute,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to clone yq from %s: %w", repository, err)
	}

	if _, err := b.Run.Run(ctx, runner.Command{
		Path:        goToolPath,
		Args:        []string{"build", "-C", srcDir, "-o", "/usr/bin/yq"},
		Timeout:     10 * time.Minute,
		Env:         []string{"HOME=/root", "GOFLAGS=-mod=mod"},
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to build yq: %w", err)
	}

	if err := os.RemoveAll(srcDir); err != nil {
		logging.Warn("Failed to remove yq source dir", "dir", srcDir, "error", err)
	}
	return nil
}

// appendLine appends a line to an existing file.
func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return nil
}
