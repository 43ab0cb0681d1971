// Package builder provides the core image build pipeline for kiln.
package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/imagekiln/kiln/internal/blockdev"
	"github.com/imagekiln/kiln/internal/chroot"
	"github.com/imagekiln/kiln/internal/cloudimage"
	"github.com/imagekiln/kiln/internal/config"
	"github.com/imagekiln/kiln/internal/logging"
	"github.com/imagekiln/kiln/internal/retry"
	"github.com/imagekiln/kiln/internal/runner"
	"github.com/imagekiln/kiln/internal/utils"
)

// resizeAmount is the raw image growth applied before provisioning. The
// smallest increase that caters for the installations within this image.
const resizeAmount = "+1.5G"

const hostResolvConf = "/etc/resolv.conf"

// Tool paths on the build host.
const (
	qemuImgPath      = "/usr/bin/qemu-img"
	virtSparsifyPath = "/usr/bin/virt-sparsify"
	aptGetPath       = "/usr/bin/apt-get"
	modprobePath     = "/usr/sbin/modprobe"
)

// hostDependencies are the apt packages the build host needs.
var hostDependencies = []string{
	"qemu-utils",       // qemu-img and qemu-nbd
	"libguestfs-tools", // virt-sparsify
	"cloud-utils",      // growpart
}

// BuildError is the single failure category reported by a pipeline run.
// The failing step and original cause remain inspectable.
type BuildError struct {
	Step string
	Err  error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed at step %q: %v", e.Step, e.Err)
}

// Unwrap returns the original cause.
func (e *BuildError) Unwrap() error {
	return e.Err
}

// Builder runs the image build pipeline: download, resize, attach, chroot
// provisioning, detach, compress. Strictly sequential; each step depends
// on completion of the previous one.
type Builder struct {
	Config   config.BuildConfig
	Run      runner.Runner
	Images   *cloudimage.Client
	BlockDev *blockdev.Manager
	Chroot   *chroot.Manager
	// WorkDir receives the downloaded base image.
	WorkDir string
	// ProvisionRoot is the filesystem root the provisioning helpers
	// resolve paths against. Once the chroot has been entered this is the
	// process root.
	ProvisionRoot  string
	CompressPolicy retry.Policy

	imagePath string
	session   *blockdev.Session
}

// New wires a builder against the real host.
func New(cfg config.BuildConfig) *Builder {
	run := runner.New()
	return &Builder{
		Config:   cfg,
		Run:      run,
		Images:   cloudimage.NewClient(),
		BlockDev: blockdev.NewManager(run),
		Chroot:        chroot.NewManager(run),
		WorkDir:       ".",
		ProvisionRoot: "/",
		CompressPolicy: retry.Policy{
			MaxAttempts:  5,
			InitialDelay: 5 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2,
		},
	}
}

// Initialize configures the host machine to build images: installs the
// qemu/guestfs/cloud-utils tooling and loads the nbd kernel module.
func Initialize(ctx context.Context, run runner.Runner) error {
	logging.Info("Installing host dependencies", "packages", hostDependencies)
	if _, err := run.Run(ctx, runner.Command{
		Path:        aptGetPath,
		Args:        []string{"update", "-y"},
		Timeout:     30 * time.Minute,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to update host package index: %w", err)
	}
	if _, err := run.Run(ctx, runner.Command{
		Path:        aptGetPath,
		Args:        append([]string{"install", "-y", "--no-install-recommends"}, hostDependencies...),
		Timeout:     30 * time.Minute,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to install host dependencies: %w", err)
	}

	logging.Info("Enabling network block device module")
	if _, err := run.Run(ctx, runner.Command{
		Path:        modprobePath,
		Args:        []string{"nbd"},
		Timeout:     10 * time.Second,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to load nbd module: %w", err)
	}
	return nil
}

// Build runs the pipeline end to end. Any step failure triggers a cleanup
// pass and is wrapped into a single *BuildError preserving the cause.
// Partial mounts and chroots never leak past the invocation: cleanup is
// attempted on every exit path, and once more at the very end.
func (b *Builder) Build(ctx context.Context) error {
	logging.Info("Starting image build", "arch", b.Config.Arch, "base", b.Config.Base, "output", b.Config.Output)

	// Recover from a prior crashed run before anything else, and leave
	// the host clean no matter how this run ends.
	b.BlockDev.CleanState(ctx)
	defer b.BlockDev.CleanState(ctx)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"download cloud image", b.downloadImage},
		{"resize cloud image", b.resizeImage},
		{"attach and mount image", b.attachAndMount},
		{"replace resolv.conf", b.replaceResolvConf},
		{"resize partitions", b.resizePartitions},
		{"provision chroot", b.provisionChroot},
		{"detach image", b.detach},
		{"compress image", b.compressImage},
	}

	for _, step := range steps {
		logging.Info(step.name)
		if err := step.fn(ctx); err != nil {
			b.BlockDev.CleanState(ctx)
			return &BuildError{Step: step.name, Err: err}
		}
	}

	logging.Info("Image build complete", "output", b.Config.Output)
	return nil
}

// downloadImage fetches and checksum-validates the base cloud image.
func (b *Builder) downloadImage(ctx context.Context) error {
	image, err := b.Images.DownloadAndValidate(ctx, b.Config.Arch, b.Config.Base, b.WorkDir)
	if err != nil {
		return err
	}
	b.imagePath = image.Path
	return nil
}

// resizeImage grows the raw image file to leave room for package installs.
// This is a sparse resize of the image file, not yet of the filesystem
// inside it.
func (b *Builder) resizeImage(ctx context.Context) error {
	_, err := b.Run.Run(ctx, runner.Command{
		Path:        qemuImgPath,
		Args:        []string{"resize", b.imagePath, resizeAmount},
		Timeout:     60 * time.Second,
		MustSucceed: true,
	})
	if err != nil {
		return fmt.Errorf("failed to resize %s: %w", b.imagePath, err)
	}
	return nil
}

// attachAndMount connects the image to the block device and mounts its
// first partition.
func (b *Builder) attachAndMount(ctx context.Context) error {
	session, err := b.BlockDev.Attach(ctx, b.imagePath)
	if err != nil {
		return err
	}
	b.session = session
	return b.BlockDev.MountPartition(ctx)
}

// replaceResolvConf swaps the mounted image's resolv.conf for the host's
// so the chroot has working DNS. Delete-then-copy, not merge.
func (b *Builder) replaceResolvConf(ctx context.Context) error {
	mounted := filepath.Join(b.session.MountDir, "etc", "resolv.conf")
	if err := os.Remove(mounted); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove mounted resolv.conf: %w", err)
	}
	if err := utils.CopyFile(hostResolvConf, mounted, 0644); err != nil {
		return fmt.Errorf("failed to copy host resolv.conf: %w", err)
	}
	return nil
}

// resizePartitions fills the enlarged raw image.
func (b *Builder) resizePartitions(ctx context.Context) error {
	return b.BlockDev.ResizePartition(ctx)
}

// provisionChroot enters the mounted root, provisions it, and exits. The
// unwind runs on every path; an unwind failure never masks the
// provisioning error.
func (b *Builder) provisionChroot(ctx context.Context) error {
	session, err := b.Chroot.Enter(ctx, b.session.MountDir)
	if err != nil {
		return err
	}

	provisionErr := b.provision(ctx)
	exitErr := session.Exit(ctx)
	if provisionErr != nil {
		if exitErr != nil {
			logging.Warn("Chroot unwind failed after provisioning error", "error", exitErr)
		}
		return provisionErr
	}
	return exitErr
}

// detach unmounts and disconnects the image so it can be compressed.
func (b *Builder) detach(ctx context.Context) error {
	b.BlockDev.CleanState(ctx)
	b.session = nil
	return nil
}

// compressImage sparsifies the image into the output path. virt-sparsify
// is flaky under load, so this is retried.
func (b *Builder) compressImage(ctx context.Context) error {
	err := retry.Do(ctx, b.CompressPolicy, func() error {
		_, runErr := b.Run.Run(ctx, runner.Command{
			Path:        virtSparsifyPath,
			Args:        []string{"--compress", b.imagePath, b.Config.Output},
			Timeout:     10 * time.Minute,
			MustSucceed: true,
		})
		return runErr
	})
	if err != nil {
		return fmt.Errorf("failed to compress image to %s: %w", b.Config.Output, err)
	}
	return nil
}
