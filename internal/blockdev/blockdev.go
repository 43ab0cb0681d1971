// Package blockdev manages the network block device lifecycle used to
// mount a raw cloud image for chroot provisioning.
package blockdev

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/imagekiln/kiln/internal/logging"
	"github.com/imagekiln/kiln/internal/retry"
	"github.com/imagekiln/kiln/internal/runner"
)

// The device node and mount directory are host-wide singletons. Two
// concurrent builds on one host would race destructively; the caller must
// not run them.
const (
	DefaultDevicePath    = "/dev/nbd0"
	DefaultPartitionPath = "/dev/nbd0p1"
	DefaultMountDir      = "/mnt/runner-image"
)

// Tool paths. All commands run with absolute paths.
const (
	qemuNBDPath  = "/usr/bin/qemu-nbd"
	mountPath    = "/usr/bin/mount"
	umountPath   = "/usr/bin/umount"
	growpartPath = "/usr/bin/growpart"
	resize2fsLoc = "/usr/sbin/resize2fs"
)

// Session is the binding between a raw image file and a filesystem path.
// At most one session may be active on the host device at a time.
type Session struct {
	ImagePath     string
	DevicePath    string
	PartitionPath string
	MountDir      string
}

// Manager drives the device through Clean, Attached, Mounted, and Resized
// states.
type Manager struct {
	Run           runner.Runner
	DevicePath    string
	PartitionPath string
	MountDir      string
	MountPolicy   retry.Policy
}

// NewManager returns a manager bound to the fixed host device and mount
// directory.
func NewManager(run runner.Runner) *Manager {
	return &Manager{
		Run:           run,
		DevicePath:    DefaultDevicePath,
		PartitionPath: DefaultPartitionPath,
		MountDir:      DefaultMountDir,
		MountPolicy: retry.Policy{
			MaxAttempts:  5,
			InitialDelay: 5 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2,
		},
	}
}

// CleanState removes any device or mount artifacts left by a previous
// build, including a crashed one. Every command is best-effort: unmounting
// a path that is not mounted or disconnecting a free device fails
// harmlessly and the failure is discarded. Safe to call blindly from any
// state.
func (m *Manager) CleanState(ctx context.Context) {
	if err := os.MkdirAll(m.MountDir, 0755); err != nil {
		logging.Warn("Failed to create mount directory", "dir", m.MountDir, "error", err)
	}

	unmountTargets := []string{
		filepath.Join(m.MountDir, "dev"),
		filepath.Join(m.MountDir, "proc"),
		filepath.Join(m.MountDir, "sys"),
		m.MountDir,
		m.DevicePath,
		m.PartitionPath,
	}
	for _, target := range unmountTargets {
		m.bestEffort(ctx, runner.Command{
			Path:    umountPath,
			Args:    []string{target},
			Timeout: 30 * time.Second,
		})
	}

	for _, device := range []string{m.DevicePath, m.PartitionPath} {
		m.bestEffort(ctx, runner.Command{
			Path:    qemuNBDPath,
			Args:    []string{"--disconnect", device},
			Timeout: 30 * time.Second,
		})
	}
}

// Attach connects the raw image file to the network block device. A failed
// attach is fatal and is not retried; it requires the image file to exist
// and the device to be free.
func (m *Manager) Attach(ctx context.Context, imagePath string) (*Session, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return nil, fmt.Errorf("image file not usable: %w", err)
	}

	_, err := m.Run.Run(ctx, runner.Command{
		Path:        qemuNBDPath,
		Args:        []string{fmt.Sprintf("--connect=%s", m.DevicePath), imagePath},
		Timeout:     60 * time.Second,
		MustSucceed: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach image to %s: %w", m.DevicePath, err)
	}

	logging.Debug("Image attached", "image", imagePath, "device", m.DevicePath)
	return &Session{
		ImagePath:     imagePath,
		DevicePath:    m.DevicePath,
		PartitionPath: m.PartitionPath,
		MountDir:      m.MountDir,
	}, nil
}

// MountPartition mounts the device's first partition read-write onto the
// mount directory. The kernel may not have registered the partition node
// yet, so the mount is retried with backoff before the failure aborts the
// build.
func (m *Manager) MountPartition(ctx context.Context) error {
	err := retry.Do(ctx, m.MountPolicy, func() error {
		_, runErr := m.Run.Run(ctx, runner.Command{
			Path:        mountPath,
			Args:        []string{"-o", "rw", m.PartitionPath, m.MountDir},
			Timeout:     60 * time.Second,
			MustSucceed: true,
		})
		return runErr
	})
	if err != nil {
		return fmt.Errorf("failed to mount %s on %s: %w", m.PartitionPath, m.MountDir, err)
	}

	logging.Debug("Partition mounted", "partition", m.PartitionPath, "dir", m.MountDir)
	return nil
}

// ResizePartition grows the first partition and its filesystem to fill the
// enlarged raw image. resize2fs supports online resize, so this runs while
// the partition is mounted. Not retried; failure aborts the build.
func (m *Manager) ResizePartition(ctx context.Context) error {
	if _, err := m.Run.Run(ctx, runner.Command{
		Path:        growpartPath,
		Args:        []string{m.DevicePath, "1"},
		Timeout:     10 * time.Minute,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to grow partition on %s: %w", m.DevicePath, err)
	}

	if _, err := m.Run.Run(ctx, runner.Command{
		Path:        resize2fsLoc,
		Args:        []string{m.PartitionPath},
		Timeout:     10 * time.Minute,
		MustSucceed: true,
	}); err != nil {
		return fmt.Errorf("failed to resize filesystem on %s: %w", m.PartitionPath, err)
	}

	logging.Debug("Partition resized", "partition", m.PartitionPath)
	return nil
}

// bestEffort runs a cleanup command, discarding any failure.
func (m *Manager) bestEffort(ctx context.Context, cmd runner.Command) {
	cmd.MustSucceed = false
	if _, err := m.Run.Run(ctx, cmd); err != nil {
		// Run only errors here on misconfiguration (relative path);
		// surface it for debugging but keep cleaning.
		logging.Warn("Cleanup command failed", "path", cmd.Path, "error", err)
	}
}
