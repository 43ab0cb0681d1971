// Package chroot provides a scoped chroot session with guaranteed unwind.
package chroot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/imagekiln/kiln/internal/logging"
	"github.com/imagekiln/kiln/internal/runner"
)

const (
	mountPath  = "/usr/bin/mount"
	umountPath = "/usr/bin/umount"
)

// bindPaths are the host paths bound into the new root, in bind order.
// Unbinding happens in reverse.
var bindPaths = []string{"/dev", "/proc", "/sys"}

// RootSwitcher changes the process root and restores it. Abstracted so the
// session unwind can be tested without privilege.
type RootSwitcher interface {
	Enter(root string) error
	Exit() error
}

// hostRootSwitcher switches the real process root via chroot(2), keeping a
// file descriptor to the original root to escape with.
type hostRootSwitcher struct {
	oldRoot *os.File
	oldWD   string
}

func (h *hostRootSwitcher) Enter(root string) error {
	oldRoot, err := os.Open("/")
	if err != nil {
		return fmt.Errorf("failed to open original root: %w", err)
	}
	oldWD, err := os.Getwd()
	if err != nil {
		oldRoot.Close()
		return fmt.Errorf("failed to read working directory: %w", err)
	}
	if err := unix.Chroot(root); err != nil {
		oldRoot.Close()
		return fmt.Errorf("chroot to %s failed: %w", root, err)
	}
	if err := os.Chdir("/"); err != nil {
		oldRoot.Close()
		return fmt.Errorf("chdir into new root failed: %w", err)
	}
	h.oldRoot = oldRoot
	h.oldWD = oldWD
	return nil
}

func (h *hostRootSwitcher) Exit() error {
	if h.oldRoot == nil {
		return fmt.Errorf("not inside a chroot session")
	}
	defer func() {
		h.oldRoot.Close()
		h.oldRoot = nil
	}()
	if err := unix.Fchdir(int(h.oldRoot.Fd())); err != nil {
		return fmt.Errorf("fchdir to original root failed: %w", err)
	}
	if err := unix.Chroot("."); err != nil {
		return fmt.Errorf("chroot back to original root failed: %w", err)
	}
	if err := os.Chdir(h.oldWD); err != nil {
		return fmt.Errorf("chdir to original working directory failed: %w", err)
	}
	return nil
}

// Manager creates chroot sessions. Nesting is not supported.
type Manager struct {
	Run      runner.Runner
	Switcher RootSwitcher
}

// NewManager returns a manager that switches the real process root.
func NewManager(run runner.Runner) *Manager {
	return &Manager{Run: run, Switcher: &hostRootSwitcher{}}
}

// Session is an entered chroot. It must be exited on every path.
type Session struct {
	Root string

	run      runner.Runner
	switcher RootSwitcher
	bound    []string
}

// Enter binds the host /dev, /proc, and /sys into the root and changes the
// process root. A bind failure aborts entry: already-established binds are
// unwound best-effort and the failure is returned.
func (m *Manager) Enter(ctx context.Context, root string) (*Session, error) {
	session := &Session{Root: root, run: m.Run, switcher: m.Switcher}

	for _, hostPath := range bindPaths {
		target := filepath.Join(root, hostPath)
		_, err := m.Run.Run(ctx, runner.Command{
			Path:        mountPath,
			Args:        []string{"--bind", hostPath, target},
			Timeout:     60 * time.Second,
			MustSucceed: true,
		})
		if err != nil {
			session.unbindAll(ctx)
			return nil, fmt.Errorf("failed to bind %s into %s: %w", hostPath, root, err)
		}
		session.bound = append(session.bound, target)
	}

	if err := m.Switcher.Enter(root); err != nil {
		session.unbindAll(ctx)
		return nil, err
	}

	logging.Debug("Entered chroot", "root", root)
	return session, nil
}

// Exit restores the original root, then unbinds the bound paths in reverse
// order. Each unbind is attempted even if an earlier one fails so a single
// stuck bind cannot leak the others; failures are aggregated into the
// returned error.
func (s *Session) Exit(ctx context.Context) error {
	var errs []error
	if err := s.switcher.Exit(); err != nil {
		errs = append(errs, err)
	}
	if err := s.unbindAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("chroot unwind incomplete: %w", errors.Join(errs...))
	}
	logging.Debug("Exited chroot", "root", s.Root)
	return nil
}

// unbindAll unmounts established binds in reverse order,
// collect-and-continue.
func (s *Session) unbindAll(ctx context.Context) error {
	var errs []error
	for i := len(s.bound) - 1; i >= 0; i-- {
		target := s.bound[i]
		_, err := s.run.Run(ctx, runner.Command{
			Path:        umountPath,
			Args:        []string{target},
			Timeout:     30 * time.Second,
			MustSucceed: true,
		})
		if err != nil {
			logging.Warn("Failed to unbind", "target", target, "error", err)
			errs = append(errs, err)
		}
	}
	s.bound = nil
	return errors.Join(errs...)
}
