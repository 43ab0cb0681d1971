package blockdev

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/imagekiln/kiln/internal/retry"
	"github.com/imagekiln/kiln/internal/runner"
)

// fakeRunner records every command and answers from a scripted response
// queue keyed by binary path.
type fakeRunner struct {
	commands  []runner.Command
	responses map[string][]error
}

func (f *fakeRunner) Run(ctx context.Context, cmd runner.Command) (runner.Output, error) {
	f.commands = append(f.commands, cmd)
	queue := f.responses[cmd.Path]
	if len(queue) == 0 {
		return runner.Output{}, nil
	}
	err := queue[0]
	f.responses[cmd.Path] = queue[1:]
	if err != nil && !cmd.MustSucceed {
		return runner.Output{}, nil
	}
	return runner.Output{}, err
}

func newTestManager(t *testing.T, run runner.Runner) *Manager {
	t.Helper()
	return &Manager{
		Run:           run,
		DevicePath:    DefaultDevicePath,
		PartitionPath: DefaultPartitionPath,
		MountDir:      filepath.Join(t.TempDir(), "mnt"),
		MountPolicy: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

func TestCleanStateIssuesFullSequence(t *testing.T) {
	fake := &fakeRunner{}
	m := newTestManager(t, fake)

	m.CleanState(context.Background())

	if _, err := os.Stat(m.MountDir); err != nil {
		t.Errorf("mount directory not created: %v", err)
	}

	// Six unmounts (bind targets, mount dir, device, partition) followed
	// by two disconnects.
	if len(fake.commands) != 8 {
		t.Fatalf("commands issued = %d, want 8", len(fake.commands))
	}
	wantTargets := []string{
		filepath.Join(m.MountDir, "dev"),
		filepath.Join(m.MountDir, "proc"),
		filepath.Join(m.MountDir, "sys"),
		m.MountDir,
		DefaultDevicePath,
		DefaultPartitionPath,
	}
	for i, target := range wantTargets {
		cmd := fake.commands[i]
		if cmd.Path != umountPath || cmd.Args[0] != target {
			t.Errorf("command %d = %s %v, want umount %s", i, cmd.Path, cmd.Args, target)
		}
		if cmd.MustSucceed {
			t.Errorf("cleanup command %d must be best-effort", i)
		}
	}
	for i, device := range []string{DefaultDevicePath, DefaultPartitionPath} {
		cmd := fake.commands[6+i]
		if cmd.Path != qemuNBDPath || cmd.Args[0] != "--disconnect" || cmd.Args[1] != device {
			t.Errorf("disconnect %d = %s %v", i, cmd.Path, cmd.Args)
		}
	}
}

func TestCleanStateIgnoresFailures(t *testing.T) {
	fake := &fakeRunner{responses: map[string][]error{
		umountPath:  {errors.New("not mounted"), errors.New("not mounted")},
		qemuNBDPath: {errors.New("not connected")},
	}}
	m := newTestManager(t, fake)

	// Must not panic or abort; all commands still issued.
	m.CleanState(context.Background())
	if len(fake.commands) != 8 {
		t.Errorf("commands issued = %d, want 8", len(fake.commands))
	}
}

func TestAttach(t *testing.T) {
	fake := &fakeRunner{}
	m := newTestManager(t, fake)

	imagePath := filepath.Join(t.TempDir(), "base.img")
	if err := os.WriteFile(imagePath, []byte("img"), 0644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	session, err := m.Attach(context.Background(), imagePath)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if session.DevicePath != DefaultDevicePath || session.PartitionPath != DefaultPartitionPath {
		t.Errorf("unexpected session: %+v", session)
	}

	if len(fake.commands) != 1 {
		t.Fatalf("commands issued = %d, want 1", len(fake.commands))
	}
	cmd := fake.commands[0]
	if cmd.Path != qemuNBDPath || cmd.Args[0] != "--connect="+DefaultDevicePath || cmd.Args[1] != imagePath {
		t.Errorf("attach command = %s %v", cmd.Path, cmd.Args)
	}
	if !cmd.MustSucceed {
		t.Error("attach must not be best-effort")
	}
}

func TestAttachMissingImage(t *testing.T) {
	fake := &fakeRunner{}
	m := newTestManager(t, fake)

	_, err := m.Attach(context.Background(), filepath.Join(t.TempDir(), "missing.img"))
	if err == nil {
		t.Fatal("expected error for missing image file")
	}
	if len(fake.commands) != 0 {
		t.Error("no command should run when the image is missing")
	}
}

func TestAttachFailureNotRetried(t *testing.T) {
	attachErr := errors.New("device busy")
	fake := &fakeRunner{responses: map[string][]error{
		qemuNBDPath: {attachErr},
	}}
	m := newTestManager(t, fake)

	imagePath := filepath.Join(t.TempDir(), "base.img")
	if err := os.WriteFile(imagePath, []byte("img"), 0644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}

	_, err := m.Attach(context.Background(), imagePath)
	if !errors.Is(err, attachErr) {
		t.Errorf("expected attach error, got: %v", err)
	}
	if len(fake.commands) != 1 {
		t.Errorf("attach attempts = %d, want 1", len(fake.commands))
	}
}

func TestMountPartitionRetriesUntilNodeAppears(t *testing.T) {
	mountErr := errors.New("special device does not exist")
	fake := &fakeRunner{responses: map[string][]error{
		mountPath: {mountErr, mountErr, nil},
	}}
	m := newTestManager(t, fake)

	if err := m.MountPartition(context.Background()); err != nil {
		t.Fatalf("MountPartition failed: %v", err)
	}
	if len(fake.commands) != 3 {
		t.Errorf("mount attempts = %d, want 3", len(fake.commands))
	}
	cmd := fake.commands[0]
	wantArgs := []string{"-o", "rw", DefaultPartitionPath, m.MountDir}
	for i, arg := range wantArgs {
		if cmd.Args[i] != arg {
			t.Errorf("mount arg %d = %s, want %s", i, cmd.Args[i], arg)
		}
	}
}

func TestMountPartitionExhaustsRetries(t *testing.T) {
	mountErr := errors.New("special device does not exist")
	fake := &fakeRunner{responses: map[string][]error{
		mountPath: {mountErr, mountErr, mountErr, mountErr},
	}}
	m := newTestManager(t, fake)

	err := m.MountPartition(context.Background())
	if !errors.Is(err, mountErr) {
		t.Errorf("expected mount error, got: %v", err)
	}
	if len(fake.commands) != int(m.MountPolicy.MaxAttempts) {
		t.Errorf("mount attempts = %d, want %d", len(fake.commands), m.MountPolicy.MaxAttempts)
	}
}

func TestResizePartition(t *testing.T) {
	fake := &fakeRunner{}
	m := newTestManager(t, fake)

	if err := m.ResizePartition(context.Background()); err != nil {
		t.Fatalf("ResizePartition failed: %v", err)
	}
	if len(fake.commands) != 2 {
		t.Fatalf("commands issued = %d, want 2", len(fake.commands))
	}
	grow := fake.commands[0]
	if grow.Path != growpartPath || grow.Args[0] != DefaultDevicePath || grow.Args[1] != "1" {
		t.Errorf("growpart command = %s %v", grow.Path, grow.Args)
	}
	resize := fake.commands[1]
	if resize.Path != resize2fsLoc || resize.Args[0] != DefaultPartitionPath {
		t.Errorf("resize2fs command = %s %v", resize.Path, resize.Args)
	}
}

func TestResizePartitionGrowpartFailureSkipsResize(t *testing.T) {
	growErr := errors.New("partition table corrupt")
	fake := &fakeRunner{responses: map[string][]error{
		growpartPath: {growErr},
	}}
	m := newTestManager(t, fake)

	err := m.ResizePartition(context.Background())
	if !errors.Is(err, growErr) {
		t.Errorf("expected growpart error, got: %v", err)
	}
	if len(fake.commands) != 1 {
		t.Errorf("commands issued = %d, want 1 (resize2fs must not run)", len(fake.commands))
	}
}
