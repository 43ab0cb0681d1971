// Package store publishes built images to a cloud image registry and
// prunes older revisions.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/imagekiln/kiln/internal/config"
	"github.com/imagekiln/kiln/internal/logging"
)

// ErrNoImages indicates no image with the requested name exists in the
// registry.
var ErrNoImages = errors.New("no images found")

// Image is one uploaded revision in the registry. Many revisions share a
// name; the registry is the source of truth.
type Image struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Connection is the registry surface the manager drives. The OpenStack
// implementation lives in this package; tests substitute fakes.
type Connection interface {
	CreateImage(ctx context.Context, name, filename string, properties map[string]string) (*Image, error)
	CreateServerSnapshot(ctx context.Context, name, serverID string, properties map[string]string) (*Image, error)
	SearchImages(ctx context.Context, name string) ([]Image, error)
	DeleteImage(ctx context.Context, id string) error
}

// PruneError reports revision pruning failures. Upload and snapshot
// creation report success (the new image ID) even when pruning fails;
// callers that care can errors.As for this type.
type PruneError struct {
	Name string
	Err  error
}

// Error implements the error interface.
func (e *PruneError) Error() string {
	return fmt.Sprintf("failed to prune old revisions of %q: %v", e.Name, e.Err)
}

// Unwrap returns the aggregated deletion failures.
func (e *PruneError) Unwrap() error {
	return e.Err
}

// Manager uploads artifacts and keeps the revision count bounded.
type Manager struct {
	Conn Connection
}

// NewManager returns a manager over the given registry connection.
func NewManager(conn Connection) *Manager {
	return &Manager{Conn: conn}
}

// Upload publishes a local artifact under name, tagged with its
// architecture, then prunes revisions beyond keepCount. Duplicate names
// are allowed by the registry. On prune failure the returned ID is still
// valid and the error is a *PruneError.
func (m *Manager) Upload(ctx context.Context, localPath, name string, arch config.Arch, keepCount int) (string, error) {
	properties, err := archProperties(arch)
	if err != nil {
		return "", err
	}

	logging.Info("Uploading image", "name", name, "path", localPath)
	image, err := m.Conn.CreateImage(ctx, name, localPath, properties)
	if err != nil {
		return "", fmt.Errorf("failed to upload image %q: %w", name, err)
	}

	if err := m.Prune(ctx, name, keepCount); err != nil {
		return image.ID, err
	}
	return image.ID, nil
}

// CreateSnapshot publishes a snapshot of a running server under name, then
// prunes revisions. Same contract as Upload.
func (m *Manager) CreateSnapshot(ctx context.Context, serverID, name string, arch config.Arch, keepCount int) (*Image, error) {
	properties, err := archProperties(arch)
	if err != nil {
		return nil, err
	}

	logging.Info("Creating image snapshot", "name", name, "server", serverID)
	image, err := m.Conn.CreateServerSnapshot(ctx, name, serverID, properties)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot server %q: %w", serverID, err)
	}

	if err := m.Prune(ctx, name, keepCount); err != nil {
		return image, err
	}
	return image, nil
}

// Prune deletes revisions of name beyond the keepCount newest. Each
// deletion is attempted independently; one failure does not block the
// others. A keepCount of 0 deletes all matches.
func (m *Manager) Prune(ctx context.Context, name string, keepCount int) error {
	images, err := m.searchSorted(ctx, name)
	if err != nil {
		return &PruneError{Name: name, Err: err}
	}
	if keepCount < 0 {
		keepCount = 0
	}
	if len(images) <= keepCount {
		return nil
	}

	var errs []error
	for _, image := range images[keepCount:] {
		if err := m.Conn.DeleteImage(ctx, image.ID); err != nil {
			logging.Warn("Failed to delete old image revision", "id", image.ID, "error", err)
			errs = append(errs, fmt.Errorf("delete %s: %w", image.ID, err))
			continue
		}
		logging.Debug("Deleted old image revision", "id", image.ID, "name", name)
	}
	if len(errs) > 0 {
		return &PruneError{Name: name, Err: errors.Join(errs...)}
	}
	return nil
}

// LatestID returns the ID of the newest revision of name, or ErrNoImages
// if none exist.
func (m *Manager) LatestID(ctx context.Context, name string) (string, error) {
	images, err := m.searchSorted(ctx, name)
	if err != nil {
		return "", err
	}
	if len(images) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoImages, name)
	}
	return images[0].ID, nil
}

// searchSorted fetches all revisions of name, newest first. Ties on
// CreatedAt are not broken.
func (m *Manager) searchSorted(ctx context.Context, name string) ([]Image, error) {
	images, err := m.Conn.SearchImages(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to search images %q: %w", name, err)
	}
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].CreatedAt.After(images[j].CreatedAt)
	})
	return images, nil
}

func archProperties(arch config.Arch) (map[string]string, error) {
	osArch, err := arch.OpenStackArch()
	if err != nil {
		return nil, err
	}
	return map[string]string{"architecture": osArch}, nil
}
