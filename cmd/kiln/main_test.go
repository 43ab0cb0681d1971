package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/imagekiln/kiln/internal/store"
)

type fakeRegistry struct {
	images []store.Image
}

func (f *fakeRegistry) CreateImage(ctx context.Context, name, filename string, properties map[string]string) (*store.Image, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRegistry) CreateServerSnapshot(ctx context.Context, name, serverID string, properties map[string]string) (*store.Image, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRegistry) SearchImages(ctx context.Context, name string) ([]store.Image, error) {
	var found []store.Image
	for _, image := range f.images {
		if image.Name == name {
			found = append(found, image)
		}
	}
	return found, nil
}

func (f *fakeRegistry) DeleteImage(ctx context.Context, id string) error {
	return nil
}

func TestLatestBuildIDEmptyWhenNoRevisions(t *testing.T) {
	id, err := latestBuildID(context.Background(), &fakeRegistry{}, "runner")
	if err != nil {
		t.Fatalf("no revisions must not be an error, got: %v", err)
	}
	if id != "" {
		t.Errorf("id = %q, want empty", id)
	}
}

func TestLatestBuildIDNewestRevision(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	conn := &fakeRegistry{images: []store.Image{
		{ID: "img-1", Name: "runner", CreatedAt: base},
		{ID: "img-2", Name: "runner", CreatedAt: base.Add(time.Hour)},
		{ID: "img-other", Name: "other", CreatedAt: base.Add(2 * time.Hour)},
	}}

	id, err := latestBuildID(context.Background(), conn, "runner")
	if err != nil {
		t.Fatalf("latestBuildID failed: %v", err)
	}
	if id != "img-2" {
		t.Errorf("id = %s, want img-2", id)
	}
}
