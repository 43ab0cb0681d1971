package store

import (
	"context"
	"fmt"
	"os"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/imagedata"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"

	"github.com/imagekiln/kiln/internal/logging"
)

// Glance accepts qcow2 images as produced by virt-sparsify.
const (
	diskFormat      = "qcow2"
	containerFormat = "bare"
)

// OpenStack implements Connection against the Glance image service and
// Nova compute service of one cloud.
type OpenStack struct {
	image   *gophercloud.ServiceClient
	compute *gophercloud.ServiceClient
}

// Connect authenticates against the named cloud from clouds.yaml and
// returns a registry connection.
func Connect(ctx context.Context, cloudName string) (*OpenStack, error) {
	cloud, err := LoadCloud(cloudName)
	if err != nil {
		return nil, err
	}

	opts := gophercloud.AuthOptions{
		IdentityEndpoint: cloud.Auth.AuthURL,
		Username:         cloud.Auth.Username,
		Password:         cloud.Auth.Password,
		TenantName:       cloud.Auth.ProjectName,
		DomainName:       cloud.Auth.UserDomainName,
		AllowReauth:      true,
	}
	if opts.DomainName == "" {
		opts.DomainName = cloud.Auth.ProjectDomainName
	}

	provider, err := openstack.AuthenticatedClient(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate against cloud %q: %w", cloudName, err)
	}

	endpointOpts := gophercloud.EndpointOpts{Region: cloud.RegionName}
	imageClient, err := openstack.NewImageV2(provider, endpointOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create image service client: %w", err)
	}
	computeClient, err := openstack.NewComputeV2(provider, endpointOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service client: %w", err)
	}

	return &OpenStack{image: imageClient, compute: computeClient}, nil
}

// CreateImage registers a new image under name and uploads the file's
// contents. The registry allows duplicate names.
func (o *OpenStack) CreateImage(ctx context.Context, name, filename string, properties map[string]string) (*Image, error) {
	created, err := images.Create(ctx, o.image, images.CreateOpts{
		Name:            name,
		DiskFormat:      diskFormat,
		ContainerFormat: containerFormat,
		Properties:      properties,
	}).Extract()
	if err != nil {
		return nil, fmt.Errorf("failed to create image record: %w", err)
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	defer file.Close()

	if err := imagedata.Upload(ctx, o.image, created.ID, file).ExtractErr(); err != nil {
		// Remove the empty record so it is not counted as a revision.
		if delErr := images.Delete(ctx, o.image, created.ID).ExtractErr(); delErr != nil {
			logging.Warn("Failed to delete incomplete image record", "id", created.ID, "error", delErr)
		}
		return nil, fmt.Errorf("failed to upload image data: %w", err)
	}

	return &Image{ID: created.ID, Name: created.Name, CreatedAt: created.CreatedAt}, nil
}

// CreateServerSnapshot snapshots a running server into a new image.
func (o *OpenStack) CreateServerSnapshot(ctx context.Context, name, serverID string, properties map[string]string) (*Image, error) {
	imageID, err := servers.CreateImage(ctx, o.compute, serverID, servers.CreateImageOpts{
		Name:     name,
		Metadata: properties,
	}).ExtractImageID()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot server: %w", err)
	}

	snapshot, err := images.Get(ctx, o.image, imageID).Extract()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot image %s: %w", imageID, err)
	}
	return &Image{ID: snapshot.ID, Name: snapshot.Name, CreatedAt: snapshot.CreatedAt}, nil
}

// SearchImages lists all images with the exact name.
func (o *OpenStack) SearchImages(ctx context.Context, name string) ([]Image, error) {
	pages, err := images.List(o.image, images.ListOpts{Name: name}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	found, err := images.ExtractImages(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to parse image list: %w", err)
	}

	result := make([]Image, 0, len(found))
	for _, img := range found {
		result = append(result, Image{ID: img.ID, Name: img.Name, CreatedAt: img.CreatedAt})
	}
	return result, nil
}

// DeleteImage removes an image by ID.
func (o *OpenStack) DeleteImage(ctx context.Context, id string) error {
	if err := images.Delete(ctx, o.image, id).ExtractErr(); err != nil {
		return fmt.Errorf("failed to delete image %s: %w", id, err)
	}
	return nil
}
