// Package cloudimage downloads and validates Ubuntu base cloud images.
package cloudimage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/imagekiln/kiln/internal/config"
	"github.com/imagekiln/kiln/internal/logging"
	"github.com/imagekiln/kiln/internal/retry"
	"github.com/imagekiln/kiln/internal/utils"
)

// DefaultBaseURL is the trusted upstream for Ubuntu cloud images.
const DefaultBaseURL = "https://cloud-images.ubuntu.com"

// checksumManifestName is the published SHA-256 manifest for a series.
const checksumManifestName = "SHA256SUMS"

var (
	// ErrNoManifestEntry indicates the image file name is absent from the
	// published checksum manifest.
	ErrNoManifestEntry = errors.New("no manifest entry for image")
	// ErrChecksumMismatch indicates the downloaded image does not match
	// its published checksum.
	ErrChecksumMismatch = errors.New("image checksum mismatch")
)

// Image is a downloaded and checksum-validated base cloud image.
type Image struct {
	Path     string
	Checksum string
	Arch     config.Arch
	Base     config.BaseImage
}

// Client fetches base images. Downloads and manifest fetches are retried;
// validation failures are permanent.
type Client struct {
	BaseURL      string
	ShowProgress bool
	FetchPolicy  retry.Policy
}

// NewClient returns a client against the default upstream.
func NewClient() *Client {
	return &Client{
		BaseURL:      DefaultBaseURL,
		ShowProgress: true,
		FetchPolicy: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 5 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2,
		},
	}
}

// FileName returns the upstream image file name for a series and
// architecture, e.g. "jammy-server-cloudimg-amd64.img".
func FileName(base config.BaseImage, arch config.Arch) (string, error) {
	binArch, err := arch.CloudImageArch()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-server-cloudimg-%s.img", base, binArch), nil
}

// DownloadAndValidate downloads the base image for the series and
// architecture into destDir and verifies it against the published
// checksum manifest. The image is unusable on a missing manifest entry or
// digest mismatch.
func (c *Client) DownloadAndValidate(ctx context.Context, arch config.Arch, base config.BaseImage, destDir string) (*Image, error) {
	fileName, err := FileName(base, arch)
	if err != nil {
		return nil, err
	}

	imageURL := fmt.Sprintf("%s/%s/current/%s", c.BaseURL, base, fileName)
	destPath := filepath.Join(destDir, fileName)

	logging.Info("Downloading base cloud image", "url", imageURL)
	if err := retry.Do(ctx, c.FetchPolicy, func() error {
		return permanentIfClientError(utils.DownloadFile(ctx, imageURL, destPath, c.ShowProgress))
	}); err != nil {
		return nil, fmt.Errorf("failed to download cloud image: %w", err)
	}

	manifestURL := fmt.Sprintf("%s/%s/current/%s", c.BaseURL, base, checksumManifestName)
	logging.Info("Fetching checksum manifest", "url", manifestURL)
	var manifest string
	if err := retry.Do(ctx, c.FetchPolicy, func() error {
		var fetchErr error
		manifest, fetchErr = utils.FetchText(ctx, manifestURL)
		return permanentIfClientError(fetchErr)
	}); err != nil {
		return nil, fmt.Errorf("failed to fetch checksum manifest: %w", err)
	}

	expected, err := LookupChecksum(manifest, fileName)
	if err != nil {
		return nil, err
	}

	ok, err := utils.ValidateChecksum(destPath, expected)
	if err != nil {
		return nil, fmt.Errorf("failed to validate image checksum: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, fileName)
	}

	logging.Info("Base image validated", "file", destPath, "sha256", expected)
	return &Image{Path: destPath, Checksum: expected, Arch: arch, Base: base}, nil
}

// permanentIfClientError stops retries for deterministic upstream
// rejections, such as a 404 for a series that does not exist. Server
// errors and network failures stay retryable.
func permanentIfClientError(err error) error {
	var statusErr *utils.StatusError
	if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
		return retry.Permanent(err)
	}
	return err
}

// LookupChecksum finds the hex digest for a file name in a SHA256SUMS
// manifest. Manifest lines have the form "<hex-digest> *<filename>".
func LookupChecksum(manifest, fileName string) (string, error) {
	for _, line := range strings.Split(manifest, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name := strings.TrimPrefix(fields[1], "*")
		if name == fileName {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoManifestEntry, fileName)
}
