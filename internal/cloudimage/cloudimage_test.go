package cloudimage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/imagekiln/kiln/internal/config"
	"github.com/imagekiln/kiln/internal/retry"
)

var fastPolicy = retry.Policy{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     5 * time.Millisecond,
	Multiplier:   2,
}

func TestFileName(t *testing.T) {
	tests := []struct {
		base config.BaseImage
		arch config.Arch
		want string
	}{
		{config.BaseJammy, config.ArchX64, "jammy-server-cloudimg-amd64.img"},
		{config.BaseNoble, config.ArchARM64, "noble-server-cloudimg-arm64.img"},
	}
	for _, tt := range tests {
		got, err := FileName(tt.base, tt.arch)
		if err != nil {
			t.Fatalf("FileName(%s, %s) failed: %v", tt.base, tt.arch, err)
		}
		if got != tt.want {
			t.Errorf("FileName(%s, %s) = %s, want %s", tt.base, tt.arch, got, tt.want)
		}
	}
}

func TestLookupChecksum(t *testing.T) {
	manifest := "abc123 *jammy-server-cloudimg-amd64.img\n" +
		"def456 *noble-server-cloudimg-amd64.img\n"

	got, err := LookupChecksum(manifest, "noble-server-cloudimg-amd64.img")
	if err != nil {
		t.Fatalf("LookupChecksum failed: %v", err)
	}
	if got != "def456" {
		t.Errorf("LookupChecksum = %s, want def456", got)
	}
}

func TestLookupChecksumMissingEntry(t *testing.T) {
	manifest := "abc123 *jammy-server-cloudimg-amd64.img\n"

	_, err := LookupChecksum(manifest, "noble-server-cloudimg-arm64.img")
	if !errors.Is(err, ErrNoManifestEntry) {
		t.Errorf("expected ErrNoManifestEntry, got: %v", err)
	}
}

// imageServer serves a fake upstream with one image and its SHA256SUMS
// manifest.
func imageServer(t *testing.T, base config.BaseImage, imageData []byte, digest string) *httptest.Server {
	t.Helper()
	fileName := fmt.Sprintf("%s-server-cloudimg-amd64.img", base)
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("/%s/current/%s", base, fileName), func(w http.ResponseWriter, r *http.Request) {
		w.Write(imageData)
	})
	mux.HandleFunc(fmt.Sprintf("/%s/current/SHA256SUMS", base), func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s *%s\n", digest, fileName)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestDownloadAndValidate(t *testing.T) {
	imageData := []byte("pretend this is a qcow2 image")
	sum := sha256.Sum256(imageData)
	digest := hex.EncodeToString(sum[:])
	server := imageServer(t, config.BaseJammy, imageData, digest)

	client := &Client{BaseURL: server.URL, FetchPolicy: fastPolicy}
	destDir := t.TempDir()

	image, err := client.DownloadAndValidate(context.Background(), config.ArchX64, config.BaseJammy, destDir)
	if err != nil {
		t.Fatalf("DownloadAndValidate failed: %v", err)
	}
	if image.Checksum != digest {
		t.Errorf("Checksum = %s, want %s", image.Checksum, digest)
	}
	wantPath := filepath.Join(destDir, "jammy-server-cloudimg-amd64.img")
	if image.Path != wantPath {
		t.Errorf("Path = %s, want %s", image.Path, wantPath)
	}
	downloaded, err := os.ReadFile(image.Path)
	if err != nil {
		t.Fatalf("failed to read downloaded image: %v", err)
	}
	if string(downloaded) != string(imageData) {
		t.Error("downloaded image does not match served data")
	}
}

func TestDownloadAndValidateChecksumMismatch(t *testing.T) {
	imageData := []byte("pretend this is a qcow2 image")
	server := imageServer(t, config.BaseJammy, imageData, "0000000000000000000000000000000000000000000000000000000000000000")

	client := &Client{BaseURL: server.URL, FetchPolicy: fastPolicy}

	_, err := client.DownloadAndValidate(context.Background(), config.ArchX64, config.BaseJammy, t.TempDir())
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got: %v", err)
	}
}

func TestDownloadAndValidateNoManifestEntry(t *testing.T) {
	// Manifest lists a different series, so the downloaded file has no
	// published digest.
	imageData := []byte("data")
	fileName := "noble-server-cloudimg-amd64.img"
	mux := http.NewServeMux()
	mux.HandleFunc("/noble/current/"+fileName, func(w http.ResponseWriter, r *http.Request) {
		w.Write(imageData)
	})
	mux.HandleFunc("/noble/current/SHA256SUMS", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "abc123 *jammy-server-cloudimg-amd64.img\n")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := &Client{BaseURL: server.URL, FetchPolicy: fastPolicy}

	_, err := client.DownloadAndValidate(context.Background(), config.ArchX64, config.BaseNoble, t.TempDir())
	if !errors.Is(err, ErrNoManifestEntry) {
		t.Errorf("expected ErrNoManifestEntry, got: %v", err)
	}
}

func TestDownloadAndValidateNotFoundNotRetried(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := &Client{BaseURL: server.URL, FetchPolicy: fastPolicy}

	_, err := client.DownloadAndValidate(context.Background(), config.ArchX64, config.BaseJammy, t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing series")
	}
	// A 404 is deterministic; only one request goes out.
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
}

func TestDownloadAndValidateRetriesDownload(t *testing.T) {
	imageData := []byte("flaky mirror data")
	sum := sha256.Sum256(imageData)
	digest := hex.EncodeToString(sum[:])
	fileName := "jammy-server-cloudimg-amd64.img"

	failures := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/jammy/current/"+fileName, func(w http.ResponseWriter, r *http.Request) {
		if failures < 2 {
			failures++
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(imageData)
	})
	mux.HandleFunc("/jammy/current/SHA256SUMS", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s *%s\n", digest, fileName)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := &Client{BaseURL: server.URL, FetchPolicy: fastPolicy}

	image, err := client.DownloadAndValidate(context.Background(), config.ArchX64, config.BaseJammy, t.TempDir())
	if err != nil {
		t.Fatalf("DownloadAndValidate failed: %v", err)
	}
	if failures != 2 {
		t.Errorf("failures served = %d, want 2", failures)
	}
	if image.Checksum != digest {
		t.Errorf("Checksum = %s, want %s", image.Checksum, digest)
	}
}
