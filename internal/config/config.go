package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// LoadManifest reads and parses a provisioning manifest TOML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file %s: %w", path, err)
	}

	var manifest Manifest
	if err := toml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	applyManifestDefaults(&manifest)

	if err := ValidateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &manifest, nil
}

// applyManifestDefaults fills in missing manifest fields with defaults.
func applyManifestDefaults(manifest *Manifest) {
	defaults := DefaultManifest()

	if len(manifest.Packages.Apt) == 0 {
		manifest.Packages.Apt = defaults.Packages.Apt
	}
	if manifest.Tools.YqRepository == "" {
		manifest.Tools.YqRepository = defaults.Tools.YqRepository
	}
	if manifest.Tools.YarnPackage == "" {
		manifest.Tools.YarnPackage = defaults.Tools.YarnPackage
	}
}

// ValidateManifest validates the manifest for correctness.
func ValidateManifest(manifest *Manifest) error {
	for _, pkg := range manifest.Packages.Apt {
		if strings.TrimSpace(pkg) == "" {
			return fmt.Errorf("packages.apt contains an empty package name")
		}
		if strings.HasPrefix(pkg, "-") {
			return fmt.Errorf("invalid package name %q", pkg)
		}
	}

	if !strings.HasPrefix(manifest.Tools.YqRepository, "https://") {
		return fmt.Errorf("tools.yq_repository must be an https URL, got %q", manifest.Tools.YqRepository)
	}

	return nil
}

// Validate validates a complete build configuration.
func Validate(cfg *BuildConfig) error {
	if _, err := cfg.Arch.CloudImageArch(); err != nil {
		return err
	}

	switch cfg.Base {
	case BaseJammy, BaseNoble:
	default:
		return fmt.Errorf("invalid base image %q", cfg.Base)
	}

	if cfg.Output == "" {
		return fmt.Errorf("'output' path is required")
	}

	if cfg.Manifest == nil {
		return fmt.Errorf("provisioning manifest is required")
	}

	return ValidateManifest(cfg.Manifest)
}
