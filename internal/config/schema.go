// Package config provides build configuration and provisioning manifest
// parsing and validation for kiln.
package config

import (
	"fmt"
	"runtime"
)

// Arch is a supported build architecture.
type Arch string

// Supported architectures.
const (
	ArchARM64 Arch = "arm64"
	ArchX64   Arch = "x64"
)

// UnsupportedArchitectureError is raised when the requested or detected
// machine architecture cannot be built for.
type UnsupportedArchitectureError struct {
	Arch string
}

// Error implements the error interface.
func (e *UnsupportedArchitectureError) Error() string {
	return fmt.Sprintf("unsupported architecture: %s", e.Arch)
}

// ParseArch parses an architecture string into an Arch.
func ParseArch(s string) (Arch, error) {
	switch s {
	case "arm64", "aarch64":
		return ArchARM64, nil
	case "x64", "amd64", "x86_64":
		return ArchX64, nil
	default:
		return "", &UnsupportedArchitectureError{Arch: s}
	}
}

// HostArch detects the architecture of the running machine.
func HostArch() (Arch, error) {
	return ParseArch(runtime.GOARCH)
}

// CloudImageArch returns the architecture string used by
// cloud-images.ubuntu.com image file names.
func (a Arch) CloudImageArch() (string, error) {
	switch a {
	case ArchARM64:
		return "arm64", nil
	case ArchX64:
		return "amd64", nil
	default:
		return "", &UnsupportedArchitectureError{Arch: string(a)}
	}
}

// OpenStackArch returns the architecture string used for OpenStack image
// properties.
func (a Arch) OpenStackArch() (string, error) {
	switch a {
	case ArchARM64:
		return "aarch64", nil
	case ArchX64:
		return "x86_64", nil
	default:
		return "", &UnsupportedArchitectureError{Arch: string(a)}
	}
}

// BaseImage is the Ubuntu OS series used as the build base.
type BaseImage string

// Supported base images.
const (
	BaseJammy BaseImage = "jammy"
	BaseNoble BaseImage = "noble"
)

// ltsVersionTagMap maps LTS version numbers to series names.
var ltsVersionTagMap = map[string]BaseImage{
	"22.04": BaseJammy,
	"24.04": BaseNoble,
}

// BaseImageChoices lists the accepted --base-image values.
var BaseImageChoices = []string{"jammy", "22.04", "noble", "24.04"}

// ParseBaseImage parses a series name or LTS version tag into a BaseImage.
func ParseBaseImage(tagOrName string) (BaseImage, error) {
	if base, ok := ltsVersionTagMap[tagOrName]; ok {
		return base, nil
	}
	switch BaseImage(tagOrName) {
	case BaseJammy:
		return BaseJammy, nil
	case BaseNoble:
		return BaseNoble, nil
	default:
		return "", fmt.Errorf("unsupported base image %q, must be one of: jammy, noble, 22.04, 24.04", tagOrName)
	}
}

// BuildConfig is the immutable input to a single build pipeline run.
type BuildConfig struct {
	Arch     Arch
	Base     BaseImage
	Output   string
	Manifest *Manifest
}

// Manifest is the injectable provisioning manifest describing what gets
// installed into the image. The package set and external tools are policy,
// not core logic, and change across iterations.
type Manifest struct {
	Packages PackagesConfig `toml:"packages"`
	Tools    ToolsConfig    `toml:"tools"`
}

// PackagesConfig lists the apt packages installed into the image.
type PackagesConfig struct {
	Apt []string `toml:"apt"`
}

// ToolsConfig describes tooling installed outside the package manager.
type ToolsConfig struct {
	// YqRepository is the upstream git repository yq is built from.
	YqRepository string `toml:"yq_repository"`
	// YarnPackage is the npm package name installed globally.
	YarnPackage string `toml:"yarn_package"`
}

// DefaultManifest returns the default provisioning manifest.
func DefaultManifest() *Manifest {
	return &Manifest{
		Packages: PackagesConfig{
			Apt: []string{
				"docker.io",
				"npm",
				"python3-pip",
				"shellcheck",
				"jq",
				"wget",
				"unzip",
				"gh",
				"golang-go", // build toolchain for yq
			},
		},
		Tools: ToolsConfig{
			YqRepository: "https://github.com/mikefarah/yq.git",
			YarnPackage:  "yarn",
		},
	}
}
