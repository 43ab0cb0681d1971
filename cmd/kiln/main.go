// Kiln - CI runner cloud image builder
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/imagekiln/kiln/internal/builder"
	"github.com/imagekiln/kiln/internal/config"
	"github.com/imagekiln/kiln/internal/logging"
	"github.com/imagekiln/kiln/internal/runner"
	"github.com/imagekiln/kiln/internal/store"
)

var (
	// Version information - set via ldflags during build
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"

	// Global flags
	verbose bool
	quiet   bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kiln",
		Short: "Kiln - CI runner cloud image builder",
		Long: `Kiln builds customized Ubuntu cloud images for CI runners.

It downloads a base cloud image, mounts it via a network block device,
provisions it in a chroot, compresses the result, and uploads it to an
OpenStack image store with revision pruning.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.InitLogger(verbose, quiet)
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output with debug details")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (minimal output, errors only)")

	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newLatestBuildIDCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kiln version %s\n", version)
			fmt.Printf("  build date: %s\n", buildDate)
			fmt.Printf("  git commit: %s\n", gitCommit)
		},
	}
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Configure this host to build images",
		Long: `Install the qemu, guestfs, and cloud-utils tooling and load the nbd
kernel module so this host can run image builds.

Example:
  sudo kiln init`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := setupSignalHandling()
			defer cancel()

			if err := requireRoot(); err != nil {
				return err
			}
			return builder.Initialize(ctx, runner.New())
		},
	}
}

func newBuildCommand() *cobra.Command {
	var (
		baseImage      string
		keepRevisions  int
		outputPath     string
		manifestPath   string
		callbackScript string
	)

	buildCmd := &cobra.Command{
		Use:   "build CLOUD_NAME IMAGE_NAME",
		Short: "Build a runner cloud image and upload it to OpenStack",
		Long: `Build a customized Ubuntu cloud image using chroot provisioning and
upload it to the OpenStack cloud named CLOUD_NAME as IMAGE_NAME,
pruning older revisions beyond the retention count.

The CLI looks for clouds.yaml in the current directory,
~/.config/openstack, and /etc/openstack.

Examples:
  # Build a noble image and keep the five newest revisions
  sudo kiln build mycloud runner-noble

  # Build a jammy image with a custom provisioning manifest
  sudo kiln build mycloud runner-jammy -b jammy --manifest kiln.toml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := setupSignalHandling()
			defer cancel()

			if err := requireRoot(); err != nil {
				return err
			}

			return runBuild(ctx, buildCLIOptions{
				CloudName:      args[0],
				ImageName:      args[1],
				BaseImage:      baseImage,
				KeepRevisions:  keepRevisions,
				OutputPath:     outputPath,
				ManifestPath:   manifestPath,
				CallbackScript: callbackScript,
			})
		},
	}

	buildCmd.Flags().StringVarP(&baseImage, "base-image", "b", "noble",
		fmt.Sprintf("Ubuntu base image to build from (one of: %v)", config.BaseImageChoices))
	buildCmd.Flags().IntVarP(&keepRevisions, "keep-revisions", "k", 5, "maximum number of image revisions to keep")
	buildCmd.Flags().StringVarP(&outputPath, "output", "o", "compressed.img", "path for the compressed image artifact")
	buildCmd.Flags().StringVar(&manifestPath, "manifest", "", "path to a provisioning manifest TOML file (default: built-in manifest)")
	buildCmd.Flags().StringVarP(&callbackScript, "callback-script", "s", "",
		"script invoked after a successful build with the image ID as first argument")

	return buildCmd
}

func newLatestBuildIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "latest-build-id CLOUD_NAME IMAGE_NAME",
		Short: "Print the ID of the newest IMAGE_NAME revision in CLOUD_NAME",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := setupSignalHandling()
			defer cancel()

			cloudName, err := store.DetermineCloud(args[0])
			if err != nil {
				return err
			}
			conn, err := store.Connect(ctx, cloudName)
			if err != nil {
				return err
			}

			id, err := latestBuildID(ctx, conn, args[1])
			if err != nil {
				return err
			}
			fmt.Print(id)
			return nil
		},
	}
}

// latestBuildID resolves the newest revision ID of name. "No revisions
// yet" maps to an empty ID and a zero exit so scripts can check for it
// without parsing errors.
func latestBuildID(ctx context.Context, conn store.Connection, name string) (string, error) {
	id, err := store.NewManager(conn).LatestID(ctx, name)
	if errors.Is(err, store.ErrNoImages) {
		return "", nil
	}
	return id, err
}

type buildCLIOptions struct {
	CloudName      string
	ImageName      string
	BaseImage      string
	KeepRevisions  int
	OutputPath     string
	ManifestPath   string
	CallbackScript string
}

func runBuild(ctx context.Context, opts buildCLIOptions) error {
	arch, err := config.HostArch()
	if err != nil {
		return err
	}
	base, err := config.ParseBaseImage(opts.BaseImage)
	if err != nil {
		return err
	}

	manifest := config.DefaultManifest()
	if opts.ManifestPath != "" {
		manifest, err = config.LoadManifest(opts.ManifestPath)
		if err != nil {
			return err
		}
	}

	cfg := config.BuildConfig{
		Arch:     arch,
		Base:     base,
		Output:   opts.OutputPath,
		Manifest: manifest,
	}
	if err := config.Validate(&cfg); err != nil {
		return err
	}

	if err := builder.New(cfg).Build(ctx); err != nil {
		return err
	}

	cloudName, err := store.DetermineCloud(opts.CloudName)
	if err != nil {
		return err
	}
	conn, err := store.Connect(ctx, cloudName)
	if err != nil {
		return err
	}

	imageID, err := store.NewManager(conn).Upload(ctx, cfg.Output, opts.ImageName, arch, opts.KeepRevisions)
	if err != nil {
		var pruneErr *store.PruneError
		if !errors.As(err, &pruneErr) {
			return err
		}
		// The upload itself succeeded; report the new image and warn.
		logging.Warn("Revision pruning failed", "error", err)
	}

	logging.Info("Image uploaded", "id", imageID, "name", opts.ImageName)
	fmt.Println(imageID)

	if opts.CallbackScript != "" {
		logging.Info("Running callback script", "script", opts.CallbackScript)
		callback := exec.CommandContext(ctx, opts.CallbackScript, imageID)
		callback.Stdout = os.Stderr
		callback.Stderr = os.Stderr
		if err := callback.Run(); err != nil {
			return fmt.Errorf("callback script failed: %w", err)
		}
	}
	return nil
}

func requireRoot() error {
	if os.Geteuid() != 0 {
		logging.Error("Kiln requires root privileges for building images")
		return fmt.Errorf("must run as root (use sudo)")
	}
	return nil
}

// setupSignalHandling configures graceful shutdown on SIGINT/SIGTERM.
func setupSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logging.Warn("Received signal, initiating graceful shutdown", "signal", sig)
		cancel()
	}()

	return ctx, cancel
}
