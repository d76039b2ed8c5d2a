package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aurcache/aurcache/pkg/db"
	"github.com/aurcache/aurcache/pkg/errors"
)

var buildPlatforms []string

var buildCmd = &cobra.Command{
	Use:   "build <package>",
	Short: "Build a package now and publish the result",
	Long: `Creates one build per target platform and runs them through a local
controller, honoring max-concurrent-builds. Defaults to every platform the
package lists.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().StringSliceVar(&buildPlatforms, "platform", nil, "Platform to build (repeatable)")
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	p, err := newPipeline(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer p.Close()

	pkg, err := lookupPackage(ctx, p.repo, args[0])
	if err != nil {
		return err
	}

	platforms := pkg.Platforms
	if len(buildPlatforms) > 0 {
		for _, pl := range buildPlatforms {
			if !slices.Contains(pkg.Platforms, pl) {
				return fmt.Errorf("package %s does not target %s", pkg.Name, pl)
			}
		}
		platforms = buildPlatforms
	}
	if len(platforms) == 0 {
		return fmt.Errorf("package %s has no platforms", pkg.Name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.controller.Run(runCtx) }()

	var builds []*db.Build
	for _, platform := range platforms {
		b := &db.Build{PackageID: pkg.ID, Platform: platform}
		if err := p.repo.CreateBuild(ctx, b); err != nil {
			return errors.Wrap(err, "create build failed")
		}
		if err := p.controller.Submit(ctx, pkg, b); err != nil {
			return errors.Wrap(err, "submit failed")
		}
		slog.Info("build_enqueued", "build_id", b.ID, "package", pkg.Name, "platform", platform)
		builds = append(builds, b)
	}

	p.controller.Wait()
	cancel()
	<-done

	failed := 0
	fmt.Printf("%-8s %-12s %-12s %-20s\n", "BUILD", "PLATFORM", "STATUS", "VERSION")
	for _, b := range builds {
		got, err := p.repo.GetBuild(context.Background(), b.ID)
		if err != nil {
			return errors.Wrap(err, "build lookup failed")
		}
		if got == nil {
			return errors.Wrap(errors.ErrNotFound, fmt.Sprintf("build %d", b.ID))
		}
		if got.Status != db.BuildSuccessful {
			failed++
		}
		fmt.Printf("%-8d %-12s %-12s %-20s\n", got.ID, got.Platform, got.Status, dash(got.Version))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d builds did not succeed; see 'aurcache log <build-id>'", failed, len(builds))
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
