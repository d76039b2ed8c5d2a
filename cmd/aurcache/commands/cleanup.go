package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aurcache/aurcache/internal/config"
	"github.com/aurcache/aurcache/pkg/db"
	"github.com/aurcache/aurcache/pkg/errors"
)

var (
	cleanupOrphaned bool
	cleanupWorkdirs bool
	cleanupDryRun   bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up repository files and build directories",
	Long: `Clean up resources the database no longer accounts for:
  --orphaned   Purge files no package links and artifacts no row describes
  --workdirs   Remove build directories of builds that are not active
  --dry-run    Report what would be removed without removing it`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean orphaned repository files")
	cleanupCmd.Flags().BoolVar(&cleanupWorkdirs, "workdirs", false, "Clean stale build directories")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Only report")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if !cleanupOrphaned && !cleanupWorkdirs {
		return fmt.Errorf("must specify --orphaned or --workdirs")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repository, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repository.Close()

	ctx := context.Background()
	if cleanupOrphaned {
		if err := cleanupOrphanedFiles(ctx, repository, cfg); err != nil {
			return err
		}
	}
	if cleanupWorkdirs {
		if err := cleanupBuildDirs(ctx, repository, cfg); err != nil {
			return err
		}
	}
	return nil
}

func cleanupOrphanedFiles(ctx context.Context, repository *db.Repository, cfg *config.Config) error {
	fmt.Println("🔍 Scanning for orphaned repository files...")

	reconciler, err := newReconciler(ctx, cfg, repository)
	if err != nil {
		return err
	}
	res, sweepErr := reconciler.Sweep(ctx, cleanupDryRun)
	if res == nil {
		return errors.Wrap(sweepErr, "sweep failed")
	}

	verb := "Removed"
	if cleanupDryRun {
		verb = "Would remove"
	}
	for _, f := range res.UnlinkedFiles {
		fmt.Printf("🗑️  %s unlinked file: %s/%s\n", verb, f.Platform, f.Filename)
	}
	for _, rel := range res.Untracked {
		fmt.Printf("🗑️  %s untracked artifact: %s\n", verb, rel)
	}
	for _, key := range res.MirrorStale {
		fmt.Printf("🗑️  %s mirror object: %s\n", verb, key)
	}
	if sweepErr != nil {
		fmt.Printf("⚠️  Mirror sweep incomplete: %v\n", sweepErr)
		return errors.Wrap(sweepErr, "sweep failed")
	}
	fmt.Printf("✅ %s %d orphaned files, %d mirror objects\n", verb, len(res.UnlinkedFiles)+len(res.Untracked), len(res.MirrorStale))
	return nil
}

func cleanupBuildDirs(ctx context.Context, repository *db.Repository, cfg *config.Config) error {
	fmt.Println("🔍 Scanning for stale build directories...")

	entries, err := os.ReadDir(cfg.BuildDir)
	if os.IsNotExist(err) {
		fmt.Println("✅ No build directory")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read build directory")
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		b, err := repository.GetBuild(ctx, id)
		if err != nil {
			return errors.Wrap(err, "build lookup failed")
		}
		if b != nil && b.Status == db.BuildActive {
			continue
		}

		path := filepath.Join(cfg.BuildDir, entry.Name())
		if cleanupDryRun {
			fmt.Printf("🗑️  Would remove build directory: %s\n", path)
			count++
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			fmt.Printf("⚠️  Failed to remove build directory %s: %v\n", path, err)
			continue
		}
		fmt.Printf("🗑️  Removed build directory: %s\n", path)
		count++
	}

	fmt.Printf("✅ Cleaned %d build directories\n", count)
	return nil
}
