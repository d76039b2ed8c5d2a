package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aurcache/aurcache/pkg/db"
	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/source"
)

var (
	pkgPlatforms []string
	pkgFlags     []string
	pkgGitURL    string
	pkgGitRef    string
	pkgSubfolder string
)

var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Manage packages",
}

var packageAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add an AUR package, or a git package with --git",
	Args:  cobra.ExactArgs(1),
	RunE:  runPackageAdd,
}

var packageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List packages and their status",
	RunE:  runPackageList,
}

var packageOutdatedCmd = &cobra.Command{
	Use:   "outdated <name>",
	Short: "Flag a package for rebuild; the next successful build clears it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPackageOutdated,
}

var pkgOutdatedClear bool

var packageRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a package and purge files nothing else uses",
	Args:  cobra.ExactArgs(1),
	RunE:  runPackageRemove,
}

func init() {
	rootCmd.AddCommand(packageCmd)
	packageCmd.AddCommand(packageAddCmd, packageListCmd, packageOutdatedCmd, packageRemoveCmd)

	packageAddCmd.Flags().StringSliceVar(&pkgPlatforms, "platform", []string{"x86_64"}, "Target platform (repeatable)")
	packageAddCmd.Flags().StringSliceVar(&pkgFlags, "flag", nil, "Extra build flag passed to the helper (repeatable)")
	packageAddCmd.Flags().StringVar(&pkgGitURL, "git", "", "Build from this git repository instead of the AUR")
	packageAddCmd.Flags().StringVar(&pkgGitRef, "ref", "", "Git branch, tag or commit")
	packageAddCmd.Flags().StringVar(&pkgSubfolder, "subfolder", "", "Directory holding the PKGBUILD")
	packageOutdatedCmd.Flags().BoolVar(&pkgOutdatedClear, "clear", false, "Clear the flag instead")
}

func runPackageAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repository, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repository.Close()

	var src source.Source = source.Aur{Name: args[0]}
	if pkgGitURL != "" {
		src = source.Git{URL: pkgGitURL, Ref: pkgGitRef, Subfolder: pkgSubfolder}
	}
	pkg := &db.Package{
		Name:       args[0],
		Platforms:  pkgPlatforms,
		BuildFlags: pkgFlags,
		Source:     src,
	}
	if err := repository.CreatePackage(ctx, pkg); err != nil {
		return errors.Wrap(err, "add package failed")
	}
	fmt.Printf("Added %s (id %d, %s, platforms %s)\n", pkg.Name, pkg.ID, src.Kind(), strings.Join(pkg.Platforms, ","))
	return nil
}

func runPackageList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repository, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repository.Close()

	pkgs, err := repository.ListPackages(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if len(pkgs) == 0 {
		fmt.Println("No packages found")
		return nil
	}

	fmt.Printf("%-6s %-32s %-8s %-12s %-24s %-10s\n", "ID", "NAME", "SOURCE", "STATUS", "PLATFORMS", "LATEST")
	fmt.Println("----------------------------------------------------------------------------------------------")
	for _, p := range pkgs {
		latest := "-"
		if p.LatestBuild != 0 {
			latest = fmt.Sprintf("%d", p.LatestBuild)
		}
		status := p.Status
		if p.OutOfDate {
			status += "*"
		}
		fmt.Printf("%-6d %-32s %-8s %-12s %-24s %-10s\n",
			p.ID, p.Name, p.Source.Kind(), status, strings.Join(p.Platforms, ","), latest)
	}
	return nil
}

func runPackageOutdated(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repository, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repository.Close()

	pkg, err := lookupPackage(ctx, repository, args[0])
	if err != nil {
		return err
	}
	if err := repository.SetOutOfDate(ctx, pkg.ID, !pkgOutdatedClear); err != nil {
		return errors.Wrap(err, "update failed")
	}
	if pkgOutdatedClear {
		fmt.Printf("Cleared out-of-date flag on %s\n", pkg.Name)
	} else {
		fmt.Printf("Flagged %s out of date\n", pkg.Name)
	}
	return nil
}

func runPackageRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repository, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repository.Close()

	pkg, err := lookupPackage(ctx, repository, args[0])
	if err != nil {
		return err
	}

	reconciler, err := newReconciler(ctx, cfg, repository)
	if err != nil {
		return err
	}
	purged, err := reconciler.RemovePackage(ctx, pkg.ID)
	if err != nil {
		return errors.Wrap(err, "remove failed")
	}
	fmt.Printf("Removed %s\n", pkg.Name)
	for _, name := range purged {
		fmt.Printf("  purged %s\n", name)
	}
	return nil
}
