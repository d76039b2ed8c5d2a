package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aurcache/aurcache/pkg/errors"
)

var listPackage string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List builds, newest first",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listPackage, "package", "", "Only builds of this package")
}

func runList(cmd *cobra.Command, args []string) error {
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

	var pkgID int64
	if listPackage != "" {
		pkg, err := lookupPackage(ctx, repository, listPackage)
		if err != nil {
			return err
		}
		pkgID = pkg.ID
	}

	builds, err := repository.ListBuilds(ctx, pkgID)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if len(builds) == 0 {
		fmt.Println("No builds found")
		return nil
	}

	fmt.Printf("%-8s %-8s %-10s %-11s %-20s %-10s %-16s\n", "BUILD", "PACKAGE", "PLATFORM", "STATUS", "STARTED", "DURATION", "VERSION")
	fmt.Println("------------------------------------------------------------------------------------------------")
	for _, b := range builds {
		started, duration := "-", "-"
		if b.StartTime != nil {
			started = b.StartTime.Format(time.DateTime)
			if b.EndTime != nil {
				duration = b.EndTime.Sub(*b.StartTime).String()
			}
		}
		fmt.Printf("%-8d %-8d %-10s %-11s %-20s %-10s %-16s\n",
			b.ID, b.PackageID, b.Platform, b.Status, started, duration, dash(b.Version))
	}
	return nil
}
