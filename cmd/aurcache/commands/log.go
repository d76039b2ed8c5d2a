package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aurcache/aurcache/pkg/errors"
)

var logCmd = &cobra.Command{
	Use:   "log <build-id>",
	Short: "Print a build's log",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

func init() {
	rootCmd.AddCommand(logCmd)
}

func runLog(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid build id %q", args[0])
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

	b, err := repository.GetBuild(context.Background(), id)
	if err != nil {
		return errors.Wrap(err, "build lookup failed")
	}
	if b == nil {
		return errors.Wrap(errors.ErrNotFound, fmt.Sprintf("build %d", id))
	}
	fmt.Fprint(cmd.OutOrStdout(), b.Output)
	return nil
}
