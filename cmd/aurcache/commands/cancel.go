package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/messaging"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <build-id>",
	Short: "Cancel a running build on the serving instance",
	Long:  `Sends a cancel message over NATS to the instance running 'aurcache serve'.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid build id %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.NATSURL == "" {
		return fmt.Errorf("nats-url is not configured; cancel needs a running 'aurcache serve'")
	}

	reply, err := messaging.Request(context.Background(), cfg.NATSURL, cfg.NATSSubject, messaging.Message{
		Kind:    messaging.KindCancel,
		BuildID: id,
	})
	if err != nil {
		return errors.Wrap(err, "cancel request failed")
	}
	if !reply.OK {
		return fmt.Errorf("cancel of build %d rejected: %s", id, reply.Error)
	}
	fmt.Printf("Build %d cancelled\n", id)
	return nil
}
