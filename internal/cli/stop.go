package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/wmihelper/internal/sentinel"
)

// stopPollInterval is how often --wait checks whether the service has
// removed the stop file.
const stopPollInterval = 100 * time.Millisecond

func newStopCmd(opts *options) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running wmihelper to shut down",
		Long: "Creates the stop file in the base directory. The running service\n" +
			"writes a WMI_CLOSE record, deletes the stop file and exits.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := sentinel.Request(cfg.BaseDir, cfg.Sentinel.Name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stop requested: %s\n", cfg.SentinelPath())
			if wait <= 0 {
				return nil
			}
			return waitRemoved(cfg.SentinelPath(), wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the service to acknowledge (0 = do not wait)")
	return cmd
}

// waitRemoved blocks until path no longer exists. The service deletes the
// stop file after its shutdown completes.
func waitRemoved(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("service did not acknowledge stop within %s", timeout)
		}
		time.Sleep(stopPollInterval)
	}
}
