// Package cli wires the wmihelper commands.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/wmihelper/internal/config"
)

// options are the flags shared by every command.
type options struct {
	v          *viper.Viper
	configFile string
	stderr     io.Writer
}

// NewRootCmd builds the command tree. Running the root command without a
// subcommand starts the service, matching how the desktop shell launches it.
func NewRootCmd() *cobra.Command {
	opts := &options{v: config.New(), stderr: os.Stderr}

	root := &cobra.Command{
		Use:   "wmihelper",
		Short: "Relay WMI hardware events to a JSON-lines file",
		Long: "Subscribes to a WMI event class and appends every event as one JSON line\n" +
			"to a file read by the desktop shell. Create stop.txt next to the\n" +
			"executable to shut it down.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default: "+config.FileName+" in the base directory)")
	root.PersistentFlags().String("base-dir", "", "directory for the event file, log and stop file (default: executable directory)")
	_ = opts.v.BindPFlag("base_dir", root.PersistentFlags().Lookup("base-dir"))
	addRunFlags(root, opts)

	root.AddCommand(newRunCmd(opts), newStopCmd(opts), newConfigCmd(opts), newVersionCmd())
	return root
}

func (o *options) load() (*config.Config, error) {
	return config.Load(o.v, o.configFile)
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wmihelper: %v\n", err)
		os.Exit(1)
	}
}
