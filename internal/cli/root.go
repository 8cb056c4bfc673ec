package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"batchd/internal/logging"
)

// buildRootCmdWith constructs the command tree bound to opts.
func buildRootCmdWith(opts *Options, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "batchd",
		Short:         "Batched token generation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug|info|warn|error|off")
	root.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "console", "Log format: console|json")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the dispatcher and its HTTP API",
		Example: "  batchd serve --addr :8080 --max-batch 16\n  batchd serve --config ~/.config/batchd.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := func(name string) bool { return cmd.Flags().Changed(name) }
			cfg, err := resolveConfig(opts, changed)
			if err != nil {
				return err
			}
			log := logging.Setup(cfg.LogLevel, cfg.LogFormat, stderr)
			logConfig(log, cfg)
			return fnServe(cmd.Context(), cfg, log)
		},
	}
	serveCmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address, e.g. :8080")
	serveCmd.Flags().IntVar(&opts.MaxBatch, "max-batch", 0, "Maximum sessions per decode step (0 = no cap)")
	serveCmd.Flags().StringVar(&opts.CORSOrigins, "cors-origins", "", "Comma separated CORS origins; enables CORS")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "batchd %s\n", Version)
			return err
		},
	}

	root.AddCommand(serveCmd, versionCmd)
	return root
}
