package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/driverlog/internal/agent/config"
)

func newConfigCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long: `Display the configuration driverlog run would use, merged from defaults,
the configuration file, DRIVERLOG_* environment variables and flags.
Invalid values are reported with a suggestion.`,
		Example: `  # Show the configuration
  driverlog config

  # Check an override
  DRIVERLOG_BUFFER_CAPACITY=4096 driverlog config --events all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, e := range verrs.Errors {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s (%s)\n", e.Field, e.Message, e.Suggestion)
					}
				}
				return err
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
