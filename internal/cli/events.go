package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yairfalse/driverlog/internal/agent/codec"
	"github.com/yairfalse/driverlog/internal/agent/config"
	"github.com/yairfalse/driverlog/pkg/domain"
)

func newEventsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List the driver event codes",
		Long: `List every event code with its id and payload kind. Codes enabled by the
effective configuration (--events, DRIVERLOG_EVENTS or the config file) are
marked with *.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, unknown := config.ParseWithUnknown(opts.v.GetString("events"))

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tKIND\tENABLED")
			for _, code := range domain.EventCodes() {
				mark := ""
				if enabled.Contains(code) {
					mark = "*"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", code.ID, code.Name, codec.KindOf(code), mark)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			for _, name := range unknown {
				fmt.Fprintf(cmd.ErrOrStderr(), "unknown event code ignored: %s\n", name)
			}
			return nil
		},
	}
}
