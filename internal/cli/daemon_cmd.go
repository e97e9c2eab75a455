package cli

import (
	"github.com/ddikddak/dockerclaw-sub000/internal/config"
	"github.com/ddikddak/dockerclaw-sub000/internal/daemon"
	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	var flags startFlags

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			opts, err := flags.options(cmd, home)
			if err != nil {
				return err
			}
			return daemon.StartForeground(cmd.Context(), opts)
		},
	}

	flags.bind(cmd)
	return cmd
}
