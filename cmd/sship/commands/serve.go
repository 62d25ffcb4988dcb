package commands

import (
	"fmt"

	"github.com/SpatiumPortae/sship/internal/logger"
	"github.com/SpatiumPortae/sship/internal/rendezvous"
	"github.com/SpatiumPortae/sship/internal/semver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func Serve(version string) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the rendezvous server",
		Long:  "The serve command serves the rendezvous server locally. It maps code fingerprints to sender addresses and never sees file data.",
		Args:  cobra.MatchAll(cobra.ExactArgs(0), cobra.NoArgs),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd, map[string]string{"port": "serve_port"})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ver, err := semver.Parse(version)
			if err != nil {
				return fmt.Errorf("server requires version to be set: %w", err)
			}
			lg := logger.New()
			defer func() { _ = lg.Sync() }()
			server := rendezvous.NewServer(viper.GetInt("serve_port"), ver, rendezvous.WithLogger(lg))
			return server.Start(cmd.Context())
		},
	}
	serveCmd.Flags().IntP("port", "p", 0, "port to run the sship rendezvous server on")
	return serveCmd
}
