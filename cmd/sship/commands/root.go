package commands

import (
	"fmt"

	"github.com/SpatiumPortae/sship/cmd/sship/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Root returns the top level `sship` command with every subcommand attached.
func Root(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sship",
		Short:         "sship sends files and directories between two computers using a short pairing code.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Init(); err != nil {
				return fmt.Errorf("initializing config: %w", err)
			}
			return viper.BindPFlag("verbose", cmd.Flags().Lookup("verbose"))
		},
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug information to a file on the format `.sship-[command].log` in the current directory")

	rootCmd.AddCommand(Send())
	rootCmd.AddCommand(Receive())
	rootCmd.AddCommand(Discover())
	rootCmd.AddCommand(Serve(version))
	rootCmd.AddCommand(Clean())
	rootCmd.AddCommand(Config())
	rootCmd.AddCommand(Version(version))
	return rootCmd
}
