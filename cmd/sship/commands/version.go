package commands

import (
	"fmt"

	"github.com/SpatiumPortae/sship/internal/semver"
	"github.com/spf13/cobra"
)

func Version(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display the installed version of sship",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
			fmt.Printf("protocol %s\n", semver.Protocol)
		},
	}
}
