package commands

import (
	"fmt"

	"github.com/SpatiumPortae/sship/internal/file"
	"github.com/SpatiumPortae/sship/internal/progress"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func Clean() *cobra.Command {
	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Discard interrupted transfers",
		Long: "The clean command removes the partial files of interrupted transfers below a directory " +
			"and the progress kept to resume them. Those transfers start over when their code is used again.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			parts := file.RemoveParts(dir)
			records, err := progress.NewStore(viper.GetString("progress_dir")).Clear()
			if err != nil {
				return fmt.Errorf("clearing progress: %w", err)
			}
			fmt.Printf("removed %d partial files and %d progress records\n", parts, records)
			return nil
		},
	}
	cleanCmd.Flags().StringP("dir", "o", ".", "Directory to remove partial files from")
	return cleanCmd
}
