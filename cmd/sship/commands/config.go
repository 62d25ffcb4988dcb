package commands

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/SpatiumPortae/sship/cmd/sship/config"
	"github.com/alecthomas/chroma/quick"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func Config() *cobra.Command {
	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Output the path of the config file, or of the progress records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if progressDir, _ := cmd.Flags().GetBool("progress"); progressDir {
				resolved, err := config.Resolved()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resolved.ProgressDir)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), viper.ConfigFileUsed())
			return nil
		},
	}
	pathCmd.Flags().Bool("progress", false, "Output the directory resume progress is kept in")

	viewCmd := &cobra.Command{
		Use:   "view",
		Short: "View the settings in effect, with changed keys marked",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if fileOnly, _ := cmd.Flags().GetBool("file"); fileOnly {
				contents, err := os.ReadFile(viper.ConfigFileUsed())
				if err != nil {
					return fmt.Errorf("config file (%s) could not be read: %w", viper.ConfigFileUsed(), err)
				}
				highlight(out, contents)
				return nil
			}
			resolved, err := config.Resolved()
			if err != nil {
				return err
			}
			header := fmt.Sprintf("# %s, overridden by SSHIP_* variables and flags\n", viper.ConfigFileUsed())
			highlight(out, append([]byte(header), resolved.Annotated()...))
			return warnProblems(cmd.ErrOrStderr(), resolved)
		},
	}
	viewCmd.Flags().Bool("file", false, "Output the config file as written")

	editCmd := &cobra.Command{
		Use:   "edit",
		Short: "Edit the configuration file and check the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := viper.ConfigFileUsed()
			editor := editorCommand()
			if editor == "" {
				//lint:ignore ST1005 error string is command output
				return fmt.Errorf("Could not find an editor (set $VISUAL or $EDITOR)\nOptionally you can open the file (%s) manually", configPath)
			}
			editorCmd := exec.Command(editor, configPath)
			editorCmd.Stdin = os.Stdin
			editorCmd.Stdout = os.Stdout
			editorCmd.Stderr = os.Stderr
			if err := editorCmd.Run(); err != nil {
				return fmt.Errorf("failed to open file (%s) in editor (%s): %w", configPath, editor, err)
			}
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("edited config file (%s) could not be parsed: %w", configPath, err)
			}
			resolved, err := config.Resolved()
			if err != nil {
				return err
			}
			return warnProblems(cmd.ErrOrStderr(), resolved)
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset to the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := viper.ConfigFileUsed()
			if err := os.WriteFile(configPath, config.GetDefault().Yaml(), 0o644); err != nil {
				return fmt.Errorf("config file (%s) could not be written to: %w", configPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s to the defaults\n", configPath)
			return nil
		},
	}

	configCmd := &cobra.Command{
		Use:       "config",
		Short:     "View and configure options",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{pathCmd.Name(), viewCmd.Name(), editCmd.Name(), resetCmd.Name()},
		Run:       func(cmd *cobra.Command, args []string) {},
	}
	configCmd.AddCommand(pathCmd, viewCmd, editCmd, resetCmd)
	return configCmd
}

// highlight writes yaml with terminal colors, or as is when that fails.
func highlight(w io.Writer, yaml []byte) {
	if err := quick.Highlight(w, string(yaml), "yaml", "terminal256", "onedark"); err != nil {
		_, _ = w.Write(yaml)
	}
}

// editorCommand returns the executable of $VISUAL or $EDITOR, without arguments.
func editorCommand() string {
	for _, env := range []string{"VISUAL", "EDITOR"} {
		if editor, _, _ := strings.Cut(strings.TrimSpace(os.Getenv(env)), " "); editor != "" {
			return editor
		}
	}
	return ""
}

func warnProblems(w io.Writer, c config.Config) error {
	problems := c.Problems()
	for _, p := range problems {
		fmt.Fprintf(w, "warning: %s\n", p)
	}
	if len(problems) > 0 {
		return fmt.Errorf("config has %d invalid %s", len(problems), pluralize(len(problems), "setting"))
	}
	return nil
}

func pluralize(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
