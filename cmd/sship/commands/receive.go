package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/SpatiumPortae/sship/cmd/sship/config"
	receiver_ui "github.com/SpatiumPortae/sship/cmd/sship/tui/receiver"
	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/manifest"
	"github.com/SpatiumPortae/sship/internal/portal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ------------------------------------------------------ Receive ------------------------------------------------------

func Receive() *cobra.Command {
	receiveCmd := &cobra.Command{
		Use:               "receive <code>",
		Short:             "Receive a file or directory",
		Long:              "The receive command receives the item offered under the pairing code. Interrupted transfers resume when the same code is used again.",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: codeCompletion,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd, map[string]string{
				"rendezvous": "rendezvous",
				"discovery":  "discovery",
				"tui-style":  "tui_style",
			}); err != nil {
				return err
			}

			// Reverse the --yes/-y flag value as it has an inverse relationship
			// with the configuration value 'prompt_overwrite_files'.
			overwriteFlag := cmd.Flags().Lookup("yes")
			if overwriteFlag.Changed {
				shouldOverwrite, _ := strconv.ParseBool(overwriteFlag.Value.String())
				_ = overwriteFlag.Value.Set(strconv.FormatBool(!shouldOverwrite))
			}

			if err := viper.BindPFlag("prompt_overwrite_files", overwriteFlag); err != nil {
				return fmt.Errorf("binding yes flag: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := code.Validate(args[0])
			if err != nil {
				return err
			}
			rename, _ := cmd.Flags().GetString("rename")
			if rename != "" {
				if err := manifest.ValidateName(rename); err != nil {
					return fmt.Errorf("invalid name %q: %w", rename, err)
				}
			}
			dest, _ := cmd.Flags().GetString("dir")

			cnf, err := portalConfig()
			if err != nil {
				return err
			}
			lg, closer, err := setupLoggingFromViper("receive")
			if err != nil {
				return err
			}
			defer closer.Close()
			cnf.Logger = lg
			cnf.Rename = rename

			switch viper.GetString("tui_style") {
			case config.StyleRich:
				if err := handleReceiveCommand(cmd, c.String(), dest, cnf); err != nil {
					return fmt.Errorf("running rich receive command: %w", err)
				}
				return nil
			case config.StyleRaw:
				if err := handleReceiveCommandRaw(cmd, c.String(), dest, cnf); err != nil {
					return fmt.Errorf("running raw receive command: %w", err)
				}
				return nil
			default:
				return errors.New("invalid tui style provided")
			}
		},
	}
	receiveCmd.Flags().StringP("rendezvous", "r", "", rendezvousFlagDesc)
	receiveCmd.Flags().StringP("discovery", "d", "", discoveryFlagDesc)
	receiveCmd.Flags().StringP("dir", "o", ".", "Directory to receive the item into")
	receiveCmd.Flags().StringP("rename", "n", "", "Name to store the received item under")
	receiveCmd.Flags().BoolP("yes", "y", false, "Overwrite an existing item without a [Y/n] prompt")
	receiveCmd.Flags().StringP("tui-style", "s", "", tuiStyleFlagDesc)
	return receiveCmd
}

// ------------------------------------------------------ Handlers -----------------------------------------------------

// handleReceiveCommand is the receive application.
func handleReceiveCommand(cmd *cobra.Command, password, dest string, cnf portal.Config) error {
	var opts []receiver_ui.Option
	if cnf.Discovery == portal.DiscoveryRendezvous {
		opts = append(opts, receiver_ui.WithVersionCheck(cnf.RendezvousAddr))
	}
	if viper.GetBool("prompt_overwrite_files") {
		opts = append(opts, receiver_ui.WithOverwritePrompt())
	}
	program := receiver_ui.New(cmd.Context(), password, dest, cnf, opts...)
	final, err := program.Run()
	if err != nil {
		return fmt.Errorf("running receiver tui: %w", err)
	}
	fmt.Println("")
	return receiver_ui.Err(final)
}

func handleReceiveCommandRaw(cmd *cobra.Command, password, dest string, cnf portal.Config) error {
	ctx := cmd.Context()
	if err := portal.CheckRendezvous(ctx, &cnf); err != nil {
		return err
	}
	input := bufio.NewReader(os.Stdin)
	cnf.Overwrite = func(path string) bool {
		if !viper.GetBool("prompt_overwrite_files") {
			return true
		}
		ok, err := confirm(input, fmt.Sprintf("overwrite %s?", path))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return false
		}
		return ok
	}

	events := make(chan interface{})
	go printEvents(os.Stderr, events)
	res, err := portal.Receive(ctx, password, dest, &cnf, events)
	if err != nil {
		return fmt.Errorf("receiving: %w", err)
	}
	fmt.Println(res.Path)
	return nil
}

// confirm asks a yes/no question on stdin.
func confirm(input *bufio.Reader, question string) (bool, error) {
	fmt.Fprintf(os.Stderr, "%s [y/n] ", question)
	response, err := input.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("unable to read input from stdin: %w", err)
	}
	switch strings.TrimSpace(response) {
	case "y", "yes", "Y", "Yes":
		return true, nil
	case "n", "no", "N", "No":
		return false, nil
	default:
		return false, errors.New("invalid response to prompt")
	}
}

// -------------------------------------------------- Code Completion --------------------------------------------------

// codeCompletion inserts the group separator once the first group of a code was typed.
func codeCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	directive := cobra.ShellCompDirectiveNoSpace | cobra.ShellCompDirectiveNoFileComp
	if len(args) > 0 {
		return nil, directive
	}
	if len(toComplete) == code.GroupDigits {
		if _, err := strconv.Atoi(toComplete); err == nil {
			return []string{toComplete + "-"}, directive
		}
	}
	return nil, directive
}
