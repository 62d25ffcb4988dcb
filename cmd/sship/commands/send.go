package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/SpatiumPortae/sship/cmd/sship/config"
	sender_ui "github.com/SpatiumPortae/sship/cmd/sship/tui/sender"
	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/portal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// -------------------------------------------------------- Send -------------------------------------------------------

func Send() *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send <file|directory>",
		Short: "Send a file or directory",
		Long: "The send command offers a file or directory under a pairing code. " +
			"The receiver that knows the code gets the item sent directly, encrypted with a key derived from the code.",
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd, map[string]string{
				"rendezvous": "rendezvous",
				"discovery":  "discovery",
				"compress":   "compress",
				"tui-style":  "tui_style",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			reissued, _ := cmd.Flags().GetString("code")
			if reissued != "" {
				if _, err := code.Validate(reissued); err != nil {
					return err
				}
			}
			if _, err := os.Lstat(args[0]); err != nil {
				return fmt.Errorf("unable to offer %q: %w", args[0], err)
			}

			cnf, err := portalConfig()
			if err != nil {
				return err
			}
			lg, closer, err := setupLoggingFromViper("send")
			if err != nil {
				return err
			}
			defer closer.Close()
			cnf.Logger = lg
			cnf.Code = reissued

			switch viper.GetString("tui_style") {
			case config.StyleRich:
				if err := handleSendCommand(cmd, args[0], cnf); err != nil {
					return fmt.Errorf("running rich send command: %w", err)
				}
			case config.StyleRaw:
				if err := handleSendCommandRaw(cmd, args[0], cnf); err != nil {
					return fmt.Errorf("running raw send command: %w", err)
				}
			default:
				return errors.New("invalid tui style provided")
			}
			return nil
		},
	}
	sendCmd.Flags().StringP("code", "c", "", "Reissue a known pairing code instead of generating one")
	sendCmd.Flags().StringP("rendezvous", "r", "", rendezvousFlagDesc)
	sendCmd.Flags().StringP("discovery", "d", "", discoveryFlagDesc)
	sendCmd.Flags().BoolP("compress", "z", false, "Compress chunks with gzip when that makes them smaller")
	sendCmd.Flags().StringP("tui-style", "s", "", tuiStyleFlagDesc)
	return sendCmd
}

// ------------------------------------------------------ Handlers -----------------------------------------------------

// handleSendCommand is the sender application.
func handleSendCommand(cmd *cobra.Command, path string, cnf portal.Config) error {
	opts := []sender_ui.Option{sender_ui.WithReceiveFlags(receiveFlags())}
	if cnf.Discovery == portal.DiscoveryRendezvous {
		opts = append(opts, sender_ui.WithVersionCheck(cnf.RendezvousAddr))
	}
	program := sender_ui.New(cmd.Context(), path, cnf, opts...)
	final, err := program.Run()
	if err != nil {
		return fmt.Errorf("running tui: %w", err)
	}
	fmt.Println("")
	return sender_ui.Err(final)
}

func handleSendCommandRaw(cmd *cobra.Command, path string, cnf portal.Config) error {
	ctx := cmd.Context()
	if err := portal.CheckRendezvous(ctx, &cnf); err != nil {
		return err
	}
	events := make(chan interface{})
	go printEvents(os.Stderr, events)

	password, errC, err := portal.Send(ctx, path, &cnf, events)
	if err != nil {
		return fmt.Errorf("offering %s: %w", path, err)
	}
	fmt.Println(password)
	fmt.Fprintf(os.Stderr, "on the receiving end, run: sship receive %s %s\n", password, receiveFlags())
	if err := <-errC; err != nil {
		return fmt.Errorf("doing transfer: %w", err)
	}
	return nil
}

// receiveFlags returns the flags a receiver needs to find this sender with
// the current configuration.
func receiveFlags() string {
	var flags []string
	if !config.IsDefault("discovery") {
		flags = append(flags, "--discovery", viper.GetString("discovery"))
	}
	if viper.GetString("discovery") == portal.DiscoveryRendezvous && !config.IsDefault("rendezvous") {
		flags = append(flags, "--rendezvous", viper.GetString("rendezvous"))
	}
	return strings.Join(flags, " ")
}
