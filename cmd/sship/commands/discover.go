package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/SpatiumPortae/sship/cmd/sship/config"
	"github.com/SpatiumPortae/sship/internal/discovery"
	"github.com/SpatiumPortae/sship/internal/portal"
	"github.com/spf13/cobra"
)

func Discover() *cobra.Command {
	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "List offers on the local network",
		Long:  "The discover command listens for offers announced on the local network. Codes are never announced, only their fingerprints.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetDuration("timeout")
			cnf := config.Portal()
			lg, closer, err := setupLoggingFromViper("discover")
			if err != nil {
				return err
			}
			defer closer.Close()
			cnf.Logger = lg

			entries, err := portal.Discover(cmd.Context(), wait, &cnf)
			if err != nil {
				return fmt.Errorf("discovering offers: %w", err)
			}
			printEntries(os.Stdout, entries, time.Now())
			return nil
		},
	}
	discoverCmd.Flags().DurationP("timeout", "t", 3*time.Second, "How long to listen for announcements")
	return discoverCmd
}

// printEntries prints one line per advertisement.
func printEntries(w io.Writer, entries []discovery.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no offers found")
		return
	}
	fmt.Fprintf(w, "%-12s %-24s %-9s %s\n", "OFFER", "ADDRESS", "STATE", "EXPIRES")
	for _, e := range entries {
		state := "waiting"
		if e.Consumed {
			state = "pairing"
		}
		fmt.Fprintf(w, "%-12s %-24s %-9s %s\n", e.Fingerprint.Short(), e.Address, state, e.Expires.Sub(now).Round(time.Second))
	}
}
