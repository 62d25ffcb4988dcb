package commands

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
		"time"

	"github.com/SpatiumPortae/sship/cmd/sship/config"
	"github.com/SpatiumPortae/sship/internal/logger"
	"github.com/SpatiumPortae/sship/internal/portal"
	"github.com/SpatiumPortae/sship/internal/receiver"
	"github.com/SpatiumPortae/sship/internal/sender"
	"github.com/SpatiumPortae/sship/internal/transfer"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	rendezvousFlagDesc = `Address of the rendezvous server. Accepted formats:
  - 127.0.0.1:8080
  - [::1]:8080
  - somedomain.com
	`
	discoveryFlagDesc = "How the sender is found (rendezvous|multicast)"
	tuiStyleFlagDesc  = "Style of the tui (rich|raw)"
)

var validate = validator.New()
var ErrInvalidAddress = errors.New("invalid address provided")

// validateAddress validates a hostname or IP, optionally with a port.
func validateAddress(addr string) error {

	// IPv4 and IPv6 address validation.
	err := validate.Var(addr, "ip")
	if err == nil {
		return nil
	}

	// IPv4 or IPv6 or domain or localhost.
	err = validate.Var(addr, "hostname")
	if err == nil {
		return nil
	}

	// IPv4 or domain or localhost and a port. Or just a shortand port (:1234).
	err = validate.Var(addr, "hostname_port")
	if err == nil {
		return nil
	}

	// Also validate IPv6 host + port combination. The hostname_port validator does not validate this.
	host, port, hostPortErr := net.SplitHostPort(addr)
	if hostPortErr != nil || net.ParseIP(host) == nil {
		return ErrInvalidAddress
	}
	// Additionally, validate the port range.
	if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return ErrInvalidAddress
	}
	return nil
}

// bindFlags binds the named flags of cmd to the viper keys they override.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for flag, key := range keys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("binding %s flag: %w", flag, err)
		}
	}
	return nil
}

// portalConfig returns the library config for the configured discovery
// mechanism, validating the rendezvous address when it is used.
func portalConfig() (portal.Config, error) {
	cnf := config.Portal()
	switch cnf.Discovery {
	case portal.DiscoveryRendezvous:
		if err := validateAddress(cnf.RendezvousAddr); err != nil {
			return portal.Config{}, fmt.Errorf("%w: (%s) is not a valid rendezvous address", err, cnf.RendezvousAddr)
		}
	case portal.DiscoveryMulticast:
	default:
		return portal.Config{}, fmt.Errorf("unknown discovery mechanism %q", cnf.Discovery)
	}
	return cnf, nil
}

// setupLoggingFromViper returns the logger of a command. Verbose commands log
// debug information to `.sship-<command>.log` in the current directory, other
// commands log warnings to stderr, or nothing while the rich tui owns the terminal.
func setupLoggingFromViper(cmd string) (*zap.Logger, io.Closer, error) {
	if viper.GetBool("verbose") {
		f, err := os.OpenFile(fmt.Sprintf(".sship-%s.log", cmd), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("could not log to the provided file: %w", err)
		}
		return logger.NewCLI(true, f).Named(cmd), f, nil
	}
	if viper.GetString("tui_style") == config.StyleRich {
		return zap.NewNop(), io.NopCloser(nil), nil
	}
	return logger.NewCLI(false, os.Stderr).Named(cmd), io.NopCloser(nil), nil
}

// printEvents prints the events of a session as plain lines until msgs is closed.
// Progress is printed in steps of ten percent.
func printEvents(w io.Writer, msgs <-chan interface{}) {
	var size int64
	step := -1
	for msg := range msgs {
		switch e := msg.(type) {
		case sender.Advertised:
			fmt.Fprintf(w, "advertised, receivers connect to %s until %s\n", e.Address, e.Expires.Format(time.Kitchen))
		case sender.Connected:
			fmt.Fprintln(w, "receiver connected")
		case sender.Rearmed:
			fmt.Fprintf(w, "connection lost, code re-armed for resume (attempt %d)\n", e.Attempt)
		case receiver.Resolved:
			fmt.Fprintf(w, "found sender at %s\n", e.Address)
		case receiver.Paired:
			fmt.Fprintln(w, "established encrypted connection")
		case transfer.Started:
			size, step = e.Manifest.Size, -1
			if e.Resumed > 0 {
				fmt.Fprintf(w, "transferring %d bytes, resuming after %d bytes\n", e.Manifest.Size, e.Resumed)
			} else {
				fmt.Fprintf(w, "transferring %d bytes\n", e.Manifest.Size)
			}
		case transfer.Progress:
			if size <= 0 {
				continue
			}
			if s := int(e.Bytes * 10 / size); s > step {
				step = s
				fmt.Fprintf(w, "%3d%%\n", s*10)
			}
		case transfer.FileDone:
			fmt.Fprintf(w, "received %s\n", e.File)
		case transfer.Completed:
			fmt.Fprintf(w, "transfer completed (%d bytes)\n", e.Bytes)
		}
	}
}
