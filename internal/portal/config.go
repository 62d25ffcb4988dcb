//nolint:errcheck
package portal

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/discovery"
	"github.com/SpatiumPortae/sship/internal/discovery/multicast"
	"github.com/SpatiumPortae/sship/internal/discovery/rendezvous"
	"github.com/SpatiumPortae/sship/internal/progress"
	"github.com/SpatiumPortae/sship/internal/receiver"
	"github.com/SpatiumPortae/sship/internal/sender"
	"github.com/SpatiumPortae/sship/internal/transfer"
	homedir "github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

// Discovery mechanisms.
const (
	DiscoveryRendezvous = "rendezvous"
	DiscoveryMulticast  = "multicast"
)

// defaultConfig specifies the default config for the portal module.
var defaultConfig = Config{
	Discovery:      DiscoveryRendezvous,
	RendezvousAddr: "sship.spatiumportae.com",
	MulticastGroup: multicast.DefaultGroup,
	CodeLifetime:   code.DefaultLifetime,
	ResolveTimeout: receiver.DefaultResolveTimeout,
	IdleTimeout:    transfer.DefaultIdleTimeout,
	ChunkSize:      transfer.DefaultChunkSize,
	MaxResumes:     sender.DefaultMaxResumes,
}

// Config specifes a config for the portal module.
type Config struct {
	Discovery      string        `json:"Discovery,omitempty"`
	RendezvousAddr string        `json:"RendezvousAddr,omitempty"`
	MulticastGroup string        `json:"MulticastGroup,omitempty"`
	CodeLifetime   time.Duration `json:"CodeLifetime,omitempty"`
	ResolveTimeout time.Duration `json:"ResolveTimeout,omitempty"`
	IdleTimeout    time.Duration `json:"IdleTimeout,omitempty"`
	ChunkSize      int           `json:"ChunkSize,omitempty"`
	Compress       bool          `json:"Compress,omitempty"`
	MaxResumes     int           `json:"MaxResumes,omitempty"`
	ProgressDir    string        `json:"ProgressDir,omitempty"`
	// Code reissues a known code instead of generating one when sending.
	Code string `json:"Code,omitempty"`
	// Rename replaces the name of the received item.
	Rename string `json:"Rename,omitempty"`
	// ListenAddr and AdvertiseHost control where a sender accepts links.
	ListenAddr    string `json:"ListenAddr,omitempty"`
	AdvertiseHost string `json:"AdvertiseHost,omitempty"`

	// The fields below are not serializable and survive merging as is.

	// Discoverer replaces the configured discovery mechanism.
	Discoverer discovery.Discoverer `json:"-"`
	// Store replaces the progress store opened from ProgressDir.
	Store *progress.Store `json:"-"`
	// Overwrite is asked before an existing item is replaced.
	Overwrite func(path string) bool `json:"-"`
	Logger    *zap.Logger            `json:"-"`
}

// MergeConfigReader merges the config from the reader
// with into the provided config. Values in the reader
// will override values in the provided config
func MergeConfigReader(dst Config, r io.Reader) Config {
	json.NewDecoder(r).Decode(&dst)
	return dst
}

// MergeConfig merges the specified source config into the
// specified destination config. Values present in the source
// config will overide values in the destination config.
func MergeConfig(dst Config, src *Config) Config {
	if src == nil {
		return dst
	}
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(src)
	merged := MergeConfigReader(dst, &buf)
	if src.Discoverer != nil {
		merged.Discoverer = src.Discoverer
	}
	if src.Store != nil {
		merged.Store = src.Store
	}
	if src.Overwrite != nil {
		merged.Overwrite = src.Overwrite
	}
	if src.Logger != nil {
		merged.Logger = src.Logger
	}
	return merged
}

// DefaultProgressDir is where progress is kept when no directory is configured.
func DefaultProgressDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(".sship", "progress")
	}
	return filepath.Join(home, ".config", "sship", "progress")
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// discoverer returns the discovery mechanism selected by the config.
func (c Config) discoverer() discovery.Discoverer {
	if c.Discoverer != nil {
		return c.Discoverer
	}
	switch c.Discovery {
	case DiscoveryMulticast:
		return multicast.New(c.MulticastGroup, multicast.WithLogger(c.logger()))
	default:
		return rendezvous.NewClient(c.RendezvousAddr, rendezvous.WithLogger(c.logger()))
	}
}

func (c Config) store() *progress.Store {
	if c.Store != nil {
		return c.Store
	}
	dir := c.ProgressDir
	if dir == "" {
		dir = DefaultProgressDir()
	}
	return progress.NewStore(dir)
}
