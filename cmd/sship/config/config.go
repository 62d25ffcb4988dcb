package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/discovery/multicast"
	"github.com/SpatiumPortae/sship/internal/portal"
	"github.com/SpatiumPortae/sship/internal/receiver"
	"github.com/SpatiumPortae/sship/internal/sender"
	"github.com/SpatiumPortae/sship/internal/transfer"
	"github.com/fatih/structs"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const (
	CONFIGS_DIR_NAME      = ".config"
	SSHIP_CONFIG_DIR_NAME = "sship"
	CONFIG_FILE_NAME      = "config"
	CONFIG_FILE_EXT       = "yml"

	StyleRich = "rich"
	StyleRaw  = "raw"
)

type Config struct {
	Rendezvous           string        `mapstructure:"rendezvous"`
	Discovery            string        `mapstructure:"discovery"`
	MulticastGroup       string        `mapstructure:"multicast_group"`
	Verbose              bool          `mapstructure:"verbose"`
	PromptOverwriteFiles bool          `mapstructure:"prompt_overwrite_files"`
	ServePort            int           `mapstructure:"serve_port"`
	TuiStyle             string        `mapstructure:"tui_style"`
	CodeLifetime         time.Duration `mapstructure:"code_lifetime"`
	ResolveTimeout       time.Duration `mapstructure:"resolve_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	ChunkSize            int           `mapstructure:"chunk_size"`
	Compress             bool          `mapstructure:"compress"`
	MaxResumes           int           `mapstructure:"max_resumes"`
	ProgressDir          string        `mapstructure:"progress_dir"`
}

func GetDefault() Config {
	return Config{
		Rendezvous:           "sship.spatiumportae.com",
		Discovery:            portal.DiscoveryRendezvous,
		MulticastGroup:       multicast.DefaultGroup,
		Verbose:              false,
		PromptOverwriteFiles: true,
		ServePort:            8080,
		TuiStyle:             StyleRich,
		CodeLifetime:         code.DefaultLifetime,
		ResolveTimeout:       receiver.DefaultResolveTimeout,
		IdleTimeout:          transfer.DefaultIdleTimeout,
		ChunkSize:            transfer.DefaultChunkSize,
		Compress:             false,
		MaxResumes:           sender.DefaultMaxResumes,
		ProgressDir:          portal.DefaultProgressDir(),
	}
}

func (config Config) Map() map[string]any {
	m := map[string]any{}
	for _, field := range structs.Fields(config) {
		key := field.Tag("mapstructure")
		value := field.Value()
		m[key] = value
	}
	return m
}

// Yaml renders the config with its keys sorted, so resets produce stable files.
func (config Config) Yaml() []byte {
	m := config.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for _, k := range keys {
		builder.WriteString(fmt.Sprintf("%s: %v", k, m[k]))
		builder.WriteRune('\n')
	}
	return []byte(builder.String())
}

// Resolved returns the settings in effect, after flags, environment and the
// config file were applied over the defaults.
func Resolved() (Config, error) {
	var c Config
	if err := viper.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if c.ProgressDir == "" {
		c.ProgressDir = portal.DefaultProgressDir()
	}
	return c, nil
}

// Annotated renders the config like Yaml, marking every key that differs from
// its default with the default value.
func (config Config) Annotated() []byte {
	m, defaults := config.Map(), GetDefault().Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for _, k := range keys {
		builder.WriteString(fmt.Sprintf("%s: %v", k, m[k]))
		if m[k] != defaults[k] {
			builder.WriteString(fmt.Sprintf(" # default: %v", defaults[k]))
		}
		builder.WriteRune('\n')
	}
	return []byte(builder.String())
}

// Problems lists the settings sship cannot run with.
func (config Config) Problems() []string {
	var problems []string
	if config.TuiStyle != StyleRich && config.TuiStyle != StyleRaw {
		problems = append(problems, fmt.Sprintf("tui_style %q is neither %q nor %q", config.TuiStyle, StyleRich, StyleRaw))
	}
	if config.Discovery != portal.DiscoveryRendezvous && config.Discovery != portal.DiscoveryMulticast {
		problems = append(problems, fmt.Sprintf("discovery %q is neither %q nor %q", config.Discovery, portal.DiscoveryRendezvous, portal.DiscoveryMulticast))
	}
	if config.ChunkSize <= 0 || config.ChunkSize > transfer.MaxChunkSize {
		problems = append(problems, fmt.Sprintf("chunk_size %d is outside (0, %d]", config.ChunkSize, transfer.MaxChunkSize))
	}
	for key, d := range map[string]time.Duration{
		"code_lifetime":   config.CodeLifetime,
		"resolve_timeout": config.ResolveTimeout,
		"idle_timeout":    config.IdleTimeout,
	} {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive", key))
		}
	}
	sort.Strings(problems)
	return problems
}

func IsDefault(key string) bool {
	defaults := GetDefault().Map()
	return viper.Get(key) == defaults[key]
}

// Portal projects the viper state onto the library config.
func Portal() portal.Config {
	return portal.Config{
		Discovery:      viper.GetString("discovery"),
		RendezvousAddr: viper.GetString("rendezvous"),
		MulticastGroup: viper.GetString("multicast_group"),
		CodeLifetime:   viper.GetDuration("code_lifetime"),
		ResolveTimeout: viper.GetDuration("resolve_timeout"),
		IdleTimeout:    viper.GetDuration("idle_timeout"),
		ChunkSize:      viper.GetInt("chunk_size"),
		Compress:       viper.GetBool("compress"),
		MaxResumes:     viper.GetInt("max_resumes"),
		ProgressDir:    viper.GetString("progress_dir"),
	}
}

// Init initializes the viper config.
// `config.yml` is created in $HOME/.config/sship if not already existing.
// NOTE: The precedence levels of viper are the following: flags -> env -> config file -> defaults.
func Init() error {
	home, err := homedir.Dir()
	if err != nil {
		return fmt.Errorf("resolving home dir: %w", err)
	}

	viper.SetEnvPrefix("SSHIP")
	viper.AutomaticEnv()

	configPath := filepath.Join(home, CONFIGS_DIR_NAME, SSHIP_CONFIG_DIR_NAME)
	viper.AddConfigPath(configPath)
	viper.SetConfigName(CONFIG_FILE_NAME)
	viper.SetConfigType(CONFIG_FILE_EXT)

	if err := viper.ReadInConfig(); err != nil {
		// Create config file if not found.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			err := os.MkdirAll(configPath, os.ModePerm)
			if err != nil {
				return fmt.Errorf("could not create config directory: %w", err)
			}

			configFile, err := os.Create(filepath.Join(configPath, fmt.Sprintf("%s.%s", CONFIG_FILE_NAME, CONFIG_FILE_EXT)))
			if err != nil {
				return fmt.Errorf("could not create config file: %w", err)
			}
			defer configFile.Close()

			_, err = configFile.Write(GetDefault().Yaml())
			if err != nil {
				return fmt.Errorf("could not write defaults to config file: %w", err)
			}
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("could not read created config file: %w", err)
			}
		} else {
			return fmt.Errorf("could not read config file: %w", err)
		}
	}
	for k, v := range GetDefault().Map() {
		viper.SetDefault(k, v)
	}
	return nil
}
