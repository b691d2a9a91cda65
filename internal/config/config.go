// Package config reads the user configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	homedir "github.com/mitchellh/go-homedir"
)

// ContainerConfig configures the container provisioning method.
type ContainerConfig struct {
	Engine string `toml:"engine"`
}

// VirtualConfig configures the virtual provisioning method.
type VirtualConfig struct {
	APIURL           string `toml:"api_url"`
	APIVersion       string `toml:"api_version"`
	Arch             string `toml:"arch"`
	Keyname          string `toml:"keyname"`
	Pool             string `toml:"pool"`
	ProvisionTimeout string `toml:"provision_timeout"`
}

// ConnectConfig configures the connect provisioning method.
type ConnectConfig struct {
	Catalog string `toml:"catalog"`
}

// SSHConfig holds defaults for SSH based guests.
type SSHConfig struct {
	User string `toml:"user"`
	Key  string `toml:"key"`
}

// Config holds all tmtgo configuration.
type Config struct {
	WorkdirRoot string          `toml:"workdir_root"`
	Workers     int             `toml:"workers"`
	StepTimeout string          `toml:"step_timeout"`
	OutputLines int             `toml:"output_lines"`
	Container   ContainerConfig `toml:"container"`
	Virtual     VirtualConfig   `toml:"virtual"`
	Connect     ConnectConfig   `toml:"connect"`
	SSH         SSHConfig       `toml:"ssh"`
}

const (
	defaultWorkdirRoot = "/var/tmp/tmtgo"
	defaultWorkers     = 2
	defaultOutputLines = 100
)

// WorkdirRootOrDefault returns the directory holding run directories.
func (c Config) WorkdirRootOrDefault() string {
	if c.WorkdirRoot != "" {
		return c.WorkdirRoot
	}
	return defaultWorkdirRoot
}

// WorkersOrDefault returns how many plans run at once.
func (c Config) WorkersOrDefault() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return defaultWorkers
}

// OutputLinesOrDefault returns how many output lines guest errors show.
func (c Config) OutputLinesOrDefault() int {
	if c.OutputLines > 0 {
		return c.OutputLines
	}
	return defaultOutputLines
}

// LoadFrom reads configuration from the given TOML file path.
// If the file does not exist, it returns an empty config without error.
// Environment variables always take precedence over file values:
//   - TMTGO_WORKDIR_ROOT     overrides workdir_root
//   - TMTGO_CONTAINER_ENGINE overrides container.engine
//   - TMTGO_VIRTUAL_API_URL  overrides virtual.api_url
func LoadFrom(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := expandPaths(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the configuration from DefaultConfigPath.
func Load() (Config, error) {
	return LoadFrom(DefaultConfigPath())
}

// DefaultConfigPath returns the default path for the tmtgo config file.
func DefaultConfigPath() string {
	home, _ := homedir.Dir()
	return filepath.Join(home, ".config", "tmtgo", "config.toml")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TMTGO_WORKDIR_ROOT"); v != "" {
		cfg.WorkdirRoot = v
	}
	if v := os.Getenv("TMTGO_CONTAINER_ENGINE"); v != "" {
		cfg.Container.Engine = v
	}
	if v := os.Getenv("TMTGO_VIRTUAL_API_URL"); v != "" {
		cfg.Virtual.APIURL = v
	}
}

func expandPaths(cfg *Config) error {
	for _, p := range []*string{&cfg.WorkdirRoot, &cfg.Connect.Catalog, &cfg.SSH.Key} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Save writes cfg to the given TOML file path, creating parent directories as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	if encErr := toml.NewEncoder(f).Encode(cfg); encErr != nil {
		f.Close()
		return encErr
	}
	return f.Close()
}
