// Package config provides configuration loading and validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/blunderer/cortex-tool/internal/arch"
	"github.com/blunderer/cortex-tool/internal/logging"
	"github.com/blunderer/cortex-tool/internal/report"
	"github.com/blunderer/cortex-tool/internal/watchdog"
)

// DefaultContext is the number of code bytes shown around the pc.
const DefaultContext = 40

// Config is the tool configuration. Command line flags override it.
type Config struct {
	// Arch names the architecture the core was produced on.
	Arch string `yaml:"arch"`
	// Format is the report format string, e.g. "gen,reg,cod".
	Format  string        `yaml:"format"`
	Context int           `yaml:"context"`
	Timeout time.Duration `yaml:"timeout"`
	// Spool buffers the whole input before parsing, so segments may be
	// read in any order.
	Spool    bool   `yaml:"spool"`
	SpoolDir string `yaml:"spool_dir"`
	Color    bool   `yaml:"color"`

	Log  LogConfig  `yaml:"log"`
	MIPS MIPSConfig `yaml:"mips"`
}

// LogConfig configures diagnostics on stderr.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MIPSConfig selects the optional MIPS register set extensions.
type MIPSConfig struct {
	SmartMIPS bool `yaml:"smartmips"`
	SMTC      bool `yaml:"smtc"`
	Octeon    bool `yaml:"octeon"`
}

// Default returns the default configuration.
func Default() *Config {
	lc := logging.DefaultConfig()
	return &Config{
		Arch:    arch.Default(),
		Format:  "def",
		Context: DefaultContext,
		Timeout: watchdog.DefaultTimeout,
		Log: LogConfig{
			Level:  lc.Level,
			Pretty: lc.Pretty,
		},
	}
}

// Load reads a YAML configuration file over the defaults. Unknown keys
// are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration data over the defaults and validates
// the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var result *multierror.Error

	if !slices.Contains(arch.Names(), c.Arch) {
		result = multierror.Append(result, fmt.Errorf("unknown arch %q, expected one of %v", c.Arch, arch.Names()))
	}
	if _, err := report.ParseFormat(c.Format); err != nil {
		result = multierror.Append(result, fmt.Errorf("invalid format: %w", err))
	}
	if c.Context < 0 {
		result = multierror.Append(result, fmt.Errorf("context must not be negative, got %d", c.Context))
	}
	if c.Timeout < 0 {
		result = multierror.Append(result, fmt.Errorf("timeout must not be negative, got %v", c.Timeout))
	}
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid log level: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// ArchOptions returns the register set options for arch.New.
func (c *Config) ArchOptions() arch.Options {
	return arch.Options{
		MIPS: arch.MIPSOptions{
			SmartMIPS: c.MIPS.SmartMIPS,
			SMTC:      c.MIPS.SMTC,
			Octeon:    c.MIPS.Octeon,
		},
	}
}

// Logging returns the logger configuration.
func (c *Config) Logging(output io.Writer) logging.Config {
	return logging.Config{
		Level:  c.Log.Level,
		Pretty: c.Log.Pretty,
		Output: output,
	}
}
