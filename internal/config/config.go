// Package config loads the agent configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/guseggert/procrt/environment"
	"github.com/guseggert/procrt/process"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type TLS struct {
	CACertFile string `yaml:"ca_cert_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
}

func (t *TLS) Enabled() bool { return t != nil && t.CertFile != "" }

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	// DefaultDir is the working directory of commands that do not set one.
	DefaultDir string `yaml:"default_dir"`
	// Env is applied on top of the agent's own environment for every command.
	Env map[string]string `yaml:"env"`
	// EnvFlavor is "posix", "windows" or "native" (the default).
	EnvFlavor string `yaml:"env_flavor"`

	AllowAmbiguousCommands bool `yaml:"allow_ambiguous_commands"`
	// CommandTimeout bounds POST /command requests. Zero means no limit.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// Guard restricts which programs may run. Nil allows everything.
	Guard *process.AllowList `yaml:"guard"`
	TLS   *TLS               `yaml:"tls"`
}

func Default() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8080",
		LogLevel:       "info",
		CommandTimeout: 5 * time.Minute,
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown fields are rejected.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.BaseEnv(); err != nil {
		return err
	}
	if c.CommandTimeout < 0 {
		return fmt.Errorf("negative command_timeout %s", c.CommandTimeout)
	}
	if c.TLS != nil && (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls needs both cert_file and key_file")
	}
	return nil
}

func (c Config) Level() (zapcore.Level, error) {
	l, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("parsing log_level: %w", err)
	}
	return l, nil
}

// BaseEnv returns the system environment with Env applied, in the configured flavor.
func (c Config) BaseEnv() (*environment.Env, error) {
	f, err := environment.FlavorByName(c.EnvFlavor)
	if err != nil {
		return nil, err
	}
	sys := environment.System()
	env := environment.New(f)
	for name, value := range sys.Map() {
		_ = env.Set(name, value)
	}
	for name, value := range c.Env {
		if err := env.Set(name, value); err != nil {
			return nil, fmt.Errorf("env %q: %w", name, err)
		}
	}
	return env, nil
}
