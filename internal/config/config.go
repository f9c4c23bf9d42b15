// Package config holds the file-backed configuration for the scanner:
// technique selection, pacing, evasion, idle-scan tuning and the ambient
// logging/metrics settings. Values load from YAML over a complete set of
// defaults, so a partial file only overrides what it names.
package config

import (
	stderrors "errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/packetrake/packetrake/internal/errors"
	"github.com/packetrake/packetrake/internal/logging"
	"github.com/packetrake/packetrake/internal/packet"
	"github.com/packetrake/packetrake/internal/scan"
)

// Config is the root configuration.
type Config struct {
	// Scan controls technique selection and probe lifecycle.
	Scan ScanConfig `yaml:"scan" json:"scan"`

	// Rate controls the pacer and the adaptive hostgroup window.
	Rate RateConfig `yaml:"rate" json:"rate"`

	// Evasion selects packet-level evasion transforms.
	Evasion EvasionConfig `yaml:"evasion" json:"evasion"`

	// Idle tunes zombie discovery and the idle-scan sequence.
	Idle IdleConfig `yaml:"idle" json:"idle"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// ScanConfig holds probe lifecycle settings.
type ScanConfig struct {
	// Techniques to run, in order.
	Techniques []string `yaml:"techniques" json:"techniques" validate:"min=1,dive,oneof=syn connect fin null xmas ack udp idle"`

	// Ports is the default port specification.
	Ports string `yaml:"ports" json:"ports" validate:"required"`

	// Timeout is the per-probe response deadline.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// MaxRetries bounds re-probes for loss-prone techniques.
	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"min=0,max=10"`

	// Parallelism fixes the concurrent task budget; zero lets the engine
	// size it from the scan surface.
	Parallelism int `yaml:"parallelism" json:"parallelism" validate:"min=0,max=1000"`

	// TrackerCapacity bounds outstanding probes.
	TrackerCapacity int `yaml:"tracker_capacity" json:"tracker_capacity" validate:"gt=0"`

	// SweepInterval is the tracker's timeout sweep period.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval" validate:"gt=0"`

	// DrainInterval is how often results move to the sink.
	DrainInterval time.Duration `yaml:"drain_interval" json:"drain_interval" validate:"gt=0"`
}

// RateConfig holds pacing settings.
type RateConfig struct {
	// PacketsPerSecond is the pacer's target rate.
	PacketsPerSecond float64 `yaml:"packets_per_second" json:"packets_per_second" validate:"gt=0"`

	// GroupFloor and GroupCeiling bound the adaptive in-flight window.
	GroupFloor   int `yaml:"group_floor" json:"group_floor" validate:"gt=0"`
	GroupCeiling int `yaml:"group_ceiling" json:"group_ceiling" validate:"gtefield=GroupFloor"`
}

// EvasionConfig holds packet evasion settings.
type EvasionConfig struct {
	// TTL overrides the IP time-to-live; zero keeps the default.
	TTL int `yaml:"ttl" json:"ttl" validate:"min=0,max=255"`

	// BadChecksum corrupts transport checksums.
	BadChecksum bool `yaml:"bad_checksum" json:"bad_checksum"`

	// FragmentSize splits probes into IP fragments of this many payload
	// bytes; zero disables fragmentation.
	FragmentSize int `yaml:"fragment_size" json:"fragment_size"`
}

// IdleConfig holds zombie settings.
type IdleConfig struct {
	// Zombie is the relay host address.
	Zombie string `yaml:"zombie" json:"zombie"`

	// ZombiePort is the zombie TCP port probed for RSTs.
	ZombiePort int `yaml:"zombie_port" json:"zombie_port" validate:"min=0,max=65535"`

	// ProbeSpacing separates discovery probes and scan steps.
	ProbeSpacing time.Duration `yaml:"probe_spacing" json:"probe_spacing" validate:"gt=0"`

	// MaxRetries bounds interference retries.
	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"min=1,max=10"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig holds the Prometheus exposition settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			Techniques:      []string{"syn"},
			Ports:           "1-1024",
			Timeout:         2 * time.Second,
			MaxRetries:      2,
			Parallelism:     0,
			TrackerCapacity: 65536,
			SweepInterval:   100 * time.Millisecond,
			DrainInterval:   200 * time.Millisecond,
		},
		Rate: RateConfig{
			PacketsPerSecond: 1000,
			GroupFloor:       8,
			GroupCeiling:     64,
		},
		Evasion: EvasionConfig{
			TTL:          0,
			BadChecksum:  false,
			FragmentSize: 0,
		},
		Idle: IdleConfig{
			Zombie:       "",
			ZombiePort:   80,
			ProbeSpacing: 200 * time.Millisecond,
			MaxRetries:   3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// Load reads configuration from a YAML file over the defaults. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to parse config file", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to create config directory", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to marshal config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to write config file", err)
	}
	return nil
}

// Validate checks the configuration. Every violation is reported at
// configuration time, before any packets are sent.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("constraint %q violated", f.Tag()), f.Namespace(), f.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "configuration validation failed", err)
	}

	if fs := c.Evasion.FragmentSize; fs != 0 && (fs < 8 || fs%8 != 0) {
		return errors.ErrInvalidMTU(fs)
	}

	if c.Idle.Zombie != "" {
		if _, err := netip.ParseAddr(c.Idle.Zombie); err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation,
				"zombie must be an IP address", "idle.zombie", c.Idle.Zombie)
		}
	}
	if hasTechnique(c.Scan.Techniques, string(scan.TechniqueIdle)) && c.Idle.Zombie == "" {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"idle scans need a zombie host", "idle.zombie", "")
	}

	return nil
}

// Techniques returns the configured techniques as typed values.
func (c *Config) Techniques() []scan.Technique {
	out := make([]scan.Technique, 0, len(c.Scan.Techniques))
	for _, t := range c.Scan.Techniques {
		out = append(out, scan.Technique(t))
	}
	return out
}

// ZombieAddr returns the configured zombie endpoint, or the zero value
// when no zombie is set.
func (c *Config) ZombieAddr() netip.AddrPort {
	if c.Idle.Zombie == "" {
		return netip.AddrPort{}
	}
	addr, err := netip.ParseAddr(c.Idle.Zombie)
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr, uint16(c.Idle.ZombiePort))
}

// EvasionSettings maps the evasion section onto the packet layer.
func (c *Config) EvasionSettings() packet.Evasion {
	return packet.Evasion{
		TTL:          uint8(c.Evasion.TTL),
		BadChecksum:  c.Evasion.BadChecksum,
		FragmentSize: c.Evasion.FragmentSize,
	}
}

// LoggerConfig maps the logging section onto the logging package.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:  logging.LogLevel(c.Logging.Level),
		Format: logging.LogFormat(c.Logging.Format),
		Output: c.Logging.Output,
	}
}

func hasTechnique(techniques []string, want string) bool {
	for _, t := range techniques {
		if t == want {
			return true
		}
	}
	return false
}
