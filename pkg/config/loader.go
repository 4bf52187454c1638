package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/openeeap/rlactor/internal/observability/logging"
)

// DefaultEnvPrefix prefixes environment overrides, e.g. RLACTOR_ACTOR_GRAD_CLIP
const DefaultEnvPrefix = "RLACTOR"

// ============================================================================
// Configuration Loader
// ============================================================================

// Loader manages configuration loading and reloading
type Loader struct {
	viper *viper.Viper

	config *Config
	mu     sync.RWMutex

	watchEnabled    bool
	reloadCallbacks []ReloadCallback

	logger logging.Logger
}

// ReloadCallback is called when configuration is reloaded
type ReloadCallback func(oldConfig, newConfig *Config) error

// LoaderOptions defines options for configuration loader
type LoaderOptions struct {
	// Configuration file path
	ConfigFile string

	// Configuration file type (yaml, json, toml)
	ConfigType string

	// Enable watching for file changes
	EnableWatch bool

	// Environment variable prefix
	EnvPrefix string

	// Additional config paths to search
	ConfigPaths []string
}

// NewLoader creates a new configuration loader
func NewLoader(opts LoaderOptions) *Loader {
	v := viper.New()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("rlactor")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/rlactor")
		for _, path := range opts.ConfigPaths {
			v.AddConfigPath(path)
		}
	}
	if opts.ConfigType != "" {
		v.SetConfigType(opts.ConfigType)
	} else if opts.ConfigFile == "" {
		v.SetConfigType("yaml")
	}

	envPrefix := opts.EnvPrefix
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	applyDefaults(v)

	return &Loader{
		viper:        v,
		watchEnabled: opts.EnableWatch,
		logger:       logging.NewNoopLogger(),
	}
}

// Load loads configuration from all sources
func (l *Loader) Load() (*Config, error) {
	if err := l.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			l.logger.Warn("Configuration file not found, using defaults", logging.Error(err))
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.config = config
	l.mu.Unlock()

	l.logger.Info("Configuration loaded", logging.String("file", l.viper.ConfigFileUsed()))

	if l.watchEnabled && l.viper.ConfigFileUsed() != "" {
		l.startWatch()
	}

	return config, nil
}

// Get returns the current configuration
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Set overrides a single key, e.g. from a command-line flag. Call before Load.
func (l *Loader) Set(key string, value interface{}) {
	l.viper.Set(key, value)
}

func (l *Loader) decode() (*Config, error) {
	config := &Config{}
	if err := l.viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// ============================================================================
// Configuration Defaults
// ============================================================================

// applyDefaults registers every key with viper so environment overrides
// reach keys absent from the file
func applyDefaults(v *viper.Viper) {
	// Actor defaults
	v.SetDefault("actor.use_remove_padding", true)
	v.SetDefault("actor.ulysses_sequence_parallel_size", 1)
	v.SetDefault("actor.use_dynamic_bsz", false)
	v.SetDefault("actor.ppo_mini_batch_size", 4)
	v.SetDefault("actor.ppo_micro_batch_size_per_gpu", 2)
	v.SetDefault("actor.ppo_max_token_len_per_gpu", 16384)
	v.SetDefault("actor.clip_ratio", 0.2)
	v.SetDefault("actor.entropy_coeff", 0.0)
	v.SetDefault("actor.use_kl_loss", false)
	v.SetDefault("actor.kl_loss_type", "low_var_kl")
	v.SetDefault("actor.kl_loss_coef", 0.001)
	v.SetDefault("actor.loss_agg_mode", "token-mean")
	v.SetDefault("actor.max_tokens", 0)
	v.SetDefault("actor.grad_clip", 1.0)
	v.SetDefault("actor.use_sft_loss", false)
	v.SetDefault("actor.sft_type", "")
	v.SetDefault("actor.sft_loss_coef", 1.0)
	v.SetDefault("actor.temperature", 1.0)
	_ = v.BindEnv("actor.clip_ratio_low")
	_ = v.BindEnv("actor.clip_ratio_high")

	// Collective defaults
	v.SetDefault("collective.backend", "local")
	v.SetDefault("collective.address", "")
	v.SetDefault("collective.group", "default")
	v.SetDefault("collective.rank", 0)
	v.SetDefault("collective.dial_timeout", 10*time.Second)
	v.SetDefault("collective.round_timeout", 5*time.Minute)

	// Server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9400)
	v.SetDefault("server.enable_pprof", false)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.output", "stdout")
	v.SetDefault("observability.logging.file_path", "")
	v.SetDefault("observability.logging.max_size", 100)
	v.SetDefault("observability.logging.max_backups", 5)
	v.SetDefault("observability.logging.max_age", 7)
	v.SetDefault("observability.logging.compress", false)
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.path", "/metrics")
	v.SetDefault("observability.metrics.namespace", "rlactor")
	v.SetDefault("observability.metrics.subsystem", "actor")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.provider", "none")
	v.SetDefault("observability.tracing.endpoint", "")
	v.SetDefault("observability.tracing.insecure", true)
	v.SetDefault("observability.tracing.service_name", "rlactor")
	v.SetDefault("observability.tracing.sampling_rate", 1.0)

	// Publisher defaults
	v.SetDefault("publisher.kafka.enabled", false)
	v.SetDefault("publisher.kafka.brokers", []string{})
	v.SetDefault("publisher.kafka.client_id", "rlactor")
	v.SetDefault("publisher.kafka.topic", "actor.metrics")
	v.SetDefault("publisher.kafka.compression", "snappy")
	v.SetDefault("publisher.kafka.required_acks", 1)
	v.SetDefault("publisher.kafka.max_message_bytes", 1000000)
}

// ============================================================================
// Hot Reload Support
// ============================================================================

// startWatch starts watching the configuration file for changes
func (l *Loader) startWatch() {
	l.viper.OnConfigChange(func(e fsnotify.Event) {
		l.logger.Info("Configuration file changed, reloading", logging.String("file", e.Name))

		if err := l.reload(); err != nil {
			l.logger.Error("Failed to reload configuration", logging.Error(err))
		}
	})
	l.viper.WatchConfig()
}

// reload decodes the already re-read file and swaps it in when every
// callback accepts it
func (l *Loader) reload() error {
	l.mu.RLock()
	oldConfig := l.config
	l.mu.RUnlock()

	newConfig, err := l.decode()
	if err != nil {
		return err
	}

	for _, callback := range l.reloadCallbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}

	l.mu.Lock()
	l.config = newConfig
	l.mu.Unlock()

	l.logger.Info("Configuration reloaded")
	return nil
}

// OnReload registers a callback to be called when configuration is reloaded
func (l *Loader) OnReload(callback ReloadCallback) {
	l.reloadCallbacks = append(l.reloadCallbacks, callback)
}

// SetLogger sets the logger for configuration loader
func (l *Loader) SetLogger(logger logging.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// ============================================================================
// Configuration Export
// ============================================================================

// ExportToYAML renders the current configuration as YAML
func (l *Loader) ExportToYAML() (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.config == nil {
		return "", fmt.Errorf("configuration not loaded")
	}
	return ToYAML(l.config)
}

// ToYAML renders a configuration as YAML
func ToYAML(c *Config) (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(out), nil
}

// LoadWithDefaults loads configuration with default options
func LoadWithDefaults() (*Config, error) {
	return NewLoader(LoaderOptions{EnvPrefix: DefaultEnvPrefix}).Load()
}

//Personal.AI order the ending
