// Config loader with environment overrides and hot-reload support.
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Loader loads and hot-reloads the pipeline configuration. Subscribers are
// notified with a fully validated Config snapshot; a reload that fails
// validation is discarded and the previous config stays in effect.
type Loader struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	viper     *viper.Viper
	config    *Config
	watchers  []func(*Config)
	watchOnce sync.Once
}

// NewLoader creates a configuration loader.
func NewLoader(logger *zap.Logger) *Loader {
	return &Loader{
		logger: logger,
		viper:  viper.New(),
	}
}

// Load reads configuration from the given file path (optional) layered over
// defaults and COMPLIANCE_* environment variables.
func (l *Loader) Load(configPath string) (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.viper.SetEnvPrefix("COMPLIANCE")
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.viper.AutomaticEnv()

	if configPath != "" {
		l.viper.SetConfigFile(configPath)
		if err := l.viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	cfg, err := l.unmarshal()
	if err != nil {
		return nil, err
	}

	l.config = cfg
	l.logger.Info("configuration loaded",
		zap.String("path", configPath),
		zap.Int("pipeline_workers", cfg.Pipeline.Workers))
	return cfg, nil
}

// Watch starts hot-reload on the loaded config file. Safe to call once after
// a successful Load with a file path.
func (l *Loader) Watch() {
	l.watchOnce.Do(func() {
		l.viper.OnConfigChange(func(e fsnotify.Event) {
			l.logger.Info("config file changed, reloading", zap.String("file", e.Name))
			cfg, err := l.reload()
			if err != nil {
				l.logger.Error("config reload rejected, keeping previous config", zap.Error(err))
				return
			}
			for _, fn := range l.subscribers() {
				fn(cfg)
			}
		})
		l.viper.WatchConfig()
	})
}

// OnChange registers a callback invoked with each validated reloaded config.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

func (l *Loader) reload() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cfg, err := l.unmarshal()
	if err != nil {
		return nil, err
	}
	l.config = cfg
	return cfg, nil
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) subscribers() []func(*Config) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]func(*Config), len(l.watchers))
	copy(out, l.watchers)
	return out
}
