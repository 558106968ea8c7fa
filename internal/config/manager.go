package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReloadCallback is called after a successful hot-reload, before the new
// configuration becomes visible through Get. Returning an error aborts the
// reload and keeps the old configuration.
type ReloadCallback func(oldConfig, newConfig *AppConfig) error

// Manager loads the service configuration from YAML files and DEDUP_*
// environment variables, validates it, and optionally hot-reloads it when a
// watched file changes.
type Manager struct {
	mu        sync.RWMutex
	config    AppConfig
	viper     *viper.Viper
	validator *validator.Validate
	logger    *zap.Logger

	watcher         *fsnotify.Watcher
	watchPaths      []string
	reloadCallbacks []ReloadCallback

	initialized bool
	lastReload  time.Time
}

// NewManager creates an unloaded Manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		viper:     viper.New(),
		validator: validator.New(),
		logger:    logger.Named("config"),
	}
}

// Load reads configuration from the given paths. Paths that do not exist are
// skipped; with no readable file the defaults plus environment variables
// apply. An empty path list falls back to the conventional locations.
func (m *Manager) Load(configPaths ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(configPaths) == 0 {
		configPaths = []string{
			"./dedup.yaml",
			"./configs/dedup.yaml",
			"/etc/dedup/dedup.yaml",
		}
	}

	v := newViper()
	loaded, err := mergeConfigFiles(v, configPaths)
	if err != nil {
		return err
	}
	if len(loaded) == 0 {
		m.logger.Warn("no configuration files found, using defaults and environment variables")
	} else {
		m.logger.Info("loaded configuration files", zap.Strings("files", loaded))
	}
	applyEnvironment(v)

	cfg, err := m.unmarshalAndValidate(v)
	if err != nil {
		return err
	}

	m.viper = v
	m.config = cfg
	m.watchPaths = loaded
	m.initialized = true
	m.lastReload = time.Now()

	m.logger.Info("configuration loaded",
		zap.String("environment", cfg.Environment),
		zap.String("store_driver", cfg.Store.Driver),
		zap.Strings("divisions", cfg.Scan.Divisions))
	return nil
}

// Get returns the current configuration snapshot.
func (m *Manager) Get() AppConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnReload registers a callback invoked on every successful hot-reload.
func (m *Manager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCallbacks = append(m.reloadCallbacks, cb)
}

// Reload re-reads the watched files and environment. On any failure the old
// configuration stays in place.
func (m *Manager) Reload() error {
	m.mu.RLock()
	paths := append([]string(nil), m.watchPaths...)
	oldConfig := m.config
	callbacks := append([]ReloadCallback(nil), m.reloadCallbacks...)
	m.mu.RUnlock()

	v := newViper()
	if _, err := mergeConfigFiles(v, paths); err != nil {
		return fmt.Errorf("failed to reload config files: %w", err)
	}
	applyEnvironment(v)

	newConfig, err := m.unmarshalAndValidate(v)
	if err != nil {
		return fmt.Errorf("reloaded configuration invalid: %w", err)
	}

	for _, cb := range callbacks {
		if err := cb(&oldConfig, &newConfig); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}

	m.mu.Lock()
	m.viper = v
	m.config = newConfig
	m.lastReload = time.Now()
	m.mu.Unlock()

	m.logger.Info("configuration reloaded", zap.Time("reloaded_at", time.Now()))
	return nil
}

// Watch starts a file watcher that hot-reloads the configuration when any
// loaded file changes. Rapid successive writes are debounced. Watch returns
// immediately; the watcher stops when ctx is cancelled or Close is called.
func (m *Manager) Watch(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return fmt.Errorf("configuration not loaded")
	}
	if len(m.watchPaths) == 0 {
		m.logger.Info("no config files to watch, hot-reload disabled")
		return nil
	}
	if m.watcher != nil {
		return fmt.Errorf("watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	for _, path := range m.watchPaths {
		if err := watcher.Add(path); err != nil {
			m.logger.Warn("failed to watch config file", zap.String("path", path), zap.Error(err))
		}
	}
	m.watcher = watcher

	go m.watchForChanges(ctx, watcher)
	m.logger.Info("file watcher started for hot-reload", zap.Strings("paths", m.watchPaths))
	return nil
}

// Close stops the watcher if one is running.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher == nil {
		return nil
	}
	err := m.watcher.Close()
	m.watcher = nil
	return err
}

func (m *Manager) watchForChanges(ctx context.Context, watcher *fsnotify.Watcher) {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				m.logger.Debug("config file changed",
					zap.String("file", event.Name),
					zap.String("operation", event.Op.String()))
				debounce.Reset(500 * time.Millisecond)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("file watcher error", zap.Error(err))

		case <-debounce.C:
			if err := m.Reload(); err != nil {
				m.logger.Error("failed to reload configuration", zap.Error(err))
			}
		}
	}
}

func (m *Manager) unmarshalAndValidate(v *viper.Viper) (AppConfig, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := m.validator.Struct(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := validateCustomRules(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("DEDUP")
	return v
}

func mergeConfigFiles(v *viper.Viper, paths []string) ([]string, error) {
	var loaded []string
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}

// applyEnvironment forces known environment variables into viper so they
// survive Unmarshal even for keys no config file mentions.
func applyEnvironment(v *viper.Viper) {
	envMappings := map[string]string{
		"DEDUP_ENVIRONMENT": "environment",

		"DEDUP_LOGGING_LEVEL": "logging.level",

		"DEDUP_STORE_DRIVER":       "store.driver",
		"DEDUP_STORE_DSN":          "store.dsn",
		"DEDUP_STORE_BADGER_DIR":   "store.badger_dir",
		"DEDUP_STORE_AUTO_MIGRATE": "store.auto_migrate",

		"DEDUP_METRICS_ENABLED": "metrics.enabled",
		"DEDUP_METRICS_ADDRESS": "metrics.address",

		"DEDUP_SCAN_DIVISIONS": "scan.divisions",
		"DEDUP_SCAN_INTERVAL":  "scan.interval",
		"DEDUP_SCAN_DRY_RUN":   "scan.dry_run",

		"DEDUP_ENGINE_MIN_CONFIDENCE_THRESHOLD":  "engine.min_confidence_threshold",
		"DEDUP_ENGINE_HIGH_CONFIDENCE_THRESHOLD": "engine.high_confidence_threshold",
		"DEDUP_ENGINE_REPLACEMENT_THRESHOLD":     "engine.replacement_threshold",
		"DEDUP_ENGINE_MAX_GROUP_SIZE":            "engine.max_group_size",
		"DEDUP_ENGINE_WORKERS":                   "engine.workers",
		"DEDUP_ENGINE_CACHE_SIZE":                "engine.cache_size",
		"DEDUP_ENGINE_PROGRESS_INTERVAL":         "engine.progress_interval",
		"DEDUP_ENGINE_STRIP_LOCATION_KEYWORDS":   "engine.strip_location_keywords",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, value)
		}
	}
}
