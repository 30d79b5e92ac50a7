// config.go: Package conf loads, validates and watches the service configuration.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/birdnet-tiles/internal/display"
	"github.com/tphakala/birdnet-tiles/internal/errors"
	"github.com/tphakala/birdnet-tiles/internal/logger"
	"github.com/tphakala/birdnet-tiles/internal/rarity"
)

//go:embed config.yaml
var configFiles embed.FS

// Settings is the root configuration.
type Settings struct {
	Debug bool `yaml:"debug"`

	Main struct {
		Name string `yaml:"name"`
	} `yaml:"main"`

	Logging   logger.LoggingConfig `yaml:"logging"`
	MQTT      MQTTSettings         `yaml:"mqtt"`
	Payload   PayloadSettings      `yaml:"payload"`
	Rarity    rarity.Thresholds    `yaml:"rarity"`
	Rotation  RotationSettings     `yaml:"rotation"`
	Meter     MeterSettings        `yaml:"meter"`
	Display   display.Layout       `yaml:"display"`
	Images    ImageSettings        `yaml:"images"`
	Storage   StorageSettings      `yaml:"storage"`
	WebServer WebServerSettings    `yaml:"webserver"`
	Sentry    SentrySettings       `yaml:"sentry"`
	Contexts  []ContextSettings    `yaml:"contexts"`
}

// MQTTSettings contains the broker subscription settings.
type MQTTSettings struct {
	Broker            string        `yaml:"broker"`
	Topic             string        `yaml:"topic"`
	ClientID          string        `yaml:"clientid"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	QoS               int           `yaml:"qos"`
	ReconnectInterval time.Duration `yaml:"reconnectinterval"`
	ConnectTimeout    time.Duration `yaml:"connecttimeout"`
}

// PayloadSettings controls payload normalization.
type PayloadSettings struct {
	FieldPath string `yaml:"fieldpath"` // dotted path to the name, empty tries known aliases
}

// RotationSettings controls today's-species rotation timing.
type RotationSettings struct {
	Interval       time.Duration `yaml:"interval"`
	HoldMultiplier float64       `yaml:"holdmultiplier"`
	RetryDelay     time.Duration `yaml:"retrydelay"`
	InitialDelay   time.Duration `yaml:"initialdelay"`
}

// MeterSettings controls the rolling-count tile.
type MeterSettings struct {
	RefreshInterval time.Duration `yaml:"refreshinterval"`
}

// ImageSettings controls image downloads.
type ImageSettings struct {
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"ratelimit"`
	RateBurst int           `yaml:"rateburst"`
	MaxBytes  int64         `yaml:"maxbytes"`
}

// StorageSettings controls snapshot persistence.
type StorageSettings struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	SaveDelay time.Duration `yaml:"savedelay"`
}

// WebServerSettings controls the HTTP surface.
type WebServerSettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// SentrySettings controls error reporting.
type SentrySettings struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// ContextSettings is a display context registered at startup.
type ContextSettings struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
}

// Loader reads one configuration file through its own viper instance.
type Loader struct {
	v          *viper.Viper
	configPath string
}

// NewLoader creates a Loader. An empty configPath searches the default
// config directories.
func NewLoader(configPath string) *Loader {
	return &Loader{v: viper.New(), configPath: configPath}
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// ConfigFile returns the file in use after Load.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Load reads the configuration file and environment variables, creating a
// default file when none exists.
func (l *Loader) Load() (*Settings, error) {
	if err := l.initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}
	return l.decode()
}

// Watch calls fn with freshly validated settings whenever the config file
// changes. Invalid edits are passed as an error and the previous settings
// stay current.
func (l *Loader) Watch(fn func(*Settings, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.decode())
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Settings, error) {
	settings := &Settings{}
	if err := l.v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}
	return settings, nil
}

// initViper initializes viper with default values and reads the configuration file.
func (l *Loader) initViper() error {
	l.v.SetConfigType("yaml")
	setDefaultConfig(l.v)
	if err := configureEnvironmentVariables(l.v); err != nil {
		return err
	}

	if l.configPath != "" {
		if _, err := os.Stat(l.configPath); os.IsNotExist(err) {
			if err := createDefaultConfig(l.configPath); err != nil {
				return err
			}
		}
		l.v.SetConfigFile(l.configPath)
		return l.read()
	}

	path, err := FindConfigFile()
	if errors.IsNotFound(err) {
		path = filepath.Join(SearchDirs()[0], configFileName)
		if err := createDefaultConfig(path); err != nil {
			return err
		}
	}
	l.configPath = path
	l.v.SetConfigFile(path)
	return l.read()
}

func (l *Loader) read() error {
	if err := l.v.ReadInConfig(); err != nil {
		return errors.New(fmt.Errorf("fatal error reading config file: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("path", l.configPath).
			Build()
	}
	return nil
}

// createDefaultConfig writes the embedded default config to configPath.
func createDefaultConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o750); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(getDefaultConfig()), 0o600); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}
	logger.Global().Module("conf").Info("created default config file", logger.String("path", configPath))
	return nil
}

// getDefaultConfig reads the default configuration from the embedded config.yaml file.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, configFileName)
	if err != nil {
		// The file is compiled in; failure here is a build defect.
		panic(fmt.Sprintf("embedded config.yaml missing: %v", err))
	}
	return string(data)
}

// Load reads configPath (or the default locations) and returns validated settings.
func Load(configPath string) (*Settings, error) {
	return NewLoader(configPath).Load()
}

// SaveYAMLConfig writes settings to configPath atomically. It overwrites the
// existing file, not preserving comments or structure.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}
