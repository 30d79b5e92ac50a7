package conf

import (
	"fmt"
	"math"
	"net/url"
	"slices"
	"strings"

	"github.com/tphakala/birdnet-tiles/internal/display"
)

// brokerSchemes are the URL schemes paho accepts.
var brokerSchemes = []string{"tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss"}

// validLogLevels are the accepted log level names.
var validLogLevels = []string{"trace", "debug", "info", "warn", "warning", "error"}

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct and reports every
// problem at once.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}
	add := func(errs []string) { ve.Errors = append(ve.Errors, errs...) }

	add(validateMQTTSettings(&settings.MQTT))
	add(validateRaritySettings(settings))
	add(validateRotationSettings(&settings.Rotation))
	add(validateImageSettings(&settings.Images))
	add(validateStorageSettings(&settings.Storage))
	add(validateWebServerSettings(&settings.WebServer))
	add(validateSentrySettings(&settings.Sentry))
	add(validateLoggingSettings(settings))
	add(validateContexts(settings.Contexts))

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateMQTTSettings(s *MQTTSettings) []string {
	var errs []string
	u, err := url.Parse(s.Broker)
	switch {
	case s.Broker == "":
		errs = append(errs, "mqtt.broker is required")
	case err != nil || u.Host == "":
		errs = append(errs, fmt.Sprintf("mqtt.broker %q is not a valid URL", s.Broker))
	case !slices.Contains(brokerSchemes, strings.ToLower(u.Scheme)):
		errs = append(errs, fmt.Sprintf("mqtt.broker scheme %q is not supported", u.Scheme))
	}
	if strings.TrimSpace(s.Topic) == "" {
		errs = append(errs, "mqtt.topic is required")
	}
	if s.QoS < 0 || s.QoS > 2 {
		errs = append(errs, fmt.Sprintf("mqtt.qos must be 0, 1 or 2, got %d", s.QoS))
	}
	if s.ReconnectInterval <= 0 {
		errs = append(errs, "mqtt.reconnectinterval must be positive")
	}
	return errs
}

// validateRaritySettings rejects NaN only; out-of-range cutoffs are clamped
// when read.
func validateRaritySettings(settings *Settings) []string {
	var errs []string
	r := settings.Rarity
	for name, v := range map[string]float64{"epic": r.Epic, "rare": r.Rare, "uncommon": r.Uncommon} {
		if math.IsNaN(v) {
			errs = append(errs, fmt.Sprintf("rarity.%s is not a number", name))
		}
	}
	slices.Sort(errs)
	return errs
}

func validateRotationSettings(s *RotationSettings) []string {
	var errs []string
	if s.Interval <= 0 {
		errs = append(errs, "rotation.interval must be positive")
	}
	if s.HoldMultiplier < 1 {
		errs = append(errs, fmt.Sprintf("rotation.holdmultiplier must be at least 1, got %g", s.HoldMultiplier))
	}
	if s.RetryDelay < 0 || s.InitialDelay < 0 {
		errs = append(errs, "rotation delays must not be negative")
	}
	return errs
}

func validateImageSettings(s *ImageSettings) []string {
	var errs []string
	if s.Timeout <= 0 {
		errs = append(errs, "images.timeout must be positive")
	}
	if s.RateLimit < 0 {
		errs = append(errs, "images.ratelimit must not be negative")
	}
	if s.MaxBytes <= 0 {
		errs = append(errs, "images.maxbytes must be positive")
	}
	return errs
}

func validateStorageSettings(s *StorageSettings) []string {
	if s.Enabled && strings.TrimSpace(s.Path) == "" {
		return []string{"storage.path is required when storage is enabled"}
	}
	return nil
}

func validateWebServerSettings(s *WebServerSettings) []string {
	if s.Enabled && strings.TrimSpace(s.Listen) == "" {
		return []string{"webserver.listen is required when the web server is enabled"}
	}
	return nil
}

func validateSentrySettings(s *SentrySettings) []string {
	if s.Enabled && strings.TrimSpace(s.DSN) == "" {
		return []string{"sentry.dsn is required when sentry is enabled"}
	}
	return nil
}

func validateLoggingSettings(settings *Settings) []string {
	var errs []string
	check := func(key, level string) {
		if level != "" && !slices.Contains(validLogLevels, strings.ToLower(level)) {
			errs = append(errs, fmt.Sprintf("%s %q is not a valid log level", key, level))
		}
	}
	l := settings.Logging
	check("logging.defaultlevel", l.DefaultLevel)
	if l.Console != nil {
		check("logging.console.level", l.Console.Level)
	}
	if l.FileOutput != nil {
		check("logging.fileoutput.level", l.FileOutput.Level)
	}
	return errs
}

func validateContexts(contexts []ContextSettings) []string {
	var errs []string
	seen := make(map[string]bool, len(contexts))
	for i, c := range contexts {
		if strings.TrimSpace(c.ID) == "" {
			errs = append(errs, fmt.Sprintf("contexts[%d].id is required", i))
			continue
		}
		if seen[c.ID] {
			errs = append(errs, fmt.Sprintf("contexts[%d].id %q is duplicated", i, c.ID))
		}
		seen[c.ID] = true
		if _, err := display.ParseKind(c.Kind); err != nil {
			errs = append(errs, fmt.Sprintf("contexts[%d].kind: %v", i, err))
		}
	}
	return errs
}
