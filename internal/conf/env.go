// env.go: environment variable validation for configuration overrides
package conf

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/birdnet-tiles/internal/errors"
)

// EnvPrefix prefixes every environment override, e.g. BIRDNET_TILES_MQTT_BROKER.
const EnvPrefix = "BIRDNET_TILES"

var envKeyReplacer = strings.NewReplacer(".", "_")

// envChecks validates overrides whose bad values would otherwise surface as
// confusing decode errors. Every other key is still read through AutomaticEnv.
var envChecks = map[string]func(string) error{
	"mqtt.broker":       checkURL,
	"mqtt.topic":        nil,
	"mqtt.username":     nil,
	"mqtt.password":     nil,
	"mqtt.qos":          checkIntRange(0, 2),
	"payload.fieldpath": nil,
	"rarity.epic":       checkUnit,
	"rarity.rare":       checkUnit,
	"rarity.uncommon":   checkUnit,
	"rotation.interval": checkDuration,
	"storage.path":      nil,
	"webserver.listen":  nil,
	"sentry.dsn":        nil,
	"debug":             checkBool,
}

// envVar returns the variable name overriding key.
func envVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(envKeyReplacer.Replace(key))
}

func configureEnvironmentVariables(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	keys := make([]string, 0, len(envChecks))
	for k := range envChecks {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var problems []string
	for _, key := range keys {
		name := envVar(key)
		if err := v.BindEnv(key, name); err != nil {
			problems = append(problems, fmt.Sprintf("bind %s: %v", name, err))
			continue
		}
		check := envChecks[key]
		if value := os.Getenv(name); value != "" && check != nil {
			if err := check(value); err != nil {
				problems = append(problems, fmt.Sprintf("%s=%q %v", name, value, err))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func checkBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return errors.NewStd("must be true or false")
	}
	return nil
}

func checkURL(value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.NewStd("must be a URL like tcp://host:1883")
	}
	return nil
}

func checkIntRange(lo, hi int) func(string) error {
	return func(value string) error {
		n, err := strconv.Atoi(value)
		if err != nil || n < lo || n > hi {
			return fmt.Errorf("must be an integer from %d to %d", lo, hi)
		}
		return nil
	}
}

func checkUnit(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 || f > 1 {
		return errors.NewStd("must be a number between 0 and 1")
	}
	return nil
}

func checkDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return errors.NewStd("must be a positive duration like 10s")
	}
	return nil
}
