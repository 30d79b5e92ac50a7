package conf

import (
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/birdnet-tiles/internal/logger"
)

// setDefaultConfig registers default values for every key so that
// environment overrides work for keys missing from the file.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("main.name", "birdnet-tiles")

	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.defaultlevel", logger.DefaultLogLevel)
	v.SetDefault("logging.console.enabled", logger.DefaultConsoleEnabled)
	v.SetDefault("logging.console.level", logger.DefaultLogLevel)
	v.SetDefault("logging.fileoutput.enabled", logger.DefaultFileEnabled)
	v.SetDefault("logging.fileoutput.path", logger.DefaultLogPath)
	v.SetDefault("logging.fileoutput.level", logger.DefaultLogLevel)

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "birdnet")
	v.SetDefault("mqtt.clientid", "birdnet-tiles")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.reconnectinterval", 5*time.Second)
	v.SetDefault("mqtt.connecttimeout", 30*time.Second)

	v.SetDefault("payload.fieldpath", "CommonName")

	v.SetDefault("rarity.epic", 0.05)
	v.SetDefault("rarity.rare", 0.15)
	v.SetDefault("rarity.uncommon", 0.35)

	v.SetDefault("rotation.interval", 10*time.Second)
	v.SetDefault("rotation.holdmultiplier", 2.0)
	v.SetDefault("rotation.retrydelay", 2*time.Second)
	v.SetDefault("rotation.initialdelay", 50*time.Millisecond)

	v.SetDefault("meter.refreshinterval", time.Minute)

	v.SetDefault("display.linebudget", 11)
	v.SetDefault("display.maxlines", 3)
	v.SetDefault("display.width", 144)
	v.SetDefault("display.minfontsize", 14)

	v.SetDefault("images.timeout", 15*time.Second)
	v.SetDefault("images.ratelimit", 2.0)
	v.SetDefault("images.rateburst", 4)
	v.SetDefault("images.maxbytes", 5<<20)

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.path", "data/birdnet-tiles.db")
	v.SetDefault("storage.savedelay", time.Second)

	v.SetDefault("webserver.enabled", true)
	v.SetDefault("webserver.listen", ":8089")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
}
