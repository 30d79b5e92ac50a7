package pipeline

import (
	"github.com/tphakala/birdnet-tiles/internal/conf"
	"github.com/tphakala/birdnet-tiles/internal/mqtt"
	"github.com/tphakala/birdnet-tiles/internal/rarity"
	"github.com/tphakala/birdnet-tiles/internal/rotation"
)

// MQTTConfig converts broker settings to a subscriber config.
func MQTTConfig(s *conf.Settings) mqtt.Config {
	cfg := mqtt.DefaultConfig()
	cfg.Broker = s.MQTT.Broker
	cfg.Topic = s.MQTT.Topic
	if s.MQTT.ClientID != "" {
		cfg.ClientID = s.MQTT.ClientID
	}
	cfg.Username = s.MQTT.Username
	cfg.Password = s.MQTT.Password
	cfg.QoS = byte(min(max(s.MQTT.QoS, 0), 2))
	if s.MQTT.ReconnectInterval > 0 {
		cfg.ReconnectInterval = s.MQTT.ReconnectInterval
	}
	if s.MQTT.ConnectTimeout > 0 {
		cfg.ConnectTimeout = s.MQTT.ConnectTimeout
	}
	return cfg
}

// RotationSettings converts rotation and rarity settings.
func RotationSettings(s *conf.Settings) rotation.Settings {
	return rotation.Settings{
		Interval:       s.Rotation.Interval,
		HoldMultiplier: s.Rotation.HoldMultiplier,
		RetryDelay:     s.Rotation.RetryDelay,
		InitialDelay:   s.Rotation.InitialDelay,
		Thresholds:     s.Rarity,
	}
}

func (c *Controller) thresholds() rarity.Thresholds {
	return c.settings.Rarity
}

func (c *Controller) rotationSettings() rotation.Settings {
	return RotationSettings(c.settings)
}
