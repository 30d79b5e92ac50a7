// handlers.go: event loop handlers for messages, contexts and broker state
package pipeline

import (
	"time"

	"github.com/tphakala/birdnet-tiles/internal/conf"
	"github.com/tphakala/birdnet-tiles/internal/display"
	"github.com/tphakala/birdnet-tiles/internal/errors"
	"github.com/tphakala/birdnet-tiles/internal/imagecache"
	"github.com/tphakala/birdnet-tiles/internal/logger"
	"github.com/tphakala/birdnet-tiles/internal/mqtt"
)

func (c *Controller) handleEvent(ev mqtt.Event) {
	switch ev.Kind {
	case mqtt.EventMessage:
		c.handleMessage(ev.Payload, ev.Retained)
	case mqtt.EventConnected:
		c.brokerUp()
	case mqtt.EventConnectionLost, mqtt.EventError:
		c.brokerDown(ev.Err)
	}
}

// handleMessage applies one broker payload. All state changes for the
// message happen within this call.
func (c *Controller) handleMessage(payload []byte, retained bool) {
	now := c.clock.Now()
	d, src, ok := c.normalizer.Normalize(payload, c.settings.Payload.FieldPath, now)
	if !ok {
		if c.metrics != nil {
			c.metrics.IncrementDropped()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.RecordDetection(string(src), retained)
	}

	c.aggregator.Upsert(d)
	c.latest = d
	if d.HasImage() {
		c.latestImage = latestImage{url: d.ImageURL, name: d.Name, confidence: d.Confidence, occurrence: d.Occurrence}
	}

	if !retained {
		c.counter.Record(now)
		if !c.brokerError {
			c.scheduler.Refresh()
		}
	}

	c.log.Debug("detection received",
		logger.String("species", d.Name),
		logger.String("source", string(src)),
		logger.Bool("retained", retained))

	c.renderKind(display.KindLatest)
	c.renderKind(display.KindMeter)
	c.updateAggregateMetrics(now)

	if d.HasImage() && !retained {
		c.fetchImage(c.latestImage, nil)
	}
}

func (c *Controller) register(id string, kind display.Kind) {
	if old, ok := c.contexts[id]; ok && old != kind {
		c.unregister(id)
	}
	c.contexts[id] = kind
	c.updateContextMetrics()

	c.log.Info("context registered",
		logger.String("context_id", id),
		logger.String("kind", string(kind)))

	switch kind {
	case display.KindImage:
		if c.latestImage.url == "" {
			c.driver.SetWaiting(id)
			return
		}
		c.fetchImage(c.latestImage, []string{id})
	case display.KindToday:
		if c.brokerError {
			c.driver.SetError(id)
			return
		}
		c.scheduler.Start(id, false)
	default:
		c.render(id, kind)
	}
}

func (c *Controller) unregister(id string) bool {
	kind, ok := c.contexts[id]
	if !ok {
		return false
	}
	if kind == display.KindToday {
		c.scheduler.Stop(id)
	}
	delete(c.contexts, id)
	if r, ok := c.driver.(display.Remover); ok {
		r.Remove(id)
	}
	c.updateContextMetrics()
	c.log.Info("context unregistered", logger.String("context_id", id))
	return true
}

// renderKind re-renders every context of a text or meter kind.
func (c *Controller) renderKind(kind display.Kind) {
	for id, k := range c.contexts {
		if k == kind {
			c.render(id, k)
		}
	}
}

// render pushes the current model for a latest or meter context.
func (c *Controller) render(id string, kind display.Kind) {
	if c.brokerError {
		c.driver.SetError(id)
		return
	}
	switch kind {
	case display.KindLatest:
		if c.latest == nil {
			c.driver.SetWaiting(id)
			return
		}
		m := c.builder.Build(display.Input{
			Name:       c.latest.Name,
			Confidence: c.latest.Confidence,
			Occurrence: c.latest.Occurrence,
		})
		c.update(id, m, display.VariantText)
	case display.KindMeter:
		m := c.builder.Meter(c.counter.Count(c.clock.Now()))
		c.update(id, m, display.VariantRingMeter)
	}
}

func (c *Controller) update(id string, m display.Model, v display.Variant) {
	c.driver.UpdateTile(id, m, v)
	if c.metrics != nil {
		c.metrics.IncrementTileUpdates(string(v))
	}
}

// fetchImage resolves img off the loop and posts the result back. A nil
// targets list means every image context registered when the fetch settles.
func (c *Controller) fetchImage(img latestImage, targets []string) {
	if c.images == nil {
		for _, id := range targets {
			c.driver.SetWaiting(id)
		}
		return
	}
	ctx := c.fetchCtx
	c.goTracked(func() {
		res, err := c.images.Fetch(ctx, img.url)
		c.post(func() { c.imageFetched(img, targets, res, err) })
	})
}

// imageFetched renders a settled fetch. Results are applied in completion
// order, so a slow fetch can overwrite a newer image.
func (c *Controller) imageFetched(img latestImage, targets []string, res imagecache.Image, err error) {
	if err != nil {
		c.log.Warn("image fetch failed",
			logger.String("url", logger.RedactSensitiveData(img.url)),
			logger.String("species", img.name),
			logger.Error(err))
		return
	}

	m := c.builder.Image(display.ImageRef{
		URL:         res.URL,
		ContentType: res.ContentType,
		Size:        res.Size(),
		Data:        res.Data,
	}, display.Input{Name: img.name, Confidence: img.confidence, Occurrence: img.occurrence})

	if targets == nil {
		for id, k := range c.contexts {
			if k == display.KindImage {
				c.update(id, m, display.VariantImage)
			}
		}
		return
	}
	for _, id := range targets {
		if c.contexts[id] == display.KindImage {
			c.update(id, m, display.VariantImage)
		}
	}
}

func (c *Controller) connect() {
	if c.subscribe == nil {
		return
	}
	cfg := MQTTConfig(c.settings)
	sub := c.subscribe(cfg)
	c.sub = sub
	c.events = sub.Events()

	ctx := c.fetchCtx
	c.goTracked(func() {
		if err := sub.Connect(ctx); err != nil {
			c.post(func() { c.connectFailed(sub, err) })
		}
	})
}

func (c *Controller) disconnect() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.sub == nil {
		return
	}
	c.sub.Disconnect()
	c.sub = nil
	c.events = nil
	c.connected = false
}

// connectFailed handles errors that stop a subscriber before paho takes over
// retrying, such as DNS failures, by starting a fresh subscriber later.
func (c *Controller) connectFailed(sub Subscriber, err error) {
	if c.sub != sub {
		return
	}
	c.brokerDown(err)

	delay := MQTTConfig(c.settings).ReconnectInterval
	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.post(func() {
			if c.sub != sub {
				return
			}
			c.disconnect()
			c.connect()
		})
	})
}

func (c *Controller) brokerUp() {
	c.connected = true
	wasDown := c.brokerError
	c.brokerError = false
	c.log.Info("broker connected", logger.Bool("recovered", wasDown))

	for id, kind := range c.contexts {
		switch kind {
		case display.KindToday:
			c.scheduler.Resume(id)
		case display.KindLatest, display.KindMeter:
			c.render(id, kind)
		}
	}
}

func (c *Controller) brokerDown(err error) {
	c.connected = false
	c.brokerError = true
	if err != nil && !errors.IsCategory(err, errors.CategoryMQTTConnection) &&
		!errors.IsCategory(err, errors.CategoryMQTTSubscribe) &&
		!errors.IsCategory(err, errors.CategoryTimeout) {
		err = errors.New(err).
			Component("pipeline").
			Category(errors.CategoryMQTTConnection).
			Build()
	}
	c.log.Warn("broker unavailable", logger.Error(err))

	c.scheduler.PauseAll()
	for id, kind := range c.contexts {
		if kind != display.KindImage {
			c.driver.SetError(id)
		}
	}
}

func (c *Controller) applySettings(s *conf.Settings) {
	old := c.settings
	c.settings = s
	c.log.Info("settings updated")

	if !MQTTConfig(old).Equal(MQTTConfig(s)) {
		c.log.Info("broker settings changed, reconnecting",
			logger.String("broker", logger.RedactSensitiveData(s.MQTT.Broker)),
			logger.String("topic", s.MQTT.Topic))
		c.disconnect()
		c.brokerError = false
		c.connect()
	}

	c.renderKind(display.KindLatest)
	c.renderKind(display.KindMeter)
}

// armMeter schedules the periodic meter refresh that lets aged-out counts
// drop without new detections.
func (c *Controller) armMeter() {
	interval := c.settings.Meter.RefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}
	tick := &meterTick{}
	c.meterTimer = tick
	tick.timer = c.clock.AfterFunc(interval, func() {
		c.post(func() {
			if c.meterTimer != tick {
				return
			}
			c.renderKind(display.KindMeter)
			c.updateAggregateMetrics(c.clock.Now())
			c.armMeter()
		})
	})
}

func (c *Controller) updateAggregateMetrics(now time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.SetAggregates(c.counter.Count(now), c.aggregator.Len())
}

func (c *Controller) updateContextMetrics() {
	if c.metrics == nil {
		return
	}
	counts := make(map[display.Kind]int, len(display.Kinds))
	for _, k := range c.contexts {
		counts[k]++
	}
	for _, k := range display.Kinds {
		c.metrics.SetContexts(string(k), counts[k])
	}
}

