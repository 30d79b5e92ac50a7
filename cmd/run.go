package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-tiles/internal/clock"
	"github.com/tphakala/birdnet-tiles/internal/conf"
	"github.com/tphakala/birdnet-tiles/internal/datastore"
	"github.com/tphakala/birdnet-tiles/internal/display"
	"github.com/tphakala/birdnet-tiles/internal/errors"
	"github.com/tphakala/birdnet-tiles/internal/httpclient"
	"github.com/tphakala/birdnet-tiles/internal/httpserver"
	"github.com/tphakala/birdnet-tiles/internal/imagecache"
	"github.com/tphakala/birdnet-tiles/internal/logger"
	"github.com/tphakala/birdnet-tiles/internal/mqtt"
	"github.com/tphakala/birdnet-tiles/internal/observability"
	"github.com/tphakala/birdnet-tiles/internal/pipeline"
)

const sentryFlushTimeout = 2 * time.Second

func runCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Subscribe to detections and serve tiles",
		Long:  "Connects to the MQTT broker, maintains today's species and serves the tile board over HTTP.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), app)
		},
	}
}

// runService wires every component and blocks until SIGINT or SIGTERM.
func runService(parent context.Context, app *App) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := app.Settings
	if settings.Debug {
		settings.Logging.DefaultLevel = string(logger.LogLevelDebug)
	}
	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return err
	}
	logger.SetGlobal(central)
	defer func() { _ = central.Close() }()
	log := central.Module("main")

	if settings.Sentry.Enabled {
		if err := errors.InitSentry(settings.Sentry.DSN, "birdnet-tiles@"+app.Version); err != nil {
			log.Warn("sentry disabled", logger.Error(err))
		} else {
			defer sentry.Flush(sentryFlushTimeout)
		}
	}

	// A stable client ID for this process, kept across config reloads.
	clientID := settings.MQTT.ClientID
	if clientID == "" {
		clientID = "birdnet-tiles-" + uuid.NewString()[:8]
		settings.MQTT.ClientID = clientID
	}

	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	httpClient := httpclient.New(httpclient.Config{
		Timeout:   settings.Images.Timeout,
		UserAgent: "birdnet-tiles/" + app.Version,
		RateLimit: settings.Images.RateLimit,
		RateBurst: settings.Images.RateBurst,
	}, httpclient.WithLogger(central.Module("httpclient")))
	defer httpClient.Close()
	images := imagecache.New(
		imagecache.NewHTTPTransport(httpClient, settings.Images.MaxBytes),
		imagecache.WithMetrics(m.ImageCache),
		imagecache.WithLogger(central.Module("imagecache")),
	)

	var store datastore.Interface
	if settings.Storage.Enabled {
		sqlite, err := datastore.OpenSQLite(settings.Storage.Path,
			datastore.WithLogger(central.Module("datastore")),
			datastore.WithMetrics(m.Pipeline))
		if err != nil {
			log.Warn("snapshot storage unavailable, running in memory", logger.Error(err))
		} else {
			store = sqlite
			defer func() {
				if err := sqlite.Close(); err != nil {
					log.Warn("failed to close snapshot storage", logger.Error(err))
				}
			}()
		}
	}

	board := display.NewBoard(central.Module("display"))
	mqttLog := central.Module("mqtt")
	controller := pipeline.New(pipeline.Config{
		Settings: settings,
		Driver:   board,
		Subscribe: func(cfg mqtt.Config) pipeline.Subscriber {
			return mqtt.NewSubscriber(cfg, mqtt.WithMetrics(m.MQTT), mqtt.WithLogger(mqttLog))
		},
		Images:  images,
		Store:   store,
		Clock:   clock.Real{},
		Metrics: m.Pipeline,
		Logger:  central.Module("pipeline"),
	})

	app.Loader.Watch(func(next *conf.Settings, err error) {
		if err != nil {
			log.Warn("ignoring invalid config change", logger.Error(err))
			return
		}
		if next.MQTT.ClientID == "" {
			next.MQTT.ClientID = clientID
		}
		log.Info("config file changed, applying", logger.String("path", app.Loader.ConfigFile()))
		controller.UpdateSettings(next)
	})

	var server httpserver.Lifecycle
	serverErr := make(chan error, 1)
	if settings.WebServer.Enabled {
		server = httpserver.New(settings.WebServer.Listen, controller, board,
			httpserver.WithMetricsHandler(m.Handler()),
			httpserver.WithLogger(central.Module("httpserver")),
			httpserver.WithVersion(app.Version))
		go func() { serverErr <- server.Start() }()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- controller.Run(ctx) }()

	log.Info("birdnet-tiles started",
		logger.String("version", app.Version),
		logger.String("config", app.Loader.ConfigFile()),
		logger.String("broker", logger.RedactSensitiveData(settings.MQTT.Broker)),
		logger.String("topic", settings.MQTT.Topic))

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", logger.Error(err))
		}
		stop()
	}

	if err := <-runErr; err != nil {
		log.Error("pipeline stopped with error", logger.Error(err))
	}
	if server != nil {
		if err := server.Shutdown(context.Background()); err != nil {
			log.Warn("http server shutdown failed", logger.Error(err))
		}
	}
	log.Info("shutdown complete")
	return nil
}
