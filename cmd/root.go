// root.go: Package cmd wires the command line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tphakala/birdnet-tiles/internal/conf"
)

// App carries state shared by the subcommands once configuration is loaded.
type App struct {
	Version  string
	Loader   *conf.Loader
	Settings *conf.Settings

	configPath string
}

// flagKeys maps persistent flags to their viper keys.
var flagKeys = map[string]string{
	"debug":     "debug",
	"broker":    "mqtt.broker",
	"topic":     "mqtt.topic",
	"fieldpath": "payload.fieldpath",
	"listen":    "webserver.listen",
	"storage":   "storage.path",
}

// RootCommand creates and returns the root command. Running it without a
// subcommand starts the service.
func RootCommand(version string) *cobra.Command {
	app := &App{Version: version}

	rootCmd := &cobra.Command{
		Use:           "birdnet-tiles",
		Short:         "BirdNET detection tiles for stream decks and dashboards",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), app)
		},
	}

	setupFlags(rootCmd.PersistentFlags(), app)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return app.load(cmd.Flags())
	}

	rootCmd.AddCommand(
		runCommand(app),
		normalizeCommand(app),
		configCommand(app),
	)
	return rootCmd
}

func setupFlags(flags *pflag.FlagSet, app *App) {
	flags.StringVarP(&app.configPath, "config", "c", "", "Path to the config file (default: search standard locations)")
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.String("broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	flags.String("topic", "", "MQTT topic to subscribe to")
	flags.String("fieldpath", "", "Dotted path to the species name in payloads")
	flags.String("listen", "", "HTTP listen address")
	flags.String("storage", "", "Path to the snapshot database")
}

// load reads the configuration with changed flags taking precedence.
func (a *App) load(flags *pflag.FlagSet) error {
	a.Loader = conf.NewLoader(a.configPath)
	v := a.Loader.Viper()
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}

	settings, err := a.Loader.Load()
	if err != nil {
		return err
	}
	a.Settings = settings
	return nil
}
