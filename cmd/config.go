package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-tiles/internal/conf"
)

func configCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	var out string
	save := &cobra.Command{
		Use:   "save",
		Short: "Write the effective configuration as YAML",
		Long:  "Writes the configuration after defaults, environment and flags are applied. Comments in an existing file are not preserved.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := out
			if path == "" {
				path = app.Loader.ConfigFile()
			}
			if err := conf.SaveYAMLConfig(path, app.Settings); err != nil {
				return err
			}
			cmd.Printf("configuration written to %s\n", path)
			return nil
		},
	}
	save.Flags().StringVarP(&out, "output", "o", "", "Destination file (default: the loaded config file)")

	cmd.AddCommand(save)
	return cmd
}
