package cmd

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdnet-tiles/internal/detection"
	"github.com/tphakala/birdnet-tiles/internal/errors"
	"github.com/tphakala/birdnet-tiles/internal/logger"
	"github.com/tphakala/birdnet-tiles/internal/rarity"
)

var errEmptyPayload = errors.NewStd("payload is empty")

// normalizeResult is printed by the normalize command.
type normalizeResult struct {
	Detection *detection.Detection `json:"detection"`
	Source    detection.Source     `json:"source"`
	Tier      rarity.Tier          `json:"tier"`
	Glyph     rarity.Glyph         `json:"glyph"`
	Rare      bool                 `json:"rare"`
}

func normalizeCommand(app *App) *cobra.Command {
	var fieldPath string
	cmd := &cobra.Command{
		Use:   "normalize [payload-file]",
		Short: "Normalize a payload and print the result",
		Long:  "Reads a broker payload from a file or stdin and prints the normalized detection and its rarity tier as JSON.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			body, err := io.ReadAll(in)
			if err != nil {
				return err
			}

			path := app.Settings.Payload.FieldPath
			if cmd.Flags().Changed("field") {
				path = fieldPath
			}
			n := detection.NewNormalizer(logger.NewConsoleLogger(cmd.ErrOrStderr(), logger.LogLevelWarn).Module("normalize"))
			d, src, ok := n.Normalize(body, path, time.Now())
			if !ok {
				return errEmptyPayload
			}

			th := app.Settings.Rarity
			tier := rarity.Classify(d.Occurrence, th)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(normalizeResult{
				Detection: d,
				Source:    src,
				Tier:      tier,
				Glyph:     tier.Glyph(),
				Rare:      rarity.IsRare(d.Occurrence, th),
			})
		},
	}
	cmd.Flags().StringVar(&fieldPath, "field", "", "Override the configured payload field path")
	return cmd
}
