// model.go: Package display builds renderer-agnostic tile models and defines the
// outbound driver that pushes them to display contexts.
package display

import (
	"fmt"

	"github.com/tphakala/birdnet-tiles/internal/rarity"
)

// Variant is the tile layout a model is rendered with.
type Variant string

const (
	VariantText      Variant = "text"
	VariantRingMeter Variant = "ring-meter"
	VariantImage     Variant = "image"
	VariantRotation  Variant = "rotation"
)

// Kind is what a context registers for.
type Kind string

const (
	KindLatest Kind = "latest" // newest detection, text variant
	KindMeter  Kind = "meter"  // rolling hourly count, ring-meter variant
	KindImage  Kind = "image"  // newest detection image
	KindToday  Kind = "today"  // rotation through today's species
)

// Kinds lists every tile kind.
var Kinds = []Kind{KindLatest, KindMeter, KindImage, KindToday}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown tile kind %q", s)
}

// State distinguishes content tiles from placeholders.
type State string

const (
	StateSpecies State = "species"
	StateMeter   State = "meter"
	StateImage   State = "image"
	StateWaiting State = "waiting"
	StateError   State = "error"
)

// ImageRef points at a cached image.
type ImageRef struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
	Data        []byte `json:"-"`
}

// Model is everything a renderer needs to draw a tile.
type Model struct {
	State             State        `json:"state"`
	Name              string       `json:"name,omitempty"`
	Lines             []string     `json:"lines,omitempty"`
	FontSize          int          `json:"fontSize,omitempty"`
	Confidence        *float64     `json:"confidence,omitempty"`
	ConfidencePercent *int         `json:"confidencePercent,omitempty"`
	Occurrence        *float64     `json:"occurrence,omitempty"`
	Count             *int         `json:"count,omitempty"`
	Tier              rarity.Tier  `json:"tier"`
	Color             string       `json:"color"`
	Glyph             rarity.Glyph `json:"glyph"`
	Rare              bool         `json:"rare"`
	Image             *ImageRef    `json:"image,omitempty"`
}

// Waiting is the placeholder shown when there is nothing to display yet.
func Waiting() Model {
	return placeholder(StateWaiting)
}

// Failed is the placeholder shown while the broker is unreachable.
func Failed() Model {
	return placeholder(StateError)
}

func placeholder(s State) Model {
	return Model{
		State: s,
		Tier:  rarity.Unknown,
		Color: rarity.Unknown.Color(),
		Glyph: rarity.Unknown.Glyph(),
	}
}
