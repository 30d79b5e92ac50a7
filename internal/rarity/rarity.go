// rarity.go: Package rarity maps a species' occurrence ratio to a commonality tier.
//
// Occurrence is the broker-supplied probability that the species is seen at
// the station; lower values are rarer.
package rarity

import "math"

// Tier is a commonality class
type Tier int

const (
	Unknown Tier = iota
	Common
	Uncommon
	Rare
	Epic
)

// Glyph is the shape a renderer draws next to the tier
type Glyph string

const (
	GlyphNone    Glyph = "none"
	GlyphCircle  Glyph = "circle"
	GlyphDiamond Glyph = "diamond"
	GlyphStar    Glyph = "star"
	GlyphCrown   Glyph = "crown"
)

type encoding struct {
	name  string
	color string
	glyph Glyph
}

var encodings = map[Tier]encoding{
	Unknown:  {"unknown", "#8e8e93", GlyphNone},
	Common:   {"common", "#34c759", GlyphCircle},
	Uncommon: {"uncommon", "#0a84ff", GlyphDiamond},
	Rare:     {"rare", "#af52de", GlyphStar},
	Epic:     {"epic", "#ff9f0a", GlyphCrown},
}

// String returns the lower-case tier name
func (t Tier) String() string {
	if e, ok := encodings[t]; ok {
		return e.name
	}
	return encodings[Unknown].name
}

// Color returns the tier's fixed hex color
func (t Tier) Color() string {
	if e, ok := encodings[t]; ok {
		return e.color
	}
	return encodings[Unknown].color
}

// Glyph returns the tier's fixed glyph shape
func (t Tier) Glyph() Glyph {
	if e, ok := encodings[t]; ok {
		return e.glyph
	}
	return GlyphNone
}

// MarshalText renders the tier by name in JSON and YAML output.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Default cutoffs
const (
	DefaultEpic     = 0.05
	DefaultRare     = 0.15
	DefaultUncommon = 0.35
)

// Thresholds are the occurrence cutoffs for Epic, Rare and Uncommon.
// Configuration may supply them in any order; use Normalize before comparing.
type Thresholds struct {
	Epic     float64 `json:"epic" yaml:"epic" mapstructure:"epic"`
	Rare     float64 `json:"rare" yaml:"rare" mapstructure:"rare"`
	Uncommon float64 `json:"uncommon" yaml:"uncommon" mapstructure:"uncommon"`
}

// DefaultThresholds returns the stock cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{Epic: DefaultEpic, Rare: DefaultRare, Uncommon: DefaultUncommon}
}

// Normalize clamps each cutoff to [0,1] and forces epic <= rare <= uncommon.
func (t Thresholds) Normalize() Thresholds {
	epic := clampUnit(t.Epic)
	rare := math.Max(epic, clampUnit(t.Rare))
	uncommon := math.Max(rare, clampUnit(t.Uncommon))
	return Thresholds{Epic: epic, Rare: rare, Uncommon: uncommon}
}

// Classify returns the tier for occurrence. A nil occurrence is Unknown.
func Classify(occurrence *float64, t Thresholds) Tier {
	if occurrence == nil || math.IsNaN(*occurrence) {
		return Unknown
	}
	n := t.Normalize()
	occ := *occurrence
	switch {
	case occ <= n.Epic:
		return Epic
	case occ <= n.Rare:
		return Rare
	case occ <= n.Uncommon:
		return Uncommon
	default:
		return Common
	}
}

// IsRare reports whether occurrence is present and at or below the effective
// rare cutoff. Epic species are rare too.
func IsRare(occurrence *float64, t Thresholds) bool {
	if occurrence == nil || math.IsNaN(*occurrence) {
		return false
	}
	return *occurrence <= t.Normalize().Rare
}

// clampUnit clamps v to [0,1]; NaN becomes 0.
func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
