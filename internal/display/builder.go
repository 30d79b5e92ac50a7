package display

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tphakala/birdnet-tiles/internal/rarity"
)

const ellipsis = "…"

// Layout defaults for a 144px square tile.
const (
	DefaultLineBudget  = 11
	DefaultMaxLines    = 3
	DefaultWidth       = 144
	DefaultMinFontSize = 14
)

// Glyph metrics used to fit text: average advance and line height as a
// fraction of the font size, and the share of tile height given to text.
const (
	charWidthRatio  = 0.6
	lineHeightRatio = 1.2
	textAreaRatio   = 0.6
)

// Layout controls text wrapping and sizing.
type Layout struct {
	LineBudget  int `yaml:"linebudget" mapstructure:"linebudget"`
	MaxLines    int `yaml:"maxlines" mapstructure:"maxlines"`
	Width       int `yaml:"width" mapstructure:"width"`
	MinFontSize int `yaml:"minfontsize" mapstructure:"minfontsize"`
}

// DefaultLayout returns the stock layout.
func DefaultLayout() Layout {
	return Layout{
		LineBudget:  DefaultLineBudget,
		MaxLines:    DefaultMaxLines,
		Width:       DefaultWidth,
		MinFontSize: DefaultMinFontSize,
	}
}

func (l Layout) withDefaults() Layout {
	d := DefaultLayout()
	if l.LineBudget < 2 {
		l.LineBudget = d.LineBudget
	}
	if l.MaxLines < 1 {
		l.MaxLines = d.MaxLines
	}
	if l.Width <= 0 {
		l.Width = d.Width
	}
	if l.MinFontSize <= 0 {
		l.MinFontSize = d.MinFontSize
	}
	return l
}

// Input is the data a species tile is built from.
type Input struct {
	Name       string
	Confidence *float64
	Occurrence *float64
	Count      *int
}

// Builder turns inputs into Models. Thresholds are read on every Build so
// configuration changes apply to the next model.
type Builder struct {
	layout     Layout
	thresholds func() rarity.Thresholds
}

// NewBuilder creates a Builder. A nil thresholds getter uses the defaults.
func NewBuilder(layout Layout, thresholds func() rarity.Thresholds) *Builder {
	if thresholds == nil {
		thresholds = rarity.DefaultThresholds
	}
	return &Builder{layout: layout.withDefaults(), thresholds: thresholds}
}

// Build creates a species model.
func (b *Builder) Build(in Input) Model {
	lines := Wrap(in.Name, b.layout.LineBudget, b.layout.MaxLines)
	th := b.thresholds()
	tier := rarity.Classify(in.Occurrence, th)

	m := Model{
		State:      StateSpecies,
		Name:       in.Name,
		Lines:      lines,
		FontSize:   FontSize(lines, b.layout),
		Confidence: in.Confidence,
		Occurrence: in.Occurrence,
		Count:      in.Count,
		Tier:       tier,
		Color:      tier.Color(),
		Glyph:      tier.Glyph(),
		Rare:       rarity.IsRare(in.Occurrence, th),
	}
	if in.Confidence != nil {
		pct := int(math.Round(*in.Confidence * 100))
		m.ConfidencePercent = &pct
	}
	return m
}

// Meter creates a ring-meter model for the rolling count.
func (b *Builder) Meter(count int) Model {
	lines := []string{strconv.Itoa(count)}
	return Model{
		State:    StateMeter,
		Lines:    lines,
		FontSize: FontSize(lines, b.layout),
		Count:    &count,
		Tier:     rarity.Unknown,
		Color:    rarity.Unknown.Color(),
		Glyph:    rarity.Unknown.Glyph(),
	}
}

// Image creates an image model. in supplies the caption and rarity.
func (b *Builder) Image(ref ImageRef, in Input) Model {
	m := b.Build(in)
	m.State = StateImage
	m.Image = &ref
	return m
}

// Wrap fills words greedily into at most maxLines lines of budget runes.
// A word longer than budget is cut to budget-1 runes plus an ellipsis; words
// left over after the last line mark that line with an ellipsis.
func Wrap(name string, budget, maxLines int) []string {
	words := strings.Fields(name)
	lines := make([]string, 0, maxLines)
	cur := ""
	overflow := false

	for _, w := range words {
		if utf8.RuneCountInString(w) > budget {
			w = truncate(w, budget-1) + ellipsis
		}
		if cur == "" {
			cur = w
			continue
		}
		if utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(w) <= budget {
			cur += " " + w
			continue
		}
		lines = append(lines, cur)
		cur = w
		if len(lines) == maxLines {
			overflow = true
			break
		}
	}

	if overflow {
		last := lines[maxLines-1]
		if utf8.RuneCountInString(last)+1 > budget {
			last = truncate(last, budget-1)
		}
		lines[maxLines-1] = strings.TrimSuffix(last, ellipsis) + ellipsis
		return lines
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}

// FontSize picks the largest size that fits the lines in the tile, between
// MinFontSize and Width/5.
func FontSize(lines []string, layout Layout) int {
	layout = layout.withDefaults()
	ceiling := layout.Width / 5
	if len(lines) == 0 {
		return max(ceiling, layout.MinFontSize)
	}

	longest := 1
	for _, l := range lines {
		longest = max(longest, utf8.RuneCountInString(l))
	}
	width := float64(layout.Width)
	byWidth := int(width / (charWidthRatio * float64(longest)))
	byHeight := int(width * textAreaRatio / (lineHeightRatio * float64(len(lines))))

	size := min(ceiling, byWidth, byHeight)
	return max(size, layout.MinFontSize)
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
