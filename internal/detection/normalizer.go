package detection

import (
	"bytes"
	"strings"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/tphakala/birdnet-tiles/internal/logger"
)

// Normalizer converts payloads to Detections. It holds no mutable state and
// is safe for concurrent use.
type Normalizer struct {
	log logger.Logger
}

// NewNormalizer creates a Normalizer. A nil logger uses the global one.
func NewNormalizer(log logger.Logger) *Normalizer {
	if log == nil {
		log = logger.Global().Module("detection")
	}
	return &Normalizer{log: log}
}

// Normalize returns the Detection for body, the step that produced its name
// and true, or false when body is empty or whitespace. fieldPath is a dotted
// path such as "CommonName" or "species.0.name"; an empty path skips straight
// to the alias lists.
func (n *Normalizer) Normalize(body []byte, fieldPath string, now time.Time) (*Detection, Source, bool) {
	d, src, ok := normalize(body, fieldPath, now)
	if !ok {
		n.log.Debug("empty payload ignored")
		return nil, "", false
	}
	n.log.Trace("payload normalized",
		logger.String("species", d.Name),
		logger.String("source", string(src)),
		logger.String("field_path", fieldPath))
	return d, src, true
}

// Normalize is Normalizer.Normalize without logging or source.
func Normalize(body []byte, fieldPath string, now time.Time) (*Detection, bool) {
	d, _, ok := normalize(body, fieldPath, now)
	return d, ok
}

// NormalizeWithSource also reports which step produced the name.
func NormalizeWithSource(body []byte, fieldPath string, now time.Time) (*Detection, Source, bool) {
	return normalize(body, fieldPath, now)
}

func normalize(body []byte, fieldPath string, now time.Time) (*Detection, Source, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, "", false
	}

	root, err := jason.NewValueFromBytes(trimmed)
	if err == nil {
		if segs := splitPath(fieldPath); len(segs) > 0 {
			if v, ok := resolve(root, segs); ok {
				if name, ok := scalarString(v); ok {
					return withAuxiliary(name, root, now), SourceFieldPath, true
				}
			}
		}

		if name, ok := aliasName(root); ok {
			return withAuxiliary(name, root, now), SourceAlias, true
		}
		if _, err := root.String(); err == nil {
			// A JSON string of only whitespace is an empty body.
			return nil, "", false
		}
	}

	return &Detection{
		Name:       strings.TrimSpace(string(trimmed)),
		ReceivedAt: now,
	}, SourceRawText, true
}

// aliasName tries the name aliases on the document, then on the first
// element of each nested array, then the document as a bare string.
func aliasName(root *jason.Value) (string, bool) {
	if name := firstString([]*jason.Value{root}, nameAccessors); name != "" {
		return name, true
	}
	if name := firstString(nestedElements(root), nameAccessors); name != "" {
		return name, true
	}
	return topLevelString(root)
}

func withAuxiliary(name string, root *jason.Value, now time.Time) *Detection {
	scopes := append([]*jason.Value{root}, nestedElements(root)...)
	return &Detection{
		Name:          name,
		Confidence:    firstNumber(scopes, confidenceAccessors),
		Occurrence:    firstNumber(scopes, occurrenceAccessors),
		ImageURL:      firstString(scopes, imageAccessors),
		DetectionDate: firstString(scopes, dateAccessors),
		ReceivedAt:    now,
	}
}
