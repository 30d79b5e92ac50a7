package detection

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
)

// stringAccessor extracts a non-empty string from a document.
type stringAccessor func(*jason.Value) (string, bool)

// numberAccessor extracts a number from a document; nil when absent or invalid.
type numberAccessor func(*jason.Value) *float64

// resolve walks a dotted path. Numeric segments index arrays.
func resolve(root *jason.Value, path []string) (*jason.Value, bool) {
	cur := root
	for _, seg := range path {
		if cur == nil {
			return nil, false
		}
		if obj, err := cur.Object(); err == nil {
			next, err := obj.GetValue(seg)
			if err != nil {
				return nil, false
			}
			cur = next
			continue
		}
		arr, err := cur.Array()
		if err != nil {
			return nil, false
		}
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(arr) {
			return nil, false
		}
		cur = arr[idx]
	}
	return cur, cur != nil
}

func splitPath(p string) []string {
	var out []string
	for seg := range strings.SplitSeq(p, ".") {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// scalarString renders strings, numbers and booleans as text.
func scalarString(v *jason.Value) (string, bool) {
	if v == nil {
		return "", false
	}
	if s, err := v.String(); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	if n, err := v.Number(); err == nil {
		return n.String(), true
	}
	if b, err := v.Boolean(); err == nil {
		return strconv.FormatBool(b), true
	}
	return "", false
}

// stringAt matches a non-empty string at path.
func stringAt(path string) stringAccessor {
	segs := splitPath(path)
	return func(root *jason.Value) (string, bool) {
		v, ok := resolve(root, segs)
		if !ok {
			return "", false
		}
		s, err := v.String()
		if err != nil {
			return "", false
		}
		s = strings.TrimSpace(s)
		return s, s != ""
	}
}

// topLevelString matches a document that is itself a JSON string.
func topLevelString(root *jason.Value) (string, bool) {
	s, err := root.String()
	if err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// numberAt reads a number or numeric string at path, clamped to [0,1].
func numberAt(path string) numberAccessor {
	segs := splitPath(path)
	return func(root *jason.Value) *float64 {
		v, ok := resolve(root, segs)
		if !ok {
			return nil
		}
		return unitValue(v)
	}
}

func unitValue(v *jason.Value) *float64 {
	var f float64
	if n, err := v.Number(); err == nil {
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	} else if s, err := v.String(); err == nil {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		f = parsed
	} else {
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	f = math.Min(1, math.Max(0, f))
	return &f
}

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// validDate returns s when it is a real YYYY-MM-DD date.
func validDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !dateRe.MatchString(s) {
		return "", false
	}
	if _, err := time.Parse(DateLayout, s); err != nil {
		return "", false
	}
	return s, true
}

func dateAt(path string) stringAccessor {
	get := stringAt(path)
	return func(root *jason.Value) (string, bool) {
		s, ok := get(root)
		if !ok {
			return "", false
		}
		return validDate(s)
	}
}

// datePrefixAt reads the YYYY-MM-DD prefix of a timestamp string.
func datePrefixAt(path string) stringAccessor {
	get := stringAt(path)
	return func(root *jason.Value) (string, bool) {
		s, ok := get(root)
		if !ok || len(s) < len(DateLayout) {
			return "", false
		}
		return validDate(s[:len(DateLayout)])
	}
}

// Alias lists, tried in order.
var (
	nameAccessors = []stringAccessor{
		stringAt("CommonName"),
		stringAt("commonName"),
		stringAt("common_name"),
		stringAt("comName"),
		stringAt("Species.CommonName"),
		stringAt("species.commonName"),
		stringAt("species"),
		stringAt("ScientificName"),
		stringAt("scientificName"),
		stringAt("scientific_name"),
		stringAt("sciName"),
		stringAt("SpeciesCode"),
		stringAt("speciesCode"),
		stringAt("species_code"),
		stringAt("name"),
		stringAt("label"),
	}

	// nestedArrays hold per-detection objects in batched payloads.
	nestedArrays = []string{"detections", "results", "species"}

	confidenceAccessors = []numberAccessor{
		numberAt("Confidence"),
		numberAt("confidence"),
		numberAt("score"),
		numberAt("probability"),
	}

	imageAccessors = []stringAccessor{
		stringAt("BirdImage.URL"),
		stringAt("birdImage.url"),
		stringAt("bird_image.url"),
		stringAt("image.url"),
		stringAt("Image.URL"),
		stringAt("imageUrl"),
		stringAt("image_url"),
		stringAt("thumbnail"),
	}

	occurrenceAccessors = []numberAccessor{
		numberAt("occurrence"),
		numberAt("Occurrence"),
		numberAt("occurrenceProbability"),
		numberAt("occurrence_probability"),
	}

	dateAccessors = []stringAccessor{
		dateAt("Date"),
		dateAt("date"),
		dateAt("detectionDate"),
		dateAt("detection_date"),
		datePrefixAt("timestamp"),
	}
)

func firstString(scopes []*jason.Value, accessors []stringAccessor) string {
	for _, scope := range scopes {
		for _, get := range accessors {
			if s, ok := get(scope); ok {
				return s
			}
		}
	}
	return ""
}

func firstNumber(scopes []*jason.Value, accessors []numberAccessor) *float64 {
	for _, scope := range scopes {
		for _, get := range accessors {
			if f := get(scope); f != nil {
				return f
			}
		}
	}
	return nil
}

// nestedElements returns the first element of each known array, in order.
func nestedElements(root *jason.Value) []*jason.Value {
	var out []*jason.Value
	for _, key := range nestedArrays {
		v, ok := resolve(root, []string{key, "0"})
		if ok {
			out = append(out, v)
		}
	}
	return out
}
