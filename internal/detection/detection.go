// detection.go: Package detection turns raw broker payloads into canonical Detection records.
//
// Publishers disagree on schema: BirdNET-Go emits flat PascalCase events,
// other bridges nest species under arrays or use snake_case. The Normalizer
// tries a configured dotted path first, then ordered alias lists, and falls
// back to the raw text so a non-empty payload always yields a Detection.
package detection

import "time"

// DateLayout is the accepted detection date format.
const DateLayout = "2006-01-02"

// Detection is one normalized sighting. Optional fields are nil or empty when
// the payload did not carry a usable value.
type Detection struct {
	Name          string    `json:"name"`
	Confidence    *float64  `json:"confidence"`
	Occurrence    *float64  `json:"occurrence"`
	ImageURL      string    `json:"imageUrl,omitempty"`
	DetectionDate string    `json:"detectionDate,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// HasImage reports whether the detection carries an image URL.
func (d *Detection) HasImage() bool {
	return d != nil && d.ImageURL != ""
}

// Source identifies which normalization step produced a detection.
type Source string

const (
	SourceFieldPath Source = "field_path"
	SourceAlias     Source = "alias"
	SourceRawText   Source = "raw_text"
)
