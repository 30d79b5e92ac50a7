package detection

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 5, 17, 7, 30, 0, 0, time.UTC)

// birdnetEvent mirrors the flat event BirdNET-Go publishes.
type birdnetEvent struct {
	Date           string     `json:"Date"`
	Time           string     `json:"Time"`
	CommonName     string     `json:"CommonName"`
	ScientificName string     `json:"ScientificName"`
	Confidence     float64    `json:"Confidence"`
	Occurrence     float64    `json:"occurrence,omitempty"`
	BirdImage      *birdImage `json:"BirdImage,omitempty"`
}

type birdImage struct {
	URL        string `json:"URL"`
	AuthorName string `json:"AuthorName"`
}

func TestNormalizeBirdNETEvent(t *testing.T) {
	t.Parallel()

	body, err := json.Marshal(birdnetEvent{
		Date:           "2025-05-17",
		Time:           "07:29:58",
		CommonName:     "Eurasian Wren",
		ScientificName: "Troglodytes troglodytes",
		Confidence:     0.91,
		Occurrence:     0.12,
		BirdImage:      &birdImage{URL: "https://images.example.org/wren.jpg", AuthorName: "A. Photographer"},
	})
	require.NoError(t, err)

	d, src, ok := NormalizeWithSource(body, "CommonName", now)
	require.True(t, ok)
	assert.Equal(t, SourceFieldPath, src)
	assert.Equal(t, "Eurasian Wren", d.Name)
	assert.InDelta(t, 0.91, *d.Confidence, 1e-9)
	assert.InDelta(t, 0.12, *d.Occurrence, 1e-9)
	assert.Equal(t, "https://images.example.org/wren.jpg", d.ImageURL)
	assert.Equal(t, "2025-05-17", d.DetectionDate)
	assert.Equal(t, now, d.ReceivedAt)
}

func TestNormalizeEndToEndExamples(t *testing.T) {
	t.Parallel()

	d, ok := Normalize([]byte(`{"CommonName":"Blue Jay","Confidence":0.87,"occurrence":0.05}`), "CommonName", now)
	require.True(t, ok)
	assert.Equal(t, "Blue Jay", d.Name)
	assert.InDelta(t, 0.87, *d.Confidence, 1e-9)
	assert.InDelta(t, 0.05, *d.Occurrence, 1e-9)

	_, ok = Normalize([]byte(""), "CommonName", now)
	assert.False(t, ok)
	_, ok = Normalize([]byte(" \n\t "), "CommonName", now)
	assert.False(t, ok)

	d, ok = Normalize([]byte("American Robin"), "CommonName", now)
	require.True(t, ok)
	assert.Equal(t, "American Robin", d.Name)
	assert.Nil(t, d.Confidence)
	assert.Nil(t, d.Occurrence)
	assert.Empty(t, d.ImageURL)
}

func TestNormalizeFieldPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		path string
		want string
		src  Source
	}{
		{"nested object", `{"bird":{"label":"Song Thrush"}}`, "bird.label", "Song Thrush", SourceFieldPath},
		{"array index", `{"species":[{"name":"Great Tit"},{"name":"Blue Tit"}]}`, "species.1.name", "Blue Tit", SourceFieldPath},
		{"number rendered", `{"id":42}`, "id", "42", SourceFieldPath},
		{"missing path falls back to aliases", `{"common_name":"Dunnock"}`, "CommonName", "Dunnock", SourceAlias},
		{"empty value falls back", `{"CommonName":"  ","sciName":"Prunella modularis"}`, "CommonName", "Prunella modularis", SourceAlias},
		{"object value falls back", `{"CommonName":{"x":1},"name":"Robin"}`, "CommonName", "Robin", SourceAlias},
		{"no path", `{"label":"Chiffchaff"}`, "", "Chiffchaff", SourceAlias},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, src, ok := NormalizeWithSource([]byte(tt.body), tt.path, now)
			require.True(t, ok)
			assert.Equal(t, tt.want, d.Name)
			assert.Equal(t, tt.src, src)
		})
	}
}

func TestNormalizeAliasOrder(t *testing.T) {
	t.Parallel()

	// Common name wins over scientific name and species code.
	d, ok := Normalize([]byte(`{"speciesCode":"eurwre","sciName":"Troglodytes troglodytes","comName":"Eurasian Wren"}`), "", now)
	require.True(t, ok)
	assert.Equal(t, "Eurasian Wren", d.Name)

	d, ok = Normalize([]byte(`{"Species":{"CommonName":"Nuthatch"}}`), "", now)
	require.True(t, ok)
	assert.Equal(t, "Nuthatch", d.Name)

	d, ok = Normalize([]byte(`"Goldcrest"`), "", now)
	require.True(t, ok)
	assert.Equal(t, "Goldcrest", d.Name)
}

func TestNormalizeEmptyJSONString(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`""`, `"   "`, ` "	
" `} {
		d, ok := Normalize([]byte(body), "CommonName", now)
		assert.False(t, ok, body)
		assert.Nil(t, d, body)
	}
}

func TestNormalizeNestedArrays(t *testing.T) {
	t.Parallel()

	body := `{"results":[{"common_name":"Common Swift","score":"0.66","occurrence_probability":0.3,"image_url":"https://img/swift.png","timestamp":"2025-05-17T07:29:58Z"}]}`
	d, ok := Normalize([]byte(body), "CommonName", now)
	require.True(t, ok)
	assert.Equal(t, "Common Swift", d.Name)
	assert.InDelta(t, 0.66, *d.Confidence, 1e-9)
	assert.InDelta(t, 0.3, *d.Occurrence, 1e-9)
	assert.Equal(t, "https://img/swift.png", d.ImageURL)
	assert.Equal(t, "2025-05-17", d.DetectionDate)
}

func TestNormalizeAuxiliaryFieldDegradation(t *testing.T) {
	t.Parallel()

	body := `{"CommonName":"Jay","Confidence":"high","occurrence":1.7,"Date":"17/05/2025","BirdImage":{"URL":42}}`
	d, ok := Normalize([]byte(body), "CommonName", now)
	require.True(t, ok)
	assert.Equal(t, "Jay", d.Name)
	assert.Nil(t, d.Confidence, "non-numeric string yields nil")
	require.NotNil(t, d.Occurrence)
	assert.InDelta(t, 1.0, *d.Occurrence, 0, "out of range is clamped")
	assert.Empty(t, d.DetectionDate, "wrong date format is dropped")
	assert.Empty(t, d.ImageURL)
}

func TestNormalizeNegativeAndInvalidDates(t *testing.T) {
	t.Parallel()

	d, ok := Normalize([]byte(`{"name":"Coot","confidence":-0.2,"date":"2025-02-30"}`), "", now)
	require.True(t, ok)
	require.NotNil(t, d.Confidence)
	assert.InDelta(t, 0.0, *d.Confidence, 0)
	assert.Empty(t, d.DetectionDate)
}

func TestNormalizeUnknownJSONUsesRawText(t *testing.T) {
	t.Parallel()

	d, src, ok := NormalizeWithSource([]byte(`  {"foo":1}  `), "CommonName", now)
	require.True(t, ok)
	assert.Equal(t, SourceRawText, src)
	assert.Equal(t, `{"foo":1}`, d.Name)
}

func TestNormalizerLogsWithoutPanicking(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(nil)
	d, src, ok := n.Normalize([]byte(`{"CommonName":"Robin"}`), "CommonName", now)
	require.True(t, ok)
	assert.Equal(t, "Robin", d.Name)
	assert.Equal(t, SourceFieldPath, src)

	_, _, ok = n.Normalize([]byte("  "), "CommonName", now)
	assert.False(t, ok)
	assert.True(t, (&Detection{ImageURL: "x"}).HasImage())
	assert.False(t, d.HasImage())
}
