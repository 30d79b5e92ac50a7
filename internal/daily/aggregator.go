// aggregator.go: Package daily keeps today's species set and schedules debounced saves.
package daily

import (
	"cmp"
	"slices"
	"time"

	"github.com/tphakala/birdnet-tiles/internal/clock"
	"github.com/tphakala/birdnet-tiles/internal/detection"
)

// SpeciesRecord is one species seen today. Occurrence is the minimum
// observed value; Confidence and LastSeen come from the newest sighting.
type SpeciesRecord struct {
	Name       string    `json:"name"`
	Occurrence *float64  `json:"occurrence"`
	Confidence *float64  `json:"confidence"`
	LastSeen   time.Time `json:"lastSeen"`
}

// SortOccurrence is the occurrence used for ordering; missing sorts as 1.
func (r SpeciesRecord) SortOccurrence() float64 {
	if r.Occurrence == nil {
		return 1
	}
	return *r.Occurrence
}

// Aggregator maps date key to species records and retains one date key at a
// time. It is owned by the pipeline event loop and is not safe for
// concurrent use.
type Aggregator struct {
	clock    clock.Clock
	days     map[string]map[string]*SpeciesRecord
	onChange func()
}

// NewAggregator returns an empty aggregator. onChange, when set, runs after
// every mutation; the pipeline wires it to Debouncer.Mark.
func NewAggregator(c clock.Clock, onChange func()) *Aggregator {
	if c == nil {
		c = clock.Real{}
	}
	return &Aggregator{
		clock:    c,
		days:     make(map[string]map[string]*SpeciesRecord),
		onChange: onChange,
	}
}

// Today returns the clock's current date key.
func (a *Aggregator) Today() string {
	return a.clock.Now().Format(detection.DateLayout)
}

// Upsert merges d into its day's records and purges every other day.
func (a *Aggregator) Upsert(d *detection.Detection) {
	if d == nil || d.Name == "" {
		return
	}
	key := d.DetectionDate
	if key == "" {
		key = a.Today()
	}

	day, ok := a.days[key]
	if !ok {
		day = make(map[string]*SpeciesRecord)
		a.days[key] = day
	}

	rec, ok := day[d.Name]
	if !ok {
		rec = &SpeciesRecord{Name: d.Name}
		day[d.Name] = rec
	}
	rec.Occurrence = minOccurrence(rec.Occurrence, d.Occurrence)
	if d.Confidence != nil {
		c := *d.Confidence
		rec.Confidence = &c
	}
	seen := d.ReceivedAt
	if seen.IsZero() {
		seen = a.clock.Now()
	}
	rec.LastSeen = seen

	a.purgeExcept(key)
	a.changed()
}

// TodaySpecies returns today's records, rarest first. Ties are broken by name
// so rotation order is stable.
func (a *Aggregator) TodaySpecies() []SpeciesRecord {
	day := a.days[a.Today()]
	out := make([]SpeciesRecord, 0, len(day))
	for _, rec := range day {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(x, y SpeciesRecord) int {
		if c := cmp.Compare(x.SortOccurrence(), y.SortOccurrence()); c != 0 {
			return c
		}
		return cmp.Compare(x.Name, y.Name)
	})
	return out
}

// Restore replaces the aggregate with a persisted day. It does not mark the
// aggregate dirty.
func (a *Aggregator) Restore(dateKey string, records []SpeciesRecord) {
	a.days = make(map[string]map[string]*SpeciesRecord)
	if dateKey == "" {
		return
	}
	day := make(map[string]*SpeciesRecord, len(records))
	for i := range records {
		if records[i].Name == "" {
			continue
		}
		rec := records[i]
		day[rec.Name] = &rec
	}
	a.days[dateKey] = day
}

// DateKey returns the retained date key, or "" when empty.
func (a *Aggregator) DateKey() string {
	for key := range a.days {
		return key
	}
	return ""
}

// Records returns the retained day's records in name order.
func (a *Aggregator) Records() []SpeciesRecord {
	day := a.days[a.DateKey()]
	out := make([]SpeciesRecord, 0, len(day))
	for _, rec := range day {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(x, y SpeciesRecord) int { return cmp.Compare(x.Name, y.Name) })
	return out
}

// Len returns the number of species for the retained day.
func (a *Aggregator) Len() int {
	return len(a.days[a.DateKey()])
}

func (a *Aggregator) purgeExcept(key string) {
	for k := range a.days {
		if k != key {
			delete(a.days, k)
		}
	}
}

func (a *Aggregator) changed() {
	if a.onChange != nil {
		a.onChange()
	}
}

func minOccurrence(old, cur *float64) *float64 {
	switch {
	case old == nil && cur == nil:
		return nil
	case old == nil:
		v := *cur
		return &v
	case cur == nil:
		return old
	case *cur < *old:
		v := *cur
		return &v
	default:
		return old
	}
}
