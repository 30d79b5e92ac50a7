// rolling.go: Package rolling counts live detections over a sliding one-hour window.
package rolling

import "time"

// Window is the counting horizon.
const Window = time.Hour

// Counter holds detection timestamps in non-decreasing order. It is not safe
// for concurrent use; the pipeline event loop owns it.
type Counter struct {
	stamps []time.Time
}

// NewCounter returns an empty counter.
func NewCounter() *Counter {
	return &Counter{}
}

// Record appends now and prunes expired entries. A timestamp earlier than
// the newest recorded one is raised to it to keep the order.
func (c *Counter) Record(now time.Time) {
	if n := len(c.stamps); n > 0 && now.Before(c.stamps[n-1]) {
		now = c.stamps[n-1]
	}
	c.stamps = append(c.stamps, now)
	c.prune(now)
}

// Count returns the number of entries in (now-Window, now].
func (c *Counter) Count(now time.Time) int {
	c.prune(now)
	n := 0
	for i := len(c.stamps) - 1; i >= 0 && c.stamps[i].After(now); i-- {
		n++
	}
	return len(c.stamps) - n
}

// Reset drops every entry.
func (c *Counter) Reset() {
	c.stamps = nil
}

func (c *Counter) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(c.stamps) && !c.stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	// Copy down so the backing array does not grow without bound.
	c.stamps = append(c.stamps[:0], c.stamps[i:]...)
}
