package daily

import (
	"sync"
	"time"

	"github.com/tphakala/birdnet-tiles/internal/clock"
)

// DefaultSaveDelay is the coalescing window for saves.
const DefaultSaveDelay = time.Second

// Debouncer coalesces bursts of Mark calls into one save. It is a dirty flag
// plus at most one pending timer; a pending timer is never re-armed, so the
// save runs once per burst, delay after the first Mark.
type Debouncer struct {
	mu      sync.Mutex
	clock   clock.Clock
	exec    clock.Executor
	delay   time.Duration
	save    func()
	dirty   bool
	pending *pendingSave
}

type pendingSave struct {
	timer clock.Timer
}

// NewDebouncer creates a Debouncer that runs save through exec. A nil exec
// runs the save on the timer goroutine.
func NewDebouncer(c clock.Clock, exec clock.Executor, delay time.Duration, save func()) *Debouncer {
	if c == nil {
		c = clock.Real{}
	}
	if exec == nil {
		exec = clock.Inline
	}
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	return &Debouncer{clock: c, exec: exec, delay: delay, save: save}
}

// Mark flags unsaved changes and arms the save timer unless one is pending.
func (d *Debouncer) Mark() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dirty = true
	if d.pending != nil {
		return
	}
	p := &pendingSave{}
	d.pending = p
	p.timer = d.clock.AfterFunc(d.delay, func() {
		d.exec(func() { d.fire(p) })
	})
}

// Dirty reports whether changes are waiting to be saved.
func (d *Debouncer) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// Pending reports whether a save timer is armed.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// Flush cancels the pending timer and saves now if dirty. Used on shutdown.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.pending != nil {
		d.pending.timer.Stop()
		d.pending = nil
	}
	run := d.dirty
	d.dirty = false
	d.mu.Unlock()

	if run && d.save != nil {
		d.save()
	}
}

// Stop cancels any pending save without running it.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != nil {
		d.pending.timer.Stop()
		d.pending = nil
	}
}

func (d *Debouncer) fire(p *pendingSave) {
	d.mu.Lock()
	if d.pending != p {
		// Flushed or stopped after the timer fired.
		d.mu.Unlock()
		return
	}
	d.pending = nil
	run := d.dirty
	d.dirty = false
	d.mu.Unlock()

	if run && d.save != nil {
		d.save()
	}
}
