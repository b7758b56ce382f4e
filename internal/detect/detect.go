// Package detect recognizes single-step rework increments.
package detect

import (
	"sync"

	"github.com/jpalmerr/linepulse/internal/line"
)

// Kind identifies the inspection stage a rework belongs to.
type Kind string

const (
	QC  Kind = "QC"
	PQC Kind = "PQC"
)

// Watch tracks one counter. The zero value has seen nothing yet.
type Watch struct {
	prev int64
}

// Observe reports whether v is exactly one more than the previous positive
// value, then remembers v. The first observation never fires, and neither
// does 0 -> 1, which is indistinguishable from initial load.
func (w *Watch) Observe(v int64) bool {
	fired := w.prev > 0 && v == w.prev+1
	w.prev = v
	return fired
}

// Detector watches the QC and PQC rework counters of one line.
// It is safe for concurrent use.
type Detector struct {
	mu        sync.Mutex
	enabled   bool
	rework    Watch
	pqcRework Watch
}

// New returns a detector. A disabled detector keeps tracking values so that
// enabling it later does not fire on stale history.
func New(enabled bool) *Detector {
	return &Detector{enabled: enabled}
}

// SetEnabled switches firing on or off.
func (d *Detector) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
}

// Observe feeds a new aggregate and returns the kinds whose counter just
// went up by exactly one, QC first.
func (d *Detector) Observe(c line.Counters) []Kind {
	d.mu.Lock()
	defer d.mu.Unlock()

	qc := d.rework.Observe(c.Rework)
	pqc := d.pqcRework.Observe(c.PQCRework)
	if !d.enabled {
		return nil
	}

	var kinds []Kind
	if qc {
		kinds = append(kinds, QC)
	}
	if pqc {
		kinds = append(kinds, PQC)
	}
	return kinds
}

// Reset forgets previous values, e.g. after the filter scope changed.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.rework = Watch{}
	d.pqcRework = Watch{}
	d.mu.Unlock()
}
