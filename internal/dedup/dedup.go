// Package dedup suppresses snapshots whose tracked content did not change.
//
// The WebSocket backend re-broadcasts the full data set on every tick even
// when nothing moved. [Filter] compares a fingerprint of the tracked fields
// against the last accepted snapshot so identical payloads never reach the
// aggregator.
package dedup

import (
	"encoding/binary"
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/jpalmerr/linepulse/internal/line"
)

// projection is the part of a record that participates in change detection.
type projection struct {
	line      string
	workOrder string
	counters  [len(line.Fields)]string
}

func project(r line.Record) projection {
	p := projection{
		line:      line.NormalizeID(r.Line),
		workOrder: strings.TrimSpace(r.WorkOrder),
	}
	for i, f := range line.Fields {
		p.counters[i] = r.Raw(f)
	}
	return p
}

func (p projection) compare(o projection) int {
	if c := strings.Compare(p.line, o.line); c != 0 {
		return c
	}
	if c := strings.Compare(p.workOrder, o.workOrder); c != 0 {
		return c
	}
	for i := range p.counters {
		if c := strings.Compare(p.counters[i], o.counters[i]); c != 0 {
			return c
		}
	}
	return 0
}

// Fingerprint hashes the tracked fields of records. The result does not
// depend on record order nor on untracked fields such as timestamps or
// descriptive text.
func Fingerprint(records []line.Record) uint64 {
	ps := make([]projection, len(records))
	for i, r := range records {
		ps[i] = project(r)
	}
	slices.SortFunc(ps, projection.compare)

	d := xxhash.New()
	var lenBuf [binary.MaxVarintLen64]byte
	writeString := func(s string) {
		n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
		_, _ = d.Write(lenBuf[:n])
		_, _ = d.WriteString(s)
	}
	for _, p := range ps {
		writeString(p.line)
		writeString(p.workOrder)
		for _, c := range p.counters {
			writeString(c)
		}
	}
	return d.Sum64()
}

// Filter remembers the fingerprint of the last accepted snapshot.
// It is safe for concurrent use.
type Filter struct {
	mu   sync.Mutex
	last uint64
	seen bool
}

// Accept reports whether records differ from the last accepted snapshot and,
// if so, records them as the new baseline. The first call always accepts.
func (f *Filter) Accept(records []line.Record) bool {
	sum := Fingerprint(records)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen && sum == f.last {
		return false
	}
	f.last = sum
	f.seen = true
	return true
}

// Reset forgets the baseline so the next snapshot is accepted.
func (f *Filter) Reset() {
	f.mu.Lock()
	f.seen = false
	f.last = 0
	f.mu.Unlock()
}
