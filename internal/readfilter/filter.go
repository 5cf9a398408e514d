// Package readfilter decides, event by event, what a stream reader hands to a
// consumer. Filters are composed with And and consulted in order.
package readfilter

import (
	"time"

	"github.com/rzbill/flowstream/internal/streamfile"
)

// Verdict is the outcome of a filter for one event.
type Verdict int

const (
	// Accept delivers the event.
	Accept Verdict = iota
	// SkipEntry drops this event and keeps reading the file.
	SkipEntry
	// SkipFile drops this event and the rest of its file.
	SkipFile
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case SkipEntry:
		return "skip-entry"
	case SkipFile:
		return "skip-file"
	default:
		return "unknown"
	}
}

// Filter inspects one event read from a stream file.
type Filter interface {
	Check(ev streamfile.StreamEvent) Verdict
}

// Func adapts a function to Filter.
type Func func(ev streamfile.StreamEvent) Verdict

func (f Func) Check(ev streamfile.StreamEvent) Verdict { return f(ev) }

type and []Filter

// And returns a filter that runs filters left to right and returns the first
// verdict that is not Accept. Nil filters are ignored.
func And(filters ...Filter) Filter {
	out := make(and, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

func (a and) Check(ev streamfile.StreamEvent) Verdict {
	for _, f := range a {
		if v := f.Check(ev); v != Accept {
			return v
		}
	}
	return Accept
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

type ttl struct {
	ttl   time.Duration
	clock Clock
}

// TTL skips events older than now - d. An event exactly at the cutoff is
// still accepted. A non-positive d disables expiry and TTL returns nil, which
// And ignores.
func TTL(d time.Duration, clock Clock) Filter {
	if d <= 0 {
		return nil
	}
	if clock == nil {
		clock = SystemClock
	}
	return ttl{ttl: d, clock: clock}
}

// Cutoff returns the oldest timestamp (ms) still inside the TTL window.
func (f ttl) Cutoff() int64 { return f.clock.Now().Add(-f.ttl).UnixMilli() }

func (f ttl) Check(ev streamfile.StreamEvent) Verdict {
	if ev.Timestamp < f.Cutoff() {
		return SkipEntry
	}
	return Accept
}

// Cutoff reports the TTL cutoff of filter f when f expires events. Readers
// use it to seek past expired index ranges and to skip fully expired
// partitions.
func Cutoff(f Filter) (int64, bool) {
	switch v := f.(type) {
	case ttl:
		return v.Cutoff(), true
	case and:
		var best int64
		found := false
		for _, inner := range v {
			if c, ok := Cutoff(inner); ok && (!found || c > best) {
				best, found = c, true
			}
		}
		return best, found
	default:
		return 0, false
	}
}

type timeRange struct{ start, end int64 }

// TimeRange accepts events with start <= timestamp < end (ms). Events before
// start are skipped; the first event at or after end ends the file.
func TimeRange(start, end int64) Filter { return timeRange{start: start, end: end} }

func (f timeRange) Check(ev streamfile.StreamEvent) Verdict {
	switch {
	case ev.Timestamp < f.start:
		return SkipEntry
	case ev.Timestamp >= f.end:
		return SkipFile
	default:
		return Accept
	}
}
