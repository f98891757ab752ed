package whisper

import (
	"math"
	"sort"
	"strings"
)

// Reconcile merges overlapping window outputs into one ordered segment list.
//
// Neighbouring windows overlap by both their strides, so each window owns only
// its span minus its left and right stride. Segments starting outside the
// owned region are dropped, timestamps are snapped to the time precision, and
// starts are clamped so the list never goes backwards. A segment with no end
// is bounded by the start of its successor when there is one.
func Reconcile(chunks []RawChunk, opts ReconcileOptions) []RawSegment {
	ordered := make([]RawChunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var out []RawSegment
	for _, c := range ordered {
		lo := c.Start + c.StrideLeft
		hi := c.End - c.StrideRight
		for _, seg := range c.Segments {
			if seg.Start < lo || (c.StrideRight > 0 && seg.Start >= hi) {
				continue
			}
			s := RawSegment{Text: seg.Text, Start: snap(seg.Start, opts.TimePrecision)}
			if seg.End != nil {
				s.End = Float(snap(*seg.End, opts.TimePrecision))
			}
			if n := len(out); n > 0 {
				prev := &out[n-1]
				if prev.End == nil {
					prev.End = Float(s.Start)
				}
				if s.Start < *prev.End {
					s.Start = *prev.End
				}
			}
			if s.End != nil && *s.End < s.Start {
				s.End = Float(s.Start)
			}
			out = append(out, s)
		}
	}

	if !opts.ReturnTimestamps && len(out) > 0 {
		parts := make([]string, 0, len(out))
		for _, s := range out {
			parts = append(parts, strings.TrimSpace(s.Text))
		}
		return []RawSegment{{Text: strings.Join(parts, " ")}}
	}
	return out
}

func snap(t, precision float64) float64 {
	if precision <= 0 {
		return t
	}
	return math.Round(t/precision) * precision
}
