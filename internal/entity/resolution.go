package entity

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

const day = 24 * time.Hour

// ResolutionWindow maps ages below Bound to Label.
type ResolutionWindow struct {
	Bound time.Duration
	Label string
}

// ResolutionLadder is an ascending list of windows. The last label also
// covers every age beyond the largest bound.
type ResolutionLadder []ResolutionWindow

// DefaultLadder is the period ladder of the catalog's price chart API.
var DefaultLadder = ResolutionLadder{
	{Bound: 2 * day, Label: "P2D"},
	{Bound: 30 * day, Label: "P1M"},
	{Bound: 90 * day, Label: "P3M"},
	{Bound: 180 * day, Label: "P6M"},
	{Bound: 365 * day, Label: "P1Y"},
	{Bound: 500 * day, Label: "P500D"},
}

// Validate checks that the ladder is non-empty, strictly ascending and labelled.
func (l ResolutionLadder) Validate() error {
	if len(l) == 0 {
		return errors.New("resolution ladder is empty")
	}
	for i, w := range l {
		if w.Label == "" {
			return errors.Newf("resolution window %d has no label", i)
		}
		if w.Bound <= 0 {
			return errors.Newf("resolution window %q has non-positive bound %s", w.Label, w.Bound)
		}
		if i > 0 && w.Bound <= l[i-1].Bound {
			return errors.Newf("resolution ladder not ascending at %q (%s <= %s)", w.Label, w.Bound, l[i-1].Bound)
		}
	}
	return nil
}

// Select returns the label of the smallest window whose bound exceeds age.
// Lower bounds are inclusive: an age equal to a bound falls into the next window.
func (l ResolutionLadder) Select(age time.Duration) string {
	for _, w := range l {
		if age < w.Bound {
			return w.Label
		}
	}
	return l.Top()
}

// Top returns the catch-all label.
func (l ResolutionLadder) Top() string {
	if len(l) == 0 {
		return ""
	}
	return l[len(l)-1].Label
}

// FetchSpan is the span of history requested for an entity of the given age:
// twice the age so the returned series overlaps the last stored point.
// Infinite ages stay infinite.
func FetchSpan(age time.Duration) time.Duration {
	if age >= InfiniteAge/2 {
		return InfiniteAge
	}
	return 2 * age
}

// String renders the ladder in the configuration syntax.
func (l ResolutionLadder) String() string {
	s := ""
	for i, w := range l {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s=%s", FormatDays(w.Bound), w.Label)
	}
	return s
}

// FormatDays renders whole-day durations as "Nd" and everything else in Go syntax.
func FormatDays(d time.Duration) string {
	if d > 0 && d%day == 0 {
		return fmt.Sprintf("%dd", d/day)
	}
	return d.String()
}
