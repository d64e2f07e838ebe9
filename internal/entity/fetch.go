package entity

import (
	"net/http"
	"slices"
	"time"
)

// CorrelationKey is the opaque handle returned by Issue and passed to Collect.
type CorrelationKey string

// TimeWindow bounds the acceptable fetch time of a response. A cached
// response fetched inside [MinDate, MaxDate] may be served instead of a new
// network call.
type TimeWindow struct {
	MinDate time.Time `json:"min_date"`
	MaxDate time.Time `json:"max_date"`
}

// NewTimeWindow derives a window ending at now. An explicit minDate wins over
// maxStaleness; a zero maxStaleness without minDate demands a fresh fetch.
func NewTimeWindow(now time.Time, maxStaleness time.Duration, minDate time.Time) TimeWindow {
	from := now
	switch {
	case !minDate.IsZero():
		from = minDate
	case maxStaleness > 0:
		from = now.Add(-maxStaleness)
	}
	return TimeWindow{MinDate: from.UTC(), MaxDate: now.UTC()}
}

// Contains reports whether t lies inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.MinDate) && !t.After(w.MaxDate)
}

// FetchRequest describes one page fetch.
type FetchRequest struct {
	URL    string      `json:"url"`
	Header http.Header `json:"header,omitempty"`
	Window TimeWindow  `json:"window"`
	// Accept lists the status codes that count as success. Empty means 200 only.
	Accept []int `json:"accept,omitempty"`
}

// Accepts reports whether status is in the accepted set.
func (r FetchRequest) Accepts(status int) bool {
	if len(r.Accept) == 0 {
		return status == http.StatusOK
	}
	return slices.Contains(r.Accept, status)
}

// FetchResult is what Collect hands back for a correlation key.
type FetchResult struct {
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code"`
	Content    []byte    `json:"content"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// FetchJob is a deferred fetch waiting for a worker.
type FetchJob struct {
	Key        CorrelationKey `json:"key"`
	Request    FetchRequest   `json:"request"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// FetchOutcome is what a worker publishes for a job. Error is set when the
// fetch failed below the HTTP layer; Result is nil in that case.
type FetchOutcome struct {
	Result *FetchResult `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
	Cached bool         `json:"cached,omitempty"`
}
