package entity

import "time"

// UpdateRun mirrors the `update_run` table: an admitted, not yet completed
// refresh of one entity. A row that survives a restart is the resume signal.
type UpdateRun struct {
	Kind       EntityKind
	EntityID   int64
	IssuedAt   time.Time
	Resolution string // empty for category runs
}

// RunClock truncates t to the precision the run ledger stores.
func RunClock(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
