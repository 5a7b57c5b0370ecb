// Package models provides data model definitions for the GlucoTrack core.
package models

import "time"

// UserStats holds cached aggregate counters derived from the reading set.
// Refreshed best-effort after successful pushes, never on the sync path
// itself.
type UserStats struct {
	TotalReadings int     `json:"total_readings"`
	StreakDays    int     `json:"streak_days"`
	InRangePct    float64 `json:"in_range_pct"`
	RefreshedAt   int64   `json:"refreshed_at"`
}

// RefreshedAtTime returns the RefreshedAt as time.Time.
func (s *UserStats) RefreshedAtTime() time.Time {
	return time.Unix(s.RefreshedAt, 0)
}
