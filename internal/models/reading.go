// Package models provides data model definitions for the GlucoTrack core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Glucose measurement units.
const (
	UnitMgDL  = "mg/dL"
	UnitMmolL = "mmol/L"
)

// Reading status classifications, derived from value and unit at write time.
const (
	StatusLow    = "low"
	StatusNormal = "normal"
	StatusHigh   = "high"
)

// Classification bands. mmol/L bands are the mg/dL bands divided by 18.
const (
	LowThresholdMgDL   = 70.0
	HighThresholdMgDL  = 180.0
	LowThresholdMmolL  = 3.9
	HighThresholdMmolL = 10.0
)

// Reading represents one glucose measurement, local or remote.
//
// RemoteID is the identifier assigned by the backend once the reading is
// durably accepted there; zero until the first successful push or until the
// reading arrives via fetch. A reading with Synced == true always has a
// non-zero RemoteID.
type Reading struct {
	ID          UUID    `db:"id" json:"id"`
	RemoteID    int64   `db:"remote_id" json:"remote_id,omitempty"`
	MeasuredAt  int64   `db:"measured_at" json:"measured_at"`
	TZOffsetSec int     `db:"tz_offset_sec" json:"tz_offset_sec"`
	Value       float64 `db:"value" json:"value"`
	Unit        string  `db:"unit" json:"unit"`
	MealContext string  `db:"meal_context" json:"meal_context,omitempty"`
	Notes       string  `db:"notes" json:"notes,omitempty"`
	Status      string  `db:"status" json:"status"`
	Synced      bool    `db:"synced" json:"synced"`
	IsLocalOnly bool    `db:"is_local_only" json:"is_local_only"`
	CreatedAt   int64   `db:"created_at" json:"created_at"`
	UpdatedAt   int64   `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Reading.
func (Reading) TableName() string {
	return "readings"
}

// HasRemoteID reports whether the backend has ever assigned this reading an id.
func (r *Reading) HasRemoteID() bool {
	return r.RemoteID != 0
}

// Time returns the measurement instant in the timezone it was taken in.
func (r *Reading) Time() time.Time {
	return time.Unix(r.MeasuredAt, 0).In(time.FixedZone("", r.TZOffsetSec))
}

// Touch updates the UpdatedAt timestamp.
func (r *Reading) Touch() {
	r.UpdatedAt = time.Now().Unix()
}

// ClassifyStatus returns the status band for a value in the given unit.
// Unknown units fall back to the mg/dL bands.
func ClassifyStatus(value float64, unit string) string {
	low, high := LowThresholdMgDL, HighThresholdMgDL
	if unit == UnitMmolL {
		low, high = LowThresholdMmolL, HighThresholdMmolL
	}
	switch {
	case value < low:
		return StatusLow
	case value > high:
		return StatusHigh
	default:
		return StatusNormal
	}
}

// ReadingSnapshot is the payload portion of a reading, frozen into a
// mutation queue entry at enqueue time so the push can proceed even if the
// live record is edited again.
type ReadingSnapshot struct {
	MeasuredAt  int64   `json:"measured_at"`
	TZOffsetSec int     `json:"tz_offset_sec"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit"`
	MealContext string  `json:"meal_context,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

// Snapshot freezes the mutable payload fields of the reading.
func (r *Reading) Snapshot() ReadingSnapshot {
	return ReadingSnapshot{
		MeasuredAt:  r.MeasuredAt,
		TZOffsetSec: r.TZOffsetSec,
		Value:       r.Value,
		Unit:        r.Unit,
		MealContext: r.MealContext,
		Notes:       r.Notes,
	}
}

// MarshalSnapshot serializes the reading payload for queue storage.
func (r *Reading) MarshalSnapshot() (json.RawMessage, error) {
	return json.Marshal(r.Snapshot())
}

// ReadingUpdate describes a partial update to a reading. Nil fields are left
// unchanged.
type ReadingUpdate struct {
	MeasuredAt  *int64
	TZOffsetSec *int
	Value       *float64
	Unit        *string
	MealContext *string
	Notes       *string
}

// IsZero reports whether the update would change nothing.
func (u ReadingUpdate) IsZero() bool {
	return u.MeasuredAt == nil && u.TZOffsetSec == nil && u.Value == nil &&
		u.Unit == nil && u.MealContext == nil && u.Notes == nil
}
